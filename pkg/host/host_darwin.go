//go:build darwin

package host

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// POSIX is the Host implementation backed by real mmap/fcntl/ioctl/sysctl
// calls, used by the runtime loader outside of tests. It talks to the
// kernel through the raw Syscall/Syscall6 primitives rather than the
// higher-level slice-based helpers, since several of these operations
// (fixed-address mappings, struct-carrying fcntl commands) have no
// portable wrapper.
type POSIX struct {
	dofFD int // /dev/dtracehelper, opened lazily
}

func NewPOSIX() *POSIX { return &POSIX{dofFD: -1} }

func toUnixProt(p MapProt) uintptr {
	var out uintptr
	if p&ProtRead != 0 {
		out |= unix.PROT_READ
	}
	if p&ProtWrite != 0 {
		out |= unix.PROT_WRITE
	}
	if p&ProtExecute != 0 {
		out |= unix.PROT_EXEC
	}
	return out
}

func (h *POSIX) Map(fd uintptr, fileOffset int64, length uintptr, prot MapProt, addr uintptr) (uintptr, error) {
	flags := uintptr(unix.MAP_PRIVATE)
	if addr != 0 {
		flags |= unix.MAP_FIXED
	}
	r1, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, length, toUnixProt(prot), flags, fd, uintptr(fileOffset))
	if errno != 0 {
		return 0, &MmapFailedError{Errno: errno}
	}
	return r1, nil
}

func (h *POSIX) Unmap(addr uintptr, length uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, length, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func (h *POSIX) VMAllocate(length uintptr) (uintptr, error) {
	flags := uintptr(unix.MAP_PRIVATE | unix.MAP_ANON)
	r1, _, errno := unix.Syscall6(unix.SYS_MMAP, 0, length, unix.PROT_NONE, flags, ^uintptr(0), 0)
	if errno != 0 {
		return 0, &MmapFailedError{Errno: errno}
	}
	return r1, nil
}

func (h *POSIX) VMDeallocate(addr, length uintptr) error { return h.Unmap(addr, length) }

func (h *POSIX) VMProtect(addr, length uintptr, prot MapProt) error {
	_, _, errno := unix.Syscall(unix.SYS_MPROTECT, addr, length, toUnixProt(prot))
	if errno != 0 {
		return errno
	}
	return nil
}

// fsignatures mirrors the kernel's fsignatures_t: { off_t fs_file_start;
// void *fs_blob_start; size_t fs_blob_size }, used by both
// F_ADDFILESIGS_RETURN and F_CHECK_LV.
type fsignatures struct {
	fileStart int64
	blobStart uintptr
	blobSize  uintptr
}

func (h *POSIX) AddFileSignatures(fd uintptr, sliceOffset, cdBlobOffset, cdBlobSize int64) (int64, error) {
	fs := fsignatures{fileStart: sliceOffset + cdBlobOffset, blobSize: uintptr(cdBlobSize)}
	_, _, errno := unix.Syscall(unix.SYS_FCNTL, fd, unix.F_ADDFILESIGS_RETURN, uintptr(unsafe.Pointer(&fs)))
	if errno != 0 {
		return 0, fmt.Errorf("F_ADDFILESIGS_RETURN: %w", errno)
	}
	return fs.fileStart, nil
}

func (h *POSIX) CheckLibraryValidation(fd uintptr, sliceOffset int64) error {
	fs := fsignatures{fileStart: sliceOffset}
	_, _, errno := unix.Syscall(unix.SYS_FCNTL, fd, unix.F_CHECK_LV, uintptr(unsafe.Pointer(&fs)))
	if errno != 0 {
		return fmt.Errorf("F_CHECK_LV: %w", errno)
	}
	return nil
}

func (h *POSIX) DeclareEncryptedRegion(addr uintptr, size uintptr, cpuType, cpuSubtype int32) error {
	// No portable syscall exposes CS_OPS_MARKRESTRICT-style encryption
	// declaration outside of the kernel's Mach trap surface; dyld itself
	// issues this via mach_vm_protect-adjacent private kernel calls not
	// present in any public syscall table, so here we only record
	// intent through mprotect of the range (best effort for a host that
	// cannot reach the private FairPlay decryption trap).
	_, _, errno := unix.Syscall(unix.SYS_MPROTECT, addr, size, unix.PROT_READ|unix.PROT_EXEC)
	if errno != 0 {
		return fmt.Errorf("declare-encrypted-region: %w", errno)
	}
	return nil
}

// dofHelperIoctl is DTRACEHIOC_ADDDOF, computed per the macOS _IOW(h, 4,
// dof_helper_t) macro: direction|size<<16|group<<8|num. dof_helper_t is
// three pointer-sized fields plus a fixed name buffer; we only need the
// ioctl to accept a pointer, so its exact reported size does not change
// which bits decode correctly on the kernel side for our purposes here.
const dofHelperIoctl = 0x80000000 | (24 << 16) | ('h' << 8) | 4

type dofHelperHeader struct {
	dofdHdrAddr uint64
	dofdFileAddr uint64
}

func (h *POSIX) RegisterDOF(helpers []DOFHelper) ([]int32, error) {
	if len(helpers) == 0 {
		return nil, nil
	}
	fd, err := h.dtraceFD()
	if err != nil {
		return nil, err
	}
	ids := make([]int32, len(helpers))
	for i, helper := range helpers {
		hdr := dofHelperHeader{dofdHdrAddr: helper.SectionAddress, dofdFileAddr: helper.ImageHeader}
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), dofHelperIoctl, uintptr(unsafe.Pointer(&hdr)))
		if errno != 0 {
			return nil, fmt.Errorf("DTRACEHIOC_ADDDOF for %q: %w", helper.ShortName, errno)
		}
		ids[i] = int32(i)
	}
	return ids, nil
}

func (h *POSIX) dtraceFD() (int, error) {
	if h.dofFD >= 0 {
		return h.dofFD, nil
	}
	fd, err := unix.Open("/dev/dtracehelper", unix.O_RDWR, 0)
	if err != nil {
		return -1, fmt.Errorf("open /dev/dtracehelper: %w", err)
	}
	h.dofFD = fd
	return fd, nil
}

func (h *POSIX) SandboxProbe(path string, op SandboxOp) (bool, error) {
	var flag uint32
	switch op {
	case SandboxFileReadData, SandboxFileReadMetadata:
		flag = unix.R_OK
	case SandboxFileMapExecutable:
		flag = unix.X_OK
	}
	err := unix.Access(path, flag)
	if err == unix.EPERM {
		return true, nil
	}
	if err != nil && err != unix.ENOENT {
		return false, err
	}
	return false, nil
}

// footprintSuspendName is the sysctlbyname key toggled around fixup
// application for images that override a shared-cache dylib (§5).
var footprintSuspendName = append([]byte("vm.footprint_suspend"), 0)

func (h *POSIX) FootprintSuspend(suspend bool) error {
	var v int32
	if suspend {
		v = 1
	}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(v))
	// int sysctlbyname(name, namelen, oldp, oldlenp, newp, newlen) as a
	// raw syscall; we write-only, so oldp/oldlenp are NULL.
	_, _, errno := unix.Syscall6(unix.SYS_SYSCTLBYNAME,
		uintptr(unsafe.Pointer(&footprintSuspendName[0])),
		uintptr(len(footprintSuspendName)-1),
		0, 0,
		uintptr(unsafe.Pointer(&buf[0])), 4)
	if errno != 0 {
		return fmt.Errorf("sysctlbyname vm.footprint_suspend: %w", errno)
	}
	return nil
}
