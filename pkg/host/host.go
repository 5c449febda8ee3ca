// Package host defines the collaborator contract the runtime loader
// assumes (§6 "Host interface") and provides a POSIX implementation plus
// an in-memory fake for tests.
package host

import "fmt"

// SandboxOp is one of the operation kinds the sandbox probe predicate
// understands.
type SandboxOp int

const (
	SandboxFileReadData SandboxOp = iota
	SandboxFileReadMetadata
	SandboxFileMapExecutable
)

func (op SandboxOp) String() string {
	switch op {
	case SandboxFileReadData:
		return "file-read-data"
	case SandboxFileReadMetadata:
		return "file-read-metadata"
	case SandboxFileMapExecutable:
		return "file-map-executable"
	default:
		return fmt.Sprintf("SandboxOp(%d)", int(op))
	}
}

// DOFHelper is one entry of the variable-length DOF registration struct
// (§6 "DOF registration").
type DOFHelper struct {
	SectionAddress uint64
	ImageHeader    uint64
	ShortName      string
}

// MapProt mirrors the VM_PROT_* bits used by Map and VMProtect.
type MapProt int

const (
	ProtNone MapProt = 0
	ProtRead MapProt = 1 << (iota - 1)
	ProtWrite
	ProtExecute
)

// SandboxBlockedError is SandboxBlocked{path, op} of §7.
type SandboxBlockedError struct {
	Path string
	Op   SandboxOp
}

func (e *SandboxBlockedError) Error() string {
	return fmt.Sprintf("sandbox blocked %s on %s", e.Op, e.Path)
}

// MmapFailedError is MmapFailed{errno} of §7.
type MmapFailedError struct {
	Errno error
}

func (e *MmapFailedError) Error() string { return fmt.Sprintf("mmap failed: %v", e.Errno) }

func (e *MmapFailedError) Unwrap() error { return e.Errno }

// CodeSignatureInvalidError is CodeSignatureInvalid{path, errno|reason}.
type CodeSignatureInvalidError struct {
	Path   string
	Reason string
}

func (e *CodeSignatureInvalidError) Error() string {
	return fmt.Sprintf("code signature invalid for %s: %s", e.Path, e.Reason)
}

// Host is the collaborator contract the runtime loader assumes (§6). Every
// operation corresponds to exactly one row of the host-interface table;
// the loader never calls a raw syscall directly.
type Host interface {
	// Map establishes a MAP_FIXED|MAP_PRIVATE mapping of length bytes
	// from fd at fileOffset into addr, with the given protection. addr
	// of 0 lets the host choose the address (used for the initial
	// vm_allocate-style reservation).
	Map(fd uintptr, fileOffset int64, length uintptr, prot MapProt, addr uintptr) (uintptr, error)
	Unmap(addr uintptr, length uintptr) error

	// VMAllocate reserves a contiguous, unmapped region of length bytes
	// for later fixed mappings (§4.F step 2).
	VMAllocate(length uintptr) (uintptr, error)
	VMDeallocate(addr, length uintptr) error
	VMProtect(addr, length uintptr, prot MapProt) error

	// AddFileSignatures registers the code signature covering the file
	// behind fd and returns the file offset through which the signature
	// covers data (§4.F step 4).
	AddFileSignatures(fd uintptr, sliceOffset, cdBlobOffset, cdBlobSize int64) (coveredThrough int64, err error)
	CheckLibraryValidation(fd uintptr, sliceOffset int64) error

	DeclareEncryptedRegion(addr uintptr, size uintptr, cpuType, cpuSubtype int32) error

	RegisterDOF(helpers []DOFHelper) ([]int32, error)

	SandboxProbe(path string, op SandboxOp) (blocked bool, err error)

	// FootprintSuspend toggles the process-wide vm.footprint_suspend
	// sysctl (§5, "shared resources"). The flag is nested but not
	// reference-counted; callers must pair every true with a false.
	FootprintSuspend(suspend bool) error
}
