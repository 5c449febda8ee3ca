package host

import "sync"

// Fake is an in-memory Host used by package tests: it never touches the
// kernel, just records calls and lets a test script out the responses it
// wants (mirroring how the loader expects a Host to behave on both
// success and failure paths).
type Fake struct {
	mu sync.Mutex

	NextAddr uintptr // address handed back by the next VMAllocate/Map
	Mapped   []FakeMapping
	Freed    []FakeMapping

	SignatureCoverage  int64
	LibraryValidation  error
	EncryptedRegions    []FakeEncryptedRegion
	DOFHelpers          []DOFHelper
	SandboxBlockedPaths map[string]SandboxOp
	FootprintDepth      int

	// Fail* let a test force a specific operation to fail.
	FailMap         error
	FailAddSigs     error
	FailCheckLV     error
	FailVMAllocate  error
}

type FakeMapping struct {
	FD     uintptr
	Offset int64
	Length uintptr
	Prot   MapProt
	Addr   uintptr
}

type FakeEncryptedRegion struct {
	Addr, Size         uintptr
	CPUType, CPUSubtype int32
}

func NewFake() *Fake {
	return &Fake{
		NextAddr:            0x100000,
		SandboxBlockedPaths: make(map[string]SandboxOp),
	}
}

func (f *Fake) Map(fd uintptr, fileOffset int64, length uintptr, prot MapProt, addr uintptr) (uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailMap != nil {
		return 0, f.FailMap
	}
	if addr == 0 {
		addr = f.NextAddr
		f.NextAddr += length
	}
	f.Mapped = append(f.Mapped, FakeMapping{FD: fd, Offset: fileOffset, Length: length, Prot: prot, Addr: addr})
	return addr, nil
}

func (f *Fake) Unmap(addr uintptr, length uintptr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Freed = append(f.Freed, FakeMapping{Addr: addr, Length: length})
	return nil
}

func (f *Fake) VMAllocate(length uintptr) (uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailVMAllocate != nil {
		return 0, f.FailVMAllocate
	}
	addr := f.NextAddr
	f.NextAddr += length
	return addr, nil
}

func (f *Fake) VMDeallocate(addr, length uintptr) error { return f.Unmap(addr, length) }

func (f *Fake) VMProtect(addr, length uintptr, prot MapProt) error { return nil }

func (f *Fake) AddFileSignatures(fd uintptr, sliceOffset, cdBlobOffset, cdBlobSize int64) (int64, error) {
	if f.FailAddSigs != nil {
		return 0, f.FailAddSigs
	}
	if f.SignatureCoverage != 0 {
		return f.SignatureCoverage, nil
	}
	return sliceOffset + cdBlobOffset + cdBlobSize, nil
}

func (f *Fake) CheckLibraryValidation(fd uintptr, sliceOffset int64) error {
	return f.FailCheckLV
}

func (f *Fake) DeclareEncryptedRegion(addr uintptr, size uintptr, cpuType, cpuSubtype int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.EncryptedRegions = append(f.EncryptedRegions, FakeEncryptedRegion{addr, size, cpuType, cpuSubtype})
	return nil
}

func (f *Fake) RegisterDOF(helpers []DOFHelper) ([]int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int32, len(helpers))
	for i, h := range helpers {
		f.DOFHelpers = append(f.DOFHelpers, h)
		ids[i] = int32(len(f.DOFHelpers) - 1)
	}
	return ids, nil
}

func (f *Fake) SandboxProbe(path string, op SandboxOp) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	blockedOp, ok := f.SandboxBlockedPaths[path]
	return ok && blockedOp == op, nil
}

func (f *Fake) FootprintSuspend(suspend bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if suspend {
		f.FootprintDepth++
	} else {
		f.FootprintDepth--
	}
	return nil
}

var _ Host = (*Fake)(nil)
