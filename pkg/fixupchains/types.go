package fixupchains

import (
	"bytes"
	"encoding/binary"

	"github.com/lgcooci/dyldclosure/types"
)

// DCPtrKind re-exports the on-disk pointer_format enumeration so callers of
// this package never need to import the types package directly for it.
type DCPtrKind = types.DCPtrKind

const (
	DYLD_CHAINED_PTR_ARM64E              = types.DYLD_CHAINED_PTR_ARM64E
	DYLD_CHAINED_PTR_64                  = types.DYLD_CHAINED_PTR_64
	DYLD_CHAINED_PTR_32                  = types.DYLD_CHAINED_PTR_32
	DYLD_CHAINED_PTR_32_CACHE            = types.DYLD_CHAINED_PTR_32_CACHE
	DYLD_CHAINED_PTR_32_FIRMWARE         = types.DYLD_CHAINED_PTR_32_FIRMWARE
	DYLD_CHAINED_PTR_64_OFFSET           = types.DYLD_CHAINED_PTR_64_OFFSET
	DYLD_CHAINED_PTR_ARM64E_KERNEL       = types.DYLD_CHAINED_PTR_ARM64E_KERNEL
	DYLD_CHAINED_PTR_64_KERNEL_CACHE     = types.DYLD_CHAINED_PTR_64_KERNEL_CACHE
	DYLD_CHAINED_PTR_ARM64E_USERLAND     = types.DYLD_CHAINED_PTR_ARM64E_USERLAND
	DYLD_CHAINED_PTR_ARM64E_FIRMWARE     = types.DYLD_CHAINED_PTR_ARM64E_FIRMWARE
	DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE = types.DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE
	DYLD_CHAINED_PTR_ARM64E_USERLAND24   = types.DYLD_CHAINED_PTR_ARM64E_USERLAND24
)

// DCPtrStart re-exports the page_start[] entry type.
type DCPtrStart = types.DCPtrStart

const (
	DYLD_CHAINED_PTR_START_NONE  = types.DYLD_CHAINED_PTR_START_NONE
	DYLD_CHAINED_PTR_START_MULTI = types.DYLD_CHAINED_PTR_START_MULTI
	DYLD_CHAINED_PTR_START_LAST  = types.DYLD_CHAINED_PTR_START_LAST
)

const (
	DC_IMPORT          = types.DC_IMPORT
	DC_IMPORT_ADDEND   = types.DC_IMPORT_ADDEND
	DC_IMPORT_ADDEND64 = types.DC_IMPORT_ADDEND64
)

func Generic32IsBind(ptr uint32) bool  { return types.Generic32IsBind(ptr) }
func Generic32Next(ptr uint32) uint64  { return types.Generic32Next(ptr) }
func Generic64IsBind(ptr uint64) bool  { return types.Generic64IsBind(ptr) }
func Generic64Next(ptr uint64) uint64  { return types.Generic64Next(ptr) }
func DcpArm64eIsBind(ptr uint64) bool  { return types.DcpArm64eIsBind(ptr) }
func DcpArm64eIsAuth(ptr uint64) bool  { return types.DcpArm64eIsAuth(ptr) }
func DcpArm64eIsRebase(ptr uint64) bool {
	return !types.DcpArm64eIsBind(ptr)
}
func DcpArm64eNext(ptr uint64) uint64 { return types.DcpArm64eNext(ptr) }

// stride reports the chain step, in pointer-sized units, used by
// walkDcFixupChain for the given pointer format.
func stride(format DCPtrKind) uint64 {
	switch format {
	case DYLD_CHAINED_PTR_ARM64E, DYLD_CHAINED_PTR_ARM64E_USERLAND, DYLD_CHAINED_PTR_ARM64E_USERLAND24:
		return 8
	case DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE:
		return 1
	default:
		return 4
	}
}

// pointerSize reports the on-disk width, in bytes, of the given pointer format.
func pointerSize(format DCPtrKind) int {
	switch format {
	case DYLD_CHAINED_PTR_32, DYLD_CHAINED_PTR_32_CACHE, DYLD_CHAINED_PTR_32_FIRMWARE:
		return 4
	default:
		return 8
	}
}

// Fixup is satisfied by every decoded rebase or bind location. Offset is the
// file offset where the fixup pointer itself lives (distinct from the
// rebase/bind target).
type Fixup interface {
	Offset() uint64
}

// Rebase is a Fixup that resolves to a target address/offset.
type Rebase interface {
	Fixup
	Target() uint64
}

// Bind is a Fixup resolved through the imports table at load time.
type Bind interface {
	Fixup
	Ordinal() uint64
}

// Auth is implemented by arm64e pointers carrying pointer-authentication
// metadata (rebases and binds alike).
type Auth interface {
	Diversity() uint64
	AddrDiv() uint64
	Key() uint64
}

// DyldChainedStarts is the per-segment chain-start table plus the decoded
// fixups discovered while walking it.
type DyldChainedStarts struct {
	types.DyldChainedStartsInSegment
	PageStarts []DCPtrStart
	Fixups     []Fixup
}

type segmentRange struct {
	start, end uint64
	index      int
}

// DyldChainedFixups parses and walks an LC_DYLD_CHAINED_FIXUPS payload.
type DyldChainedFixups struct {
	types.DyldChainedFixupsHeader
	Starts       []DyldChainedStarts
	Imports      []DcfImport
	PointerFormat DCPtrKind

	r  *bytes.Reader
	sr types.MachoReader
	bo binary.ByteOrder

	metadataParsed bool
	importsParsed  bool
	chainsParsed   bool

	segmentIndex []segmentRange
	fixups       map[uint64]Fixup
}

// DcfImport is one resolved entry of the chained-fixups imports table.
type DcfImport struct {
	Name   string
	Import Import
}

// Import is satisfied by the three on-disk import record encodings
// (DYLD_CHAINED_IMPORT, _ADDEND, _ADDEND64).
type Import interface {
	LibOrdinal() uint64
	WeakImport() bool
	NameOffset() uint64
}

// DyldChainedImport is the DYLD_CHAINED_IMPORT (32-bit) record.
type DyldChainedImport uint32

func (d DyldChainedImport) LibOrdinal() uint64 { return uint64(types.DyldChainedImport(d).LibOrdinal()) }
func (d DyldChainedImport) WeakImport() bool    { return types.DyldChainedImport(d).WeakImport() }
func (d DyldChainedImport) NameOffset() uint64  { return uint64(types.DyldChainedImport(d).NameOffset()) }
func (d DyldChainedImport) String() string      { return types.DyldChainedImport(d).String() }

// DyldChainedImportAddend is the DYLD_CHAINED_IMPORT_ADDEND record.
type DyldChainedImportAddend struct {
	Import DyldChainedImport
	Addend int32
}

func (d DyldChainedImportAddend) LibOrdinal() uint64 { return d.Import.LibOrdinal() }
func (d DyldChainedImportAddend) WeakImport() bool    { return d.Import.WeakImport() }
func (d DyldChainedImportAddend) NameOffset() uint64  { return d.Import.NameOffset() }

// DyldChainedImport64 is the 64-bit lib-ordinal import record used by
// DYLD_CHAINED_IMPORT_ADDEND64.
type DyldChainedImport64 uint64

func (d DyldChainedImport64) LibOrdinal() uint64 { return types.DyldChainedImport64(d).LibOrdinal() }
func (d DyldChainedImport64) WeakImport() bool    { return types.DyldChainedImport64(d).WeakImport() }
func (d DyldChainedImport64) NameOffset() uint64  { return types.DyldChainedImport64(d).NameOffset() }

// DyldChainedImportAddend64 is the DYLD_CHAINED_IMPORT_ADDEND64 record.
type DyldChainedImportAddend64 struct {
	Import DyldChainedImport64
	Addend uint64
}

func (d DyldChainedImportAddend64) LibOrdinal() uint64 { return d.Import.LibOrdinal() }
func (d DyldChainedImportAddend64) WeakImport() bool    { return d.Import.WeakImport() }
func (d DyldChainedImportAddend64) NameOffset() uint64  { return d.Import.NameOffset() }

// --- Rebase/bind pointer wrappers ---
//
// Each wraps the raw on-disk pointer bits (delegating bit-extraction to the
// equivalent scalar type in the types package) together with the file
// offset the pointer was read from, so a decoded value can serve directly
// as a Fixup/Rebase/Bind/Auth without a second lookup pass.

type DyldChainedPtr32Rebase struct {
	Pointer uint32
	Fixup   uint64
}

func (d DyldChainedPtr32Rebase) Target() uint64 { return uint64(types.DyldChainedPtr32Rebase(d.Pointer).Offset()) }
func (d DyldChainedPtr32Rebase) Offset() uint64  { return d.Fixup }
func (d DyldChainedPtr32Rebase) String() string  { return types.DyldChainedPtr32Rebase(d.Pointer).String() }

type DyldChainedPtr32Bind struct {
	Pointer uint32
	Fixup   uint64
	Import  string
}

func (d DyldChainedPtr32Bind) Ordinal() uint64 { return uint64(types.DyldChainedPtr32Bind(d.Pointer).Ordinal()) }
func (d DyldChainedPtr32Bind) Addend() uint32   { return types.DyldChainedPtr32Bind(d.Pointer).Addend() }
func (d DyldChainedPtr32Bind) Offset() uint64   { return d.Fixup }
func (d DyldChainedPtr32Bind) String() string   { return types.DyldChainedPtr32Bind(d.Pointer).String() }

type DyldChainedPtr32CacheRebase struct {
	Pointer uint32
	Fixup   uint64
}

func (d DyldChainedPtr32CacheRebase) Target() uint64 {
	return uint64(types.DyldChainedPtr32CacheRebase(d.Pointer).Offset())
}
func (d DyldChainedPtr32CacheRebase) Offset() uint64 { return d.Fixup }
func (d DyldChainedPtr32CacheRebase) String() string {
	return types.DyldChainedPtr32CacheRebase(d.Pointer).String()
}

type DyldChainedPtr32FirmwareRebase struct {
	Pointer uint32
	Fixup   uint64
}

func (d DyldChainedPtr32FirmwareRebase) Target() uint64 {
	return uint64(types.DyldChainedPtr32FirmwareRebase(d.Pointer).Offset())
}
func (d DyldChainedPtr32FirmwareRebase) Offset() uint64 { return d.Fixup }
func (d DyldChainedPtr32FirmwareRebase) String() string {
	return types.DyldChainedPtr32FirmwareRebase(d.Pointer).String()
}

type DyldChainedPtr64Rebase struct {
	Pointer uint64
	Fixup   uint64
}

func (d DyldChainedPtr64Rebase) UnpackedTarget() uint64 {
	return uint64(types.DyldChainedPtr64Rebase(d.Pointer).Offset())
}
func (d DyldChainedPtr64Rebase) Target() uint64 { return d.UnpackedTarget() }
func (d DyldChainedPtr64Rebase) Offset() uint64 { return d.Fixup }
func (d DyldChainedPtr64Rebase) String() string { return types.DyldChainedPtr64Rebase(d.Pointer).String() }

type DyldChainedPtr64RebaseOffset struct {
	Pointer uint64
	Fixup   uint64
}

func (d DyldChainedPtr64RebaseOffset) UnpackedTarget() uint64 {
	return uint64(types.DyldChainedPtr64RebaseOffset(d.Pointer).Offset())
}
func (d DyldChainedPtr64RebaseOffset) Target() uint64 { return d.UnpackedTarget() }
func (d DyldChainedPtr64RebaseOffset) Offset() uint64  { return d.Fixup }
func (d DyldChainedPtr64RebaseOffset) String() string {
	return types.DyldChainedPtr64RebaseOffset(d.Pointer).String()
}

type DyldChainedPtr64Bind struct {
	Pointer uint64
	Fixup   uint64
	Import  string
}

func (d DyldChainedPtr64Bind) Ordinal() uint64 { return uint64(types.DyldChainedPtr64Bind(d.Pointer).Ordinal()) }
func (d DyldChainedPtr64Bind) Addend() uint64   { return types.DyldChainedPtr64Bind(d.Pointer).Addend() }
func (d DyldChainedPtr64Bind) Offset() uint64   { return d.Fixup }
func (d DyldChainedPtr64Bind) String() string   { return types.DyldChainedPtr64Bind(d.Pointer).String() }

type DyldChainedPtr64KernelCacheRebase struct {
	Pointer uint64
	Fixup   uint64
}

func (d DyldChainedPtr64KernelCacheRebase) Target() uint64 {
	return uint64(types.DyldChainedPtr64KernelCacheRebase(d.Pointer).Offset())
}
func (d DyldChainedPtr64KernelCacheRebase) Offset() uint64 { return d.Fixup }
func (d DyldChainedPtr64KernelCacheRebase) String() string {
	return types.DyldChainedPtr64KernelCacheRebase(d.Pointer).String()
}

type DyldChainedPtrArm64eRebase struct {
	Pointer uint64
	Fixup   uint64
}

func (d DyldChainedPtrArm64eRebase) UnpackTarget() uint64 {
	return types.DyldChainedPtrArm64eRebase(d.Pointer).Target()
}
func (d DyldChainedPtrArm64eRebase) Target() uint64 { return d.UnpackTarget() }
func (d DyldChainedPtrArm64eRebase) Offset() uint64 { return d.Fixup }
func (d DyldChainedPtrArm64eRebase) String() string {
	return types.DyldChainedPtrArm64eRebase(d.Pointer).String()
}

type DyldChainedPtrArm64eBind struct {
	Pointer uint64
	Fixup   uint64
	Import  string
}

func (d DyldChainedPtrArm64eBind) Ordinal() uint64 { return uint64(types.DyldChainedPtrArm64eBind(d.Pointer).Ordinal()) }
func (d DyldChainedPtrArm64eBind) SignExtendedAddend() int64 {
	return int64(types.DyldChainedPtrArm64eBind(d.Pointer).SignExtendedAddend())
}
func (d DyldChainedPtrArm64eBind) Offset() uint64 { return d.Fixup }
func (d DyldChainedPtrArm64eBind) String() string { return types.DyldChainedPtrArm64eBind(d.Pointer).String() }

type DyldChainedPtrArm64eAuthRebase struct {
	Pointer uint64
	Fixup   uint64
}

func (d DyldChainedPtrArm64eAuthRebase) Target() uint64 {
	return uint64(types.DyldChainedPtrArm64eAuthRebase(d.Pointer).Offset())
}
func (d DyldChainedPtrArm64eAuthRebase) Offset() uint64    { return d.Fixup }
func (d DyldChainedPtrArm64eAuthRebase) Diversity() uint64 { return types.DyldChainedPtrArm64eAuthRebase(d.Pointer).Diversity() }
func (d DyldChainedPtrArm64eAuthRebase) AddrDiv() uint64   { return types.DyldChainedPtrArm64eAuthRebase(d.Pointer).AddrDiv() }
func (d DyldChainedPtrArm64eAuthRebase) Key() uint64       { return types.DyldChainedPtrArm64eAuthRebase(d.Pointer).Key() }
func (d DyldChainedPtrArm64eAuthRebase) String() string {
	return types.DyldChainedPtrArm64eAuthRebase(d.Pointer).String()
}

type DyldChainedPtrArm64eAuthBind struct {
	Pointer uint64
	Fixup   uint64
	Import  string
}

func (d DyldChainedPtrArm64eAuthBind) Ordinal() uint64 {
	return uint64(types.DyldChainedPtrArm64eAuthBind(d.Pointer).Ordinal())
}
func (d DyldChainedPtrArm64eAuthBind) Offset() uint64    { return d.Fixup }
func (d DyldChainedPtrArm64eAuthBind) Diversity() uint64 { return types.DyldChainedPtrArm64eAuthBind(d.Pointer).Diversity() }
func (d DyldChainedPtrArm64eAuthBind) AddrDiv() uint64   { return types.DyldChainedPtrArm64eAuthBind(d.Pointer).AddrDiv() }
func (d DyldChainedPtrArm64eAuthBind) Key() uint64       { return types.DyldChainedPtrArm64eAuthBind(d.Pointer).Key() }
func (d DyldChainedPtrArm64eAuthBind) String() string {
	return types.DyldChainedPtrArm64eAuthBind(d.Pointer).String()
}

type DyldChainedPtrArm64eBind24 struct {
	Pointer uint64
	Fixup   uint64
	Import  string
}

func (d DyldChainedPtrArm64eBind24) Ordinal() uint64 {
	return uint64(types.DyldChainedPtrArm64eBind24(d.Pointer).Ordinal())
}
func (d DyldChainedPtrArm64eBind24) SignExtendedAddend() int64 {
	return int64(types.DyldChainedPtrArm64eBind24(d.Pointer).SignExtendedAddend())
}
func (d DyldChainedPtrArm64eBind24) Offset() uint64 { return d.Fixup }
func (d DyldChainedPtrArm64eBind24) String() string {
	return types.DyldChainedPtrArm64eBind24(d.Pointer).String()
}

type DyldChainedPtrArm64eAuthBind24 struct {
	Pointer uint64
	Fixup   uint64
	Import  string
}

func (d DyldChainedPtrArm64eAuthBind24) Ordinal() uint64 {
	return uint64(types.DyldChainedPtrArm64eAuthBind24(d.Pointer).Ordinal())
}
func (d DyldChainedPtrArm64eAuthBind24) Offset() uint64 { return d.Fixup }
func (d DyldChainedPtrArm64eAuthBind24) Diversity() uint64 {
	return types.DyldChainedPtrArm64eAuthBind24(d.Pointer).Diversity()
}
func (d DyldChainedPtrArm64eAuthBind24) AddrDiv() uint64 {
	return types.DyldChainedPtrArm64eAuthBind24(d.Pointer).AddrDiv()
}
func (d DyldChainedPtrArm64eAuthBind24) Key() uint64 { return types.DyldChainedPtrArm64eAuthBind24(d.Pointer).Key() }
func (d DyldChainedPtrArm64eAuthBind24) String() string {
	return types.DyldChainedPtrArm64eAuthBind24(d.Pointer).String()
}
