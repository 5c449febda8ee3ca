package macho

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/lgcooci/dyldclosure/pkg/fixupchains"
	"github.com/lgcooci/dyldclosure/pkg/trie"
	"github.com/lgcooci/dyldclosure/types"
)

// ControlFlow is returned by visitor callbacks to decide whether iteration
// should continue. Every decoder in this file is a finite sequence; callers
// that only need a snapshot should prefer the slice-returning variants below
// and range over the result instead of supplying a callback.
type ControlFlow int

const (
	Continue ControlFlow = iota
	Break
)

// ParseSlice validates the Mach-O magic, cpu type, file type, and platform
// of a single architecture slice and returns the parsed File.
func ParseSlice(data []byte, wantCPU types.CPU, wantPlatform string) (*File, error) {
	f, err := NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse macho slice: %w", err)
	}
	if f.Magic != types.Magic32 && f.Magic != types.Magic64 {
		return nil, &FormatError{0, "not a thin Mach-O (bad magic)", f.Magic}
	}
	switch f.Type {
	case types.MH_EXECUTE, types.MH_DYLIB, types.MH_BUNDLE:
	default:
		return nil, fmt.Errorf("wrong file type %s: expected executable, dylib, or bundle", f.Type)
	}
	if wantCPU != 0 && f.CPU != wantCPU {
		return nil, fmt.Errorf("wrong arch %s: expected %s", f.CPU, wantCPU)
	}
	if wantPlatform != "" {
		p := f.platformString()
		if p != "" && p != wantPlatform {
			return nil, fmt.Errorf("wrong platform %s: expected %s", p, wantPlatform)
		}
	}
	return f, nil
}

// platformString reports the platform named by LC_BUILD_VERSION, falling
// back to the legacy LC_VERSION_MIN_* commands.
func (f *File) platformString() string {
	if bv := f.BuildVersion(); bv != nil {
		return bv.Platform
	}
	for _, l := range f.Loads {
		switch l.(type) {
		case *VersionMinMacOSX:
			return "macOS"
		case *VersionMiniPhoneOS:
			return "iOS"
		case *VersionMinTvOS:
			return "tvOS"
		case *VersionMinWatchOS:
			return "watchOS"
		}
	}
	return ""
}

// threadEntryPoint decodes an LC_UNIXTHREAD command's register blob using
// the layout matching f's CPU type and returns the program counter it
// encodes. r must be positioned immediately after the command's
// UnixThreadCmd header (flavor/count already consumed).
func threadEntryPoint(cpu types.CPU, r *bytes.Reader, bo binary.ByteOrder) (uint64, error) {
	switch cpu {
	case types.CPUAmd64:
		var regs RegsAMD64
		if err := binary.Read(r, bo, &regs); err != nil {
			return 0, err
		}
		return regs.IP, nil
	case types.CPU386:
		var regs Regs386
		if err := binary.Read(r, bo, &regs); err != nil {
			return 0, err
		}
		return uint64(regs.IP), nil
	case types.CPUArm64:
		var regs RegsARM64
		if err := binary.Read(r, bo, &regs); err != nil {
			return 0, err
		}
		return regs.PC, nil
	case types.CPUArm:
		var regs RegsARM
		if err := binary.Read(r, bo, &regs); err != nil {
			return 0, err
		}
		return uint64(regs.PC), nil
	default:
		return 0, fmt.Errorf("unsupported cpu %s for LC_UNIXTHREAD", cpu)
	}
}

// ForEachLoadCommand walks every load command in file order, reporting a
// malformed error if the recorded command-size total would run past the
// __TEXT segment's on-disk size or any command's size isn't a 4-byte multiple.
func ForEachLoadCommand(f *File, fn func(idx int, l Load) ControlFlow) error {
	text := f.Segment("__TEXT")
	if text != nil && uint64(f.SizeCommands) > text.Filesz {
		return &FormatError{0, "sizeofcmds exceeds __TEXT fileSize", f.SizeCommands}
	}
	for i, l := range f.Loads {
		if l != nil && len(l.Raw())%4 != 0 {
			return &FormatError{int64(i), "load command size is not a multiple of 4", len(l.Raw())}
		}
		if fn(i, l) == Break {
			break
		}
	}
	return nil
}

// ForEachSegment yields every LC_SEGMENT/LC_SEGMENT_64 in file order.
func ForEachSegment(f *File, fn func(seg *Segment) ControlFlow) {
	for _, seg := range f.Segments() {
		if fn(seg) == Break {
			break
		}
	}
}

// DependentKind classifies a dylib dependency edge.
type DependentKind int

const (
	DependentRegular DependentKind = iota
	DependentWeak
	DependentReexport
	DependentUpward
	DependentLazy
)

func (k DependentKind) String() string {
	switch k {
	case DependentWeak:
		return "weak"
	case DependentReexport:
		return "reexport"
	case DependentUpward:
		return "upward"
	case DependentLazy:
		return "lazy"
	default:
		return "regular"
	}
}

// Dependent is one LC_LOAD_DYLIB-family load command.
type Dependent struct {
	Ordinal        int // 1-based, matches bind ordinal numbering
	Path           string
	Kind           DependentKind
	CompatVersion  types.Version
	CurrentVersion types.Version
}

// ForEachDependent yields every dylib dependency edge of f, numbered in the
// 1-based ordinal space used by bind opcodes and chained-fixup imports.
func ForEachDependent(f *File) []Dependent {
	var deps []Dependent
	ord := 1
	for _, l := range f.Loads {
		var d Dylib
		var kind DependentKind
		switch v := l.(type) {
		case *Dylib:
			d, kind = *v, DependentRegular
		case *WeakDylib:
			d, kind = Dylib(*v), DependentWeak
		case *ReExportDylib:
			d, kind = Dylib(*v), DependentReexport
		case *UpwardDylib:
			d, kind = Dylib(*v), DependentUpward
		case *LazyLoadDylib:
			d, kind = Dylib(*v), DependentLazy
		default:
			continue
		}
		deps = append(deps, Dependent{
			Ordinal:        ord,
			Path:           d.Name,
			Kind:           kind,
			CompatVersion:  d.DylibCmd.CompatVersion,
			CurrentVersion: d.DylibCmd.CurrentVersion,
		})
		ord++
	}
	return deps
}

// Rpaths returns every LC_RPATH string in file order.
func (f *File) Rpaths() []string {
	var out []string
	for _, l := range f.Loads {
		if r, ok := l.(*Rpath); ok {
			out = append(out, r.Path)
		}
	}
	return out
}

// --- Classic (non-chained) rebase/bind opcode decoding ---
//
// Neither opcode stream has an ecosystem library behind it; this mirrors
// dyld's MachOAnalyzer.cpp opcode switch, translated into Go's preferred
// iterator shape (Design Notes: "coroutine-shaped callbacks").

type rebaseOpcode uint8

const (
	rebaseOpMask                            rebaseOpcode = 0xF0
	rebaseImmMask                           rebaseOpcode = 0x0F
	rebaseOpDone                            rebaseOpcode = 0x00
	rebaseOpSetTypeImm                      rebaseOpcode = 0x10
	rebaseOpSetSegmentAndOffsetULEB         rebaseOpcode = 0x20
	rebaseOpAddAddrULEB                     rebaseOpcode = 0x30
	rebaseOpAddAddrImmScaled                rebaseOpcode = 0x40
	rebaseOpDoRebaseImmTimes                rebaseOpcode = 0x50
	rebaseOpDoRebaseULEBTimes               rebaseOpcode = 0x60
	rebaseOpDoRebaseAddAddrULEB             rebaseOpcode = 0x70
	rebaseOpDoRebaseULEBTimesSkippingULEB   rebaseOpcode = 0x80
)

type bindOpcode uint8

const (
	bindOpMask                          bindOpcode = 0xF0
	bindImmMask                         bindOpcode = 0x0F
	bindOpDone                          bindOpcode = 0x00
	bindOpSetDylibOrdinalImm            bindOpcode = 0x10
	bindOpSetDylibOrdinalULEB           bindOpcode = 0x20
	bindOpSetDylibSpecialImm            bindOpcode = 0x30
	bindOpSetSymbolTrailingFlagsImm     bindOpcode = 0x40
	bindOpSetTypeImm                    bindOpcode = 0x50
	bindOpSetAddendSLEB                 bindOpcode = 0x60
	bindOpSetSegmentAndOffsetULEB       bindOpcode = 0x70
	bindOpAddAddrULEB                   bindOpcode = 0x80
	bindOpDoBind                        bindOpcode = 0x90
	bindOpDoBindAddAddrULEB             bindOpcode = 0xA0
	bindOpDoBindAddAddrImmScaled        bindOpcode = 0xB0
	bindOpDoBindULEBTimesSkippingULEB   bindOpcode = 0xC0
)

// BindSpecialDylib mirrors the reserved negative dylib ordinals of the bind
// opcode stream (spec §4.C ordinal semantics).
type BindSpecialDylib int8

const (
	BindSpecialDylibSelf             BindSpecialDylib = 0
	BindSpecialDylibMainExecutable   BindSpecialDylib = -1
	BindSpecialDylibFlatLookup       BindSpecialDylib = -2
	BindSpecialDylibWeakDefCoalesce  BindSpecialDylib = -3
)

// RebaseEntry is one decoded (segment, offset) pointer-sized rebase location.
type RebaseEntry struct {
	SegIndex int
	SegOffset uint64
	Type      uint8
}

// BindEntry is one decoded (segment, offset, symbol) bind location.
type BindEntry struct {
	SegIndex  int
	SegOffset uint64
	Type      uint8
	Ordinal   int64 // dylib ordinal, or a BindSpecialDylib value when < 0
	Symbol    string
	WeakImport bool
	Addend    int64
}

func uleb128(r *bytes.Reader) (uint64, error) { return trie.ReadUleb128(r) }

func sleb128(r *bytes.Reader) (int64, error) {
	var result int64
	var shift uint
	var b byte
	var err error
	for {
		b, err = r.ReadByte()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && (b&0x40) != 0 {
		result |= -1 << shift
	}
	return result, nil
}

// ForEachRebase decodes the classic LC_DYLD_INFO(_ONLY) rebase opcode
// stream into (segment, offset) tuples.
func ForEachRebase(f *File, fn func(RebaseEntry) ControlFlow) error {
	off, size := f.rebaseInfo()
	if size == 0 {
		return nil
	}
	data := make([]byte, size)
	if _, err := f.cr.ReadAt(data, int64(off)); err != nil {
		return fmt.Errorf("failed to read rebase opcodes: %v", err)
	}
	r := bytes.NewReader(data)

	var segIndex int
	var segOffset uint64
	var typ uint8
	segs := f.Segments()

	stopped := false
	emit := func(count int) *FormatError {
		for i := 0; i < count && !stopped; i++ {
			if segIndex >= len(segs) {
				return &FormatError{0, "rebase segment index out of range", segIndex}
			}
			if segOffset >= segs[segIndex].Memsz {
				return &FormatError{0, "rebase advanced past segment vm size", segOffset}
			}
			entry := RebaseEntry{SegIndex: segIndex, SegOffset: segOffset, Type: typ}
			if fn(entry) == Break {
				stopped = true
				return nil
			}
			segOffset += f.pointerSize()
		}
		return nil
	}

	for r.Len() > 0 && !stopped {
		b, err := r.ReadByte()
		if err != nil {
			break
		}
		op := rebaseOpcode(b) & rebaseOpMask
		imm := uint64(b) & uint64(rebaseImmMask)
		switch op {
		case rebaseOpDone:
			return nil
		case rebaseOpSetTypeImm:
			typ = uint8(imm)
		case rebaseOpSetSegmentAndOffsetULEB:
			segIndex = int(imm)
			segOffset, err = uleb128(r)
			if err != nil {
				return err
			}
		case rebaseOpAddAddrULEB:
			delta, err := uleb128(r)
			if err != nil {
				return err
			}
			segOffset += delta
		case rebaseOpAddAddrImmScaled:
			segOffset += imm * f.pointerSize()
		case rebaseOpDoRebaseImmTimes:
			if err := emit(int(imm)); err != nil {
				return err
			}
		case rebaseOpDoRebaseULEBTimes:
			count, err := uleb128(r)
			if err != nil {
				return err
			}
			if err := emit(int(count)); err != nil {
				return err
			}
		case rebaseOpDoRebaseAddAddrULEB:
			if err := emit(1); err != nil {
				return err
			}
			delta, err := uleb128(r)
			if err != nil {
				return err
			}
			segOffset += delta
		case rebaseOpDoRebaseULEBTimesSkippingULEB:
			count, err := uleb128(r)
			if err != nil {
				return err
			}
			skip, err := uleb128(r)
			if err != nil {
				return err
			}
			for i := uint64(0); i < count; i++ {
				if err := emit(1); err != nil {
					return err
				}
				segOffset += skip
			}
		default:
			return &FormatError{0, "unknown rebase opcode", b}
		}
	}
	return nil
}

// ForEachBind decodes the classic LC_DYLD_INFO(_ONLY) bind opcode stream
// (regular and weak; lazy binds use the same grammar but are resolved on
// first call at runtime and are out of scope for closure building).
func ForEachBind(f *File, fn func(BindEntry) ControlFlow) error {
	stopped := false
	visit := func(e BindEntry) ControlFlow {
		if fn(e) == Break {
			stopped = true
			return Break
		}
		return Continue
	}
	for _, stream := range f.bindStreams() {
		if err := forEachBindStream(f, stream, visit); err != nil {
			return err
		}
		if stopped {
			return nil
		}
	}
	return nil
}

func forEachBindStream(f *File, data []byte, fn func(BindEntry) ControlFlow) error {
	if len(data) == 0 {
		return nil
	}
	r := bytes.NewReader(data)

	var segIndex int
	var segOffset uint64
	var typ uint8
	var ordinal int64
	var symbol string
	var weak bool
	var addend int64
	segs := f.Segments()

	stopped := false
	emit := func(count int, skip uint64) *FormatError {
		for i := 0; i < count && !stopped; i++ {
			if segIndex >= len(segs) {
				return &FormatError{0, "bind segment index out of range", segIndex}
			}
			entry := BindEntry{
				SegIndex: segIndex, SegOffset: segOffset, Type: typ,
				Ordinal: ordinal, Symbol: symbol, WeakImport: weak, Addend: addend,
			}
			if fn(entry) == Break {
				stopped = true
				return nil
			}
			segOffset += f.pointerSize() + skip
		}
		return nil
	}

	for r.Len() > 0 && !stopped {
		b, err := r.ReadByte()
		if err != nil {
			break
		}
		op := bindOpcode(b) & bindOpMask
		imm := uint64(b) & uint64(bindImmMask)
		switch op {
		case bindOpDone:
			return nil
		case bindOpSetDylibOrdinalImm:
			ordinal = int64(imm)
		case bindOpSetDylibOrdinalULEB:
			v, err := uleb128(r)
			if err != nil {
				return err
			}
			ordinal = int64(v)
		case bindOpSetDylibSpecialImm:
			if imm == 0 {
				ordinal = 0
			} else {
				ordinal = int64(int8(0xF0 | byte(imm)))
			}
		case bindOpSetSymbolTrailingFlagsImm:
			weak = imm&0x1 != 0
			name, err := readCString(r)
			if err != nil {
				return err
			}
			symbol = name
		case bindOpSetTypeImm:
			typ = uint8(imm)
		case bindOpSetAddendSLEB:
			v, err := sleb128(r)
			if err != nil {
				return err
			}
			addend = v
		case bindOpSetSegmentAndOffsetULEB:
			segIndex = int(imm)
			segOffset, err = uleb128(r)
			if err != nil {
				return err
			}
		case bindOpAddAddrULEB:
			delta, err := uleb128(r)
			if err != nil {
				return err
			}
			segOffset += delta
		case bindOpDoBind:
			if err := emit(1, 0); err != nil {
				return err
			}
		case bindOpDoBindAddAddrULEB:
			delta, err := uleb128(r)
			if err != nil {
				return err
			}
			if err := emit(1, delta); err != nil {
				return err
			}
		case bindOpDoBindAddAddrImmScaled:
			if err := emit(1, imm*f.pointerSize()); err != nil {
				return err
			}
		case bindOpDoBindULEBTimesSkippingULEB:
			count, err := uleb128(r)
			if err != nil {
				return err
			}
			skip, err := uleb128(r)
			if err != nil {
				return err
			}
			if err := emit(int(count), skip); err != nil {
				return err
			}
		default:
			return &FormatError{0, "unknown bind opcode", b}
		}
	}
	return nil
}

func readCString(r *bytes.Reader) (string, error) {
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			break
		}
		buf = append(buf, b)
	}
	return string(buf), nil
}

func (f *File) rebaseInfo() (off, size uint32) {
	for _, l := range f.Loads {
		switch v := l.(type) {
		case *DyldInfo:
			return v.RebaseOff, v.RebaseSize
		case *DyldInfoOnly:
			return v.RebaseOff, v.RebaseSize
		}
	}
	return 0, 0
}

func (f *File) bindStreams() [][]byte {
	var off, size, weakOff, weakSize uint32
	for _, l := range f.Loads {
		switch v := l.(type) {
		case *DyldInfo:
			off, size, weakOff, weakSize = v.BindOff, v.BindSize, v.WeakBindOff, v.WeakBindSize
		case *DyldInfoOnly:
			off, size, weakOff, weakSize = v.BindOff, v.BindSize, v.WeakBindOff, v.WeakBindSize
		}
	}
	var out [][]byte
	for _, pair := range [][2]uint32{{off, size}, {weakOff, weakSize}} {
		if pair[1] == 0 {
			continue
		}
		data := make([]byte, pair[1])
		if _, err := f.cr.ReadAt(data, int64(pair[0])); err == nil {
			out = append(out, data)
		}
	}
	return out
}

// --- Chained fixups ---

// ForEachChainedFixupTarget yields the flat per-image import targets table
// (ordinal-addressable, used by plain-bind and auth-bind chained pointers).
func ForEachChainedFixupTarget(f *File, fn func(ordinal int, imp fixupchains.DcfImport) ControlFlow) error {
	dcf, err := f.DyldChainedFixups()
	if err != nil {
		if !f.HasFixups() {
			return nil
		}
		return err
	}
	for i, imp := range dcf.Imports {
		if fn(i, imp) == Break {
			break
		}
	}
	return nil
}

// ChainedFixupEntry is one resolved pointer slot out of a chained-fixups
// chain walk: either a rebase (an image-relative vmaddr to slide) or a bind
// (an ordinal into the image's imports table), with arm64e pointer-auth
// metadata carried alongside when the slot is an authenticated pointer.
type ChainedFixupEntry struct {
	SegIndex  int
	SegOffset uint64 // position of the pointer slot within its segment

	IsBind  bool
	Ordinal uint64 // valid when IsBind
	Addend  int64  // valid when IsBind

	RebaseTarget uint64 // valid when !IsBind: unslid target vmaddr

	Auth          bool
	AuthDiversity uint16
	AuthAddrDiv   bool
	AuthKey       uint8
}

// ForEachChainedFixupEntry walks every page of every segment's chained-fixup
// chain (via pkg/fixupchains, which already decodes every pointer format
// dyld supports) and yields one entry per pointer slot, in chain order.
func ForEachChainedFixupEntry(f *File, fn func(ChainedFixupEntry) ControlFlow) error {
	dcf, err := f.DyldChainedFixups()
	if err != nil {
		if !f.HasFixups() {
			return nil
		}
		return err
	}
	for segIdx, start := range dcf.Starts {
		if len(start.Fixups) == 0 {
			continue
		}
		segFileOffset := start.SegmentOffset
		for _, fx := range start.Fixups {
			e := ChainedFixupEntry{SegIndex: segIdx, SegOffset: fx.Offset() - segFileOffset}
			if b, ok := fx.(fixupchains.Bind); ok {
				e.IsBind = true
				e.Ordinal = b.Ordinal()
				e.Addend = chainedBindAddend(fx)
			} else if r, ok := fx.(fixupchains.Rebase); ok {
				e.RebaseTarget = r.Target()
			}
			if a, ok := fx.(fixupchains.Auth); ok {
				e.Auth = true
				e.AuthDiversity = uint16(a.Diversity())
				e.AuthAddrDiv = a.AddrDiv() != 0
				e.AuthKey = uint8(a.Key())
			}
			if fn(e) == Break {
				return nil
			}
		}
	}
	return nil
}

// chainedBindAddend extracts a chained bind pointer's addend. Auth binds
// (DyldChainedPtrArm64eAuthBind/24) carry no addend field in the chained
// pointer format and are left at zero.
func chainedBindAddend(fx fixupchains.Fixup) int64 {
	switch v := fx.(type) {
	case fixupchains.DyldChainedPtr32Bind:
		return int64(v.Addend())
	case fixupchains.DyldChainedPtr64Bind:
		return int64(v.Addend())
	case fixupchains.DyldChainedPtrArm64eBind:
		return v.SignExtendedAddend()
	case fixupchains.DyldChainedPtrArm64eBind24:
		return v.SignExtendedAddend()
	default:
		return 0
	}
}

// --- Export trie ---

// ExportKind mirrors the trie's EXPORT_SYMBOL_FLAGS_KIND_* values.
type ExportKind int

const (
	ExportRegular ExportKind = iota
	ExportThreadLocal
	ExportAbsolute
)

// ExportedSymbol is the result of a successful FindExportedSymbol lookup.
type ExportedSymbol struct {
	Name           string
	Kind           ExportKind
	Value          uint64
	IsWeak         bool
	IsThreadLocal  bool
	StubAndResolver bool
	ResolverOffset uint64
	FoundInDylib   string // set when resolved through a re-export chain
}

// DepResolver resolves a re-export ordinal (1-based, spec §4.C numbering)
// on behalf of FindExportedSymbol to the File it points to.
type DepResolver func(ordinal int) (*File, error)

// FindExportedSymbol walks f's export trie for name, chasing re-exports
// through depResolver. maxDepth bounds re-export recursion (the builder
// passes the image count of the closure, per spec §4.C).
func FindExportedSymbol(f *File, name string, depResolver DepResolver, maxDepth int) (*ExportedSymbol, error) {
	return findExportedSymbol(f, name, depResolver, maxDepth)
}

func findExportedSymbol(f *File, name string, depResolver DepResolver, depth int) (*ExportedSymbol, error) {
	if depth <= 0 {
		return nil, fmt.Errorf("re-export chain too deep resolving %q (cycle?)", name)
	}
	data, err := f.exportTrieData()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	nodeOff, err := trie.WalkTrie(data, name)
	if err != nil {
		return nil, ErrNotFound
	}
	r := bytes.NewReader(data)
	if _, err := r.Seek(int64(nodeOff), io.SeekStart); err != nil {
		return nil, err
	}
	flagsU, err := trie.ReadUleb128(r)
	if err != nil {
		return nil, err
	}
	flags := types.ExportFlag(flagsU)

	if flags.ReExport() {
		ordU, err := trie.ReadUleb128(r)
		if err != nil {
			return nil, err
		}
		importedName, err := readCString(r)
		if err != nil {
			return nil, err
		}
		if importedName == "" {
			importedName = name
		}
		if depResolver == nil {
			return nil, fmt.Errorf("re-export of %q requires a dependency resolver", name)
		}
		dep, err := depResolver(int(ordU))
		if err != nil {
			return nil, err
		}
		sym, err := findExportedSymbol(dep, importedName, depResolver, depth-1)
		if err != nil {
			return nil, err
		}
		if id := dep.DylibID(); id != nil {
			sym.FoundInDylib = id.Name
		}
		return sym, nil
	}

	sym := &ExportedSymbol{Name: name, IsWeak: flags.WeakDefinition()}
	switch {
	case flags.ThreadLocal():
		sym.Kind = ExportThreadLocal
		sym.IsThreadLocal = true
	case flags.Absolute():
		sym.Kind = ExportAbsolute
	default:
		sym.Kind = ExportRegular
	}

	if flags.StubAndResolver() {
		off, err := trie.ReadUleb128(r)
		if err != nil {
			return nil, err
		}
		sym.StubAndResolver = true
		sym.ResolverOffset = off + f.GetBaseAddress()
	}

	val, err := trie.ReadUleb128(r)
	if err != nil {
		return nil, err
	}
	if sym.Kind != ExportAbsolute {
		val += f.GetBaseAddress()
	}
	sym.Value = val
	return sym, nil
}

// ErrNotFound is returned by FindExportedSymbol when name is not present in
// the trie.
var ErrNotFound = fmt.Errorf("symbol not found in export trie")

func (f *File) exportTrieData() ([]byte, error) {
	if dxt := f.DyldExportsTrie(); dxt != nil {
		if dxt.Size == 0 {
			return nil, nil
		}
		data := make([]byte, dxt.Size)
		_, err := f.cr.ReadAt(data, int64(dxt.Offset))
		return data, err
	}
	var off, size uint32
	for _, l := range f.Loads {
		switch v := l.(type) {
		case *DyldInfo:
			off, size = v.ExportOff, v.ExportSize
		case *DyldInfoOnly:
			off, size = v.ExportOff, v.ExportSize
		}
	}
	if size == 0 {
		return nil, nil
	}
	data := make([]byte, size)
	_, err := f.cr.ReadAt(data, int64(off))
	return data, err
}
