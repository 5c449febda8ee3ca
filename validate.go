package macho

import (
	"strings"

	"github.com/lgcooci/dyldclosure/types"
)

// Validate walks f's load commands and linkedit structure and reports the
// first structural defect found, or nil if the slice is well-formed enough
// to hand to the dependency resolver. path is used only to annotate errors.
//
// This is the slice-level half of image admission: it does not touch code
// signatures (see pkg/codesign for that) and it never mutates f.
func Validate(f *File, path string) error {
	if err := ForEachLoadCommand(f, func(idx int, l Load) ControlFlow { return Continue }); err != nil {
		return err
	}
	if err := validateEmbeddedPaths(f); err != nil {
		return err
	}
	if err := validateSegments(f, path); err != nil {
		return err
	}
	if err := validateEntryPoint(f); err != nil {
		return err
	}
	if err := validateLinkedit(f); err != nil {
		return err
	}
	if err := validateFixupBounds(f); err != nil {
		return err
	}
	return nil
}

// checkNulTerminated reports whether raw[off:] contains a NUL byte before
// the end of raw, the layout every embedded load-command string (dylib
// name, rpath) must follow since the decoder otherwise has no way to know
// where the string ends short of running off the end of the command.
func checkNulTerminated(raw []byte, off uint32, what string) error {
	if uint64(off) >= uint64(len(raw)) {
		return &FormatError{0, "embedded path offset past end of load command", what}
	}
	if !strings.ContainsRune(string(raw[off:]), 0) {
		return &FormatError{0, "embedded path missing NUL terminator", what}
	}
	return nil
}

// validateEmbeddedPaths checks every LC_*DYLIB and LC_RPATH command's
// embedded string is properly NUL-terminated within its own command bytes.
// The Name/Path fields promoted onto these types are already-decoded Go
// strings; the raw uint32 offset lives on the embedded Cmd struct, so this
// reads the command's raw bytes directly rather than trusting the decode.
func validateEmbeddedPaths(f *File) error {
	for _, l := range f.Loads {
		switch v := l.(type) {
		case *Dylib:
			if err := checkNulTerminated(v.Raw(), v.DylibCmd.Name, v.Name); err != nil {
				return err
			}
		case *WeakDylib:
			if err := checkNulTerminated(v.Raw(), v.DylibCmd.Name, v.Name); err != nil {
				return err
			}
		case *ReExportDylib:
			if err := checkNulTerminated(v.Raw(), v.DylibCmd.Name, v.Name); err != nil {
				return err
			}
		case *LazyLoadDylib:
			if err := checkNulTerminated(v.Raw(), v.DylibCmd.Name, v.Name); err != nil {
				return err
			}
		case *UpwardDylib:
			if err := checkNulTerminated(v.Raw(), v.DylibCmd.Name, v.Name); err != nil {
				return err
			}
		case *DylibID:
			if err := checkNulTerminated(v.Raw(), v.DylibCmd.Name, v.Name); err != nil {
				return err
			}
		case *Rpath:
			if err := checkNulTerminated(v.Raw(), v.RpathCmd.Path, v.Path); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateSegments checks the §4.A segment invariants: __TEXT sits at file
// offset 0 and is r-x, __LINKEDIT (when present) is r--, no two segments'
// file or VM ranges overlap, and no segment's file size exceeds its VM size
// unless it carries SG_NORELOC and contributes nothing to the VM image.
func validateSegments(f *File, path string) error {
	segs := f.Segments()
	if len(segs) == 0 {
		return &FormatError{0, "no segments", path}
	}

	var text, linkedit *Segment
	fileRegions := make([]region, len(segs))
	vmRegions := make([]region, len(segs))

	for i, seg := range segs {
		switch seg.Name {
		case "__TEXT":
			text = seg
		case "__LINKEDIT":
			linkedit = seg
		}
		if seg.Filesz > seg.Memsz {
			exempt := seg.Flag&types.NoReLoc != 0 && seg.Memsz == 0
			if !exempt {
				return &FormatError{0, "segment file size exceeds vm size", seg.Name}
			}
		}
		fileRegions[i] = region{seg.Offset, seg.Offset + seg.Filesz}
		vmRegions[i] = region{seg.Addr, seg.Addr + seg.Memsz}
	}

	if text == nil {
		return &FormatError{0, "missing __TEXT segment", path}
	}
	if text.Offset != 0 {
		return &FormatError{0, "__TEXT segment not at file offset 0", text.Offset}
	}
	if !text.Prot.Read() || !text.Prot.Execute() || text.Prot.Write() {
		return &FormatError{0, "__TEXT segment is not r-x", text.Prot.String()}
	}
	if linkedit != nil {
		if !linkedit.Prot.Read() || linkedit.Prot.Write() || linkedit.Prot.Execute() {
			return &FormatError{0, "__LINKEDIT segment is not r--", linkedit.Prot.String()}
		}
	}

	for i := range segs {
		for j := i + 1; j < len(segs); j++ {
			if regionsOverlap(fileRegions[i], fileRegions[j]) {
				return &FormatError{0, "segments overlap in file space", segs[i].Name + "/" + segs[j].Name}
			}
			if regionsOverlap(vmRegions[i], vmRegions[j]) {
				return &FormatError{0, "segments overlap in VM space", segs[i].Name + "/" + segs[j].Name}
			}
		}
	}
	return nil
}

type region = struct{ start, end uint64 }

func regionsOverlap(a, b region) bool {
	if a.start == a.end || b.start == b.end {
		return false // a zero-size range (e.g. __PAGEZERO's file region) never conflicts
	}
	return a.start < b.end && b.start < a.end
}

// validateEntryPoint checks the process's initial PC falls inside __TEXT,
// whether it arrived via LC_MAIN (file offset) or the legacy LC_UNIXTHREAD
// (absolute address, decoded by threadEntryPoint per the binary's CPU type).
func validateEntryPoint(f *File) error {
	text := f.Segment("__TEXT")
	if text == nil {
		return nil // already reported by validateSegments
	}
	for _, l := range f.Loads {
		switch v := l.(type) {
		case *EntryPoint:
			if v.EntryOffset >= text.Filesz {
				return &FormatError{0, "LC_MAIN entry point outside __TEXT", v.EntryOffset}
			}
			return nil
		case *UnixThread:
			pc := v.EntryPoint
			if pc == 0 {
				return nil // unrecognized flavor/CPU; threadEntryPoint left it unset
			}
			if pc < text.Addr || pc >= text.Addr+text.Memsz {
				return &FormatError{0, "LC_UNIXTHREAD entry point outside __TEXT", pc}
			}
			return nil
		}
	}
	return nil
}

// linkeditRegion names a single region a linkedit-bearing load command
// points into __LINKEDIT, for the bounds/alignment/overlap sweep below.
type linkeditRegion struct {
	name         string
	offset, size uint32
}

// validateLinkedit collects every region a linkedit command claims and
// checks each lies within __LINKEDIT, is 4-byte aligned, and that no two
// regions overlap. Binaries built against an SDK older than macOS 10.14 are
// exempted, matching the relaxation the image loader itself applies to
// pre-10.14 binaries rather than rejecting them outright.
func validateLinkedit(f *File) error {
	if sdkPreDates1014(f) {
		return nil
	}

	linkedit := f.Segment("__LINKEDIT")
	if linkedit == nil {
		return nil // nothing to check against
	}

	var regions []linkeditRegion
	for _, l := range f.Loads {
		switch v := l.(type) {
		case *DyldInfo:
			regions = append(regions,
				linkeditRegion{"rebase", v.RebaseOff, v.RebaseSize},
				linkeditRegion{"bind", v.BindOff, v.BindSize},
				linkeditRegion{"weak_bind", v.WeakBindOff, v.WeakBindSize},
				linkeditRegion{"lazy_bind", v.LazyBindOff, v.LazyBindSize},
				linkeditRegion{"export", v.ExportOff, v.ExportSize},
			)
		case *DyldInfoOnly:
			regions = append(regions,
				linkeditRegion{"rebase", v.RebaseOff, v.RebaseSize},
				linkeditRegion{"bind", v.BindOff, v.BindSize},
				linkeditRegion{"weak_bind", v.WeakBindOff, v.WeakBindSize},
				linkeditRegion{"lazy_bind", v.LazyBindOff, v.LazyBindSize},
				linkeditRegion{"export", v.ExportOff, v.ExportSize},
			)
		case *FunctionStarts:
			regions = append(regions, linkeditRegion{"function_starts", v.Offset, v.Size})
		case *DyldExportsTrie:
			regions = append(regions, linkeditRegion{"exports_trie", v.Offset, v.Size})
		case *DyldChainedFixups:
			regions = append(regions, linkeditRegion{"chained_fixups", v.Offset, v.Size})
		case *CodeSignature:
			regions = append(regions, linkeditRegion{"code_signature", v.Offset, v.Size})
		}
	}
	if f.Symtab != nil {
		regions = append(regions, linkeditRegion{"symtab", f.Symtab.Symoff, f.Symtab.Nsyms * symtabEntrySize(f)})
		regions = append(regions, linkeditRegion{"strtab", f.Symtab.Stroff, f.Symtab.Strsize})
	}
	if f.Dysymtab != nil && f.Dysymtab.Nindirectsyms > 0 {
		regions = append(regions, linkeditRegion{"indirectsyms", f.Dysymtab.Indirectsymoff, f.Dysymtab.Nindirectsyms * 4})
	}

	lo, hi := linkedit.Offset, linkedit.Offset+linkedit.Filesz
	for _, r := range regions {
		if r.size == 0 {
			continue
		}
		if r.offset%4 != 0 {
			return &FormatError{0, "linkedit region misaligned", r.name}
		}
		start, end := uint64(r.offset), uint64(r.offset)+uint64(r.size)
		if start < lo || end > hi {
			return &FormatError{0, "linkedit region outside __LINKEDIT", r.name}
		}
	}
	for i := range regions {
		for j := i + 1; j < len(regions); j++ {
			if regions[i].size == 0 || regions[j].size == 0 {
				continue
			}
			a := region{uint64(regions[i].offset), uint64(regions[i].offset) + uint64(regions[i].size)}
			b := region{uint64(regions[j].offset), uint64(regions[j].offset) + uint64(regions[j].size)}
			if regionsOverlap(a, b) {
				return &FormatError{0, "linkedit regions overlap", regions[i].name + "/" + regions[j].name}
			}
		}
	}
	return nil
}

func symtabEntrySize(f *File) uint32 {
	if f.Magic == types.Magic64 {
		return 16
	}
	return 12
}

// sdkPreDates1014 reports whether f declares a build SDK older than macOS
// 10.14, the cutoff below which the loader relaxes its linkedit strictness
// for binaries built before chained fixups and the stricter dyld_info
// layout rules existed.
func sdkPreDates1014(f *File) bool {
	var sdk string
	for _, l := range f.Loads {
		switch v := l.(type) {
		case *BuildVersion:
			sdk = v.Sdk
		case *VersionMinMacOSX:
			sdk = v.Sdk
		}
		if sdk != "" {
			break
		}
	}
	if sdk == "" {
		return false // no SDK declared; apply the strict checks
	}
	major, minor := 0, 0
	parts := strings.SplitN(sdk, ".", 3)
	if len(parts) > 0 {
		major = atoiOrZero(parts[0])
	}
	if len(parts) > 1 {
		minor = atoiOrZero(parts[1])
	}
	if major != 10 {
		return major < 10
	}
	return minor < 14
}

func atoiOrZero(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// validateFixupBounds exercises the classic rebase/bind opcode state
// machines far enough to surface any out-of-bounds segment index or offset
// they'd otherwise only raise partway through a real rebase/bind pass.
func validateFixupBounds(f *File) error {
	if err := ForEachRebase(f, func(RebaseEntry) ControlFlow { return Continue }); err != nil {
		return err
	}
	if err := ForEachBind(f, func(BindEntry) ControlFlow { return Continue }); err != nil {
		return err
	}
	return nil
}
