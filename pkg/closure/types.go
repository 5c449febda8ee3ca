// Package closure implements the typed-byte record format used to describe a
// launch closure: an ImageArray of BuilderLoadedImage descriptions plus the
// rebase/bind/chained-fixup tables the runtime loader replays instead of
// re-walking the Mach-O binaries it was built from.
package closure

import "fmt"

// TargetKind discriminates a ResolvedSymbolTarget's 2-bit tag.
type TargetKind uint8

const (
	TargetRebase TargetKind = iota
	TargetSharedCache
	TargetImage
	TargetAbsolute
)

func (k TargetKind) String() string {
	switch k {
	case TargetRebase:
		return "rebase"
	case TargetSharedCache:
		return "sharedCache"
	case TargetImage:
		return "image"
	case TargetAbsolute:
		return "absolute"
	default:
		return fmt.Sprintf("TargetKind(%d)", uint8(k))
	}
}

// ResolvedSymbolTarget is the 8-byte tagged union a bind resolves to.
// Rebase carries no payload (the slide is applied uniformly); SharedCache
// and Image carry an offset, the latter also an image number; Absolute
// carries a sign-extended literal (used for weak-import NULL and constants).
type ResolvedSymbolTarget struct {
	Kind     TargetKind
	ImageNum uint32 // valid only for TargetImage, 22 bits
	Offset   uint64 // valid for TargetSharedCache (62 bits) and TargetImage (40 bits)
	Value    int64  // valid only for TargetAbsolute, 62-bit sign-extended
}

const (
	imageNumBits = 22
	imageOffBits = 40
	wideBits     = 62
)

// Pack encodes the target into its on-disk 8-byte representation.
func (t ResolvedSymbolTarget) Pack() (uint64, error) {
	switch t.Kind {
	case TargetRebase:
		return uint64(TargetRebase) << 62, nil
	case TargetSharedCache:
		if t.Offset>>wideBits != 0 {
			return 0, fmt.Errorf("closure: shared-cache offset %#x exceeds 62 bits", t.Offset)
		}
		return uint64(TargetSharedCache)<<62 | t.Offset, nil
	case TargetImage:
		if t.ImageNum>>imageNumBits != 0 {
			return 0, fmt.Errorf("closure: image number %d exceeds 22 bits", t.ImageNum)
		}
		if t.Offset>>imageOffBits != 0 {
			return 0, fmt.Errorf("closure: image offset %#x exceeds 40 bits", t.Offset)
		}
		return uint64(TargetImage)<<62 | uint64(t.ImageNum)<<imageOffBits | t.Offset, nil
	case TargetAbsolute:
		v := uint64(t.Value) & (1<<wideBits - 1)
		return uint64(TargetAbsolute)<<62 | v, nil
	default:
		return 0, fmt.Errorf("closure: unknown target kind %d", t.Kind)
	}
}

// UnpackTarget decodes an 8-byte ResolvedSymbolTarget.
func UnpackTarget(raw uint64) ResolvedSymbolTarget {
	kind := TargetKind(raw >> 62)
	switch kind {
	case TargetSharedCache:
		return ResolvedSymbolTarget{Kind: kind, Offset: raw & (1<<wideBits - 1)}
	case TargetImage:
		payload := raw & (1<<wideBits - 1)
		return ResolvedSymbolTarget{
			Kind:     kind,
			ImageNum: uint32(payload >> imageOffBits),
			Offset:   payload & (1<<imageOffBits - 1),
		}
	case TargetAbsolute:
		v := raw & (1<<wideBits - 1)
		// sign-extend bit 61 through the top two bits
		if v&(1<<(wideBits-1)) != 0 {
			v |= ^uint64(1<<wideBits - 1)
		}
		return ResolvedSymbolTarget{Kind: kind, Value: int64(v)}
	default:
		return ResolvedSymbolTarget{Kind: TargetRebase}
	}
}

// RebasePattern is the {repeat_count:20, contig_count:8, skip_count:4}
// compressed run used by the closure's rebase-fixups attribute.
type RebasePattern struct {
	RepeatCount uint32 // 20 bits
	ContigCount uint8  // 8 bits
	SkipCount   uint8  // 4 bits
}

// IsReset reports whether p is the sentinel {0,0,0} record that resets the
// expansion cursor to the start of the segment.
func (p RebasePattern) IsReset() bool {
	return p.RepeatCount == 0 && p.ContigCount == 0 && p.SkipCount == 0
}

func (p RebasePattern) Pack() (uint32, error) {
	if p.RepeatCount>>20 != 0 {
		return 0, fmt.Errorf("closure: rebase repeat count %d exceeds 20 bits", p.RepeatCount)
	}
	if p.SkipCount>>4 != 0 {
		return 0, fmt.Errorf("closure: rebase skip count %d exceeds 4 bits", p.SkipCount)
	}
	return p.RepeatCount<<12 | uint32(p.ContigCount)<<4 | uint32(p.SkipCount), nil
}

func UnpackRebasePattern(raw uint32) RebasePattern {
	return RebasePattern{
		RepeatCount: raw >> 12,
		ContigCount: uint8(raw >> 4),
		SkipCount:   uint8(raw & 0xF),
	}
}

// Expand replays a single pattern against cursor (a running byte offset
// within the segment) and returns the set of rebase locations it produces,
// plus the cursor's value after this pattern (§3 "Rebase pattern").
func (p RebasePattern) Expand(cursor uint64, ptrSize uint64) (locs []uint64, next uint64) {
	if p.IsReset() {
		return nil, 0
	}
	if p.ContigCount == 0 {
		return nil, cursor + uint64(p.RepeatCount)*uint64(p.SkipCount)*ptrSize
	}
	for i := uint32(0); i < p.RepeatCount; i++ {
		for c := uint8(0); c < p.ContigCount; c++ {
			locs = append(locs, cursor)
			cursor += ptrSize
		}
		cursor += uint64(p.SkipCount) * ptrSize
	}
	return locs, cursor
}

// BindPattern is the {target, start_vm_offset:40, skip_count:8,
// repeat_count:16} compressed run used by the closure's bind-fixups
// attribute.
type BindPattern struct {
	Target        ResolvedSymbolTarget
	StartVMOffset uint64 // 40 bits
	SkipCount     uint8
	RepeatCount   uint16
}

// Expand replays the pattern and returns the vm offset of every slot it
// binds, each of which is bound to p.Target (§3 "Bind pattern").
func (p BindPattern) Expand(ptrSize uint64) []uint64 {
	offs := make([]uint64, 0, p.RepeatCount)
	off := p.StartVMOffset
	stride := ptrSize * (1 + uint64(p.SkipCount))
	for i := uint16(0); i < p.RepeatCount; i++ {
		offs = append(offs, off)
		off += stride
	}
	return offs
}
