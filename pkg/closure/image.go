package closure

import (
	"encoding/binary"
	"fmt"
)

// ImageFlags packs the per-image boolean attributes of §3.
type ImageFlags uint32

const (
	FlagIsDylib ImageFlags = 1 << iota
	FlagIsBundle
	FlagIsExecutable
	FlagHasObjC
	FlagHasWeakDefs
	FlagMayHavePlusLoads
	FlagUses16KBPages
	FlagNeverUnload
	FlagInSharedCache
	FlagOverridable
	FlagIsInvalid
)

func (f ImageFlags) Has(bit ImageFlags) bool { return f&bit != 0 }

// DependentKind mirrors macho.DependentKind for the closure's own
// dependents attribute, plus the sentinel for a missing weak link.
type DependentKind uint8

const (
	DependentRegular DependentKind = iota
	DependentWeak
	DependentReexport
	DependentUpward
)

// MissingWeakLinkedImage is the sentinel dependent image number recorded
// when a weak dependency's file could not be found (§4.E step 2).
const MissingWeakLinkedImage uint32 = 0xFFFFFFFF

// Dependent is one edge of the image's dependency list.
type Dependent struct {
	Kind     DependentKind
	ImageNum uint32 // MissingWeakLinkedImage for an unresolved weak link
}

// SegmentForm selects between the disk and cache segment-descriptor shapes
// (§3 "Segment descriptor").
type SegmentForm uint8

const (
	SegmentDisk SegmentForm = iota
	SegmentCache
)

// Segment is a single segment descriptor, either disk or cache form.
type Segment struct {
	Form SegmentForm

	// Disk form.
	FilePageCount uint32
	VMPageCount   uint32
	IsPadding     bool

	// Cache form.
	CacheOffset uint64
	Size        uint32

	Perms uint8 // VM_PROT_* bitmask, both forms
}

// MappingInfo carries the total VM pages an image needs and the 4KiB-unit
// slice offset of its Mach-O within the container file (§3).
type MappingInfo struct {
	TotalVMPages     uint64
	SliceOffsetPages uint32
}

// FileIdentity is the (inode, mtime) pair used to detect a stale closure
// (§4.F step 1).
type FileIdentity struct {
	Inode uint64
	Mtime int64
}

// PathHash is one alias path plus its precomputed string hash, matching
// dyld's own path-with-hash attribute so lookups avoid repeated hashing.
type PathHash struct {
	Path string
	Hash uint32
}

// HashPath computes the hash dyld uses for path-with-hash records (a
// simple FNV-1a variant is sufficient; closures are process-local and the
// hash is never persisted across dyld versions).
func HashPath(path string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(path); i++ {
		h ^= uint32(path[i])
		h *= 16777619
	}
	return h
}

// RebaseFixupRun is the rebase pattern run-length sequence for one segment.
type RebaseFixupRun struct {
	SegIndex uint32
	Patterns []RebasePattern
}

// BindFixupRun is the bind pattern run-length sequence for one segment.
type BindFixupRun struct {
	SegIndex uint32
	Patterns []BindPattern
}

// TextFixup is an i386 text relocation (§4.F step 5, text relocations).
type TextFixup struct {
	SegIndex uint32
	Offset   uint32
	Target   ResolvedSymbolTarget
}

// ChainedFixup is one resolved pointer slot discovered walking an image's
// LC_DYLD_CHAINED_FIXUPS chain (§4.F step 5, "Chained:"). Unlike the classic
// RebaseFixupRun/BindFixupRun run-length encoding, each slot's segment
// offset is carried individually: the chain walk visits pointers one at a
// time rather than producing a compressible run.
type ChainedFixup struct {
	SegIndex  uint32
	SegOffset uint64

	IsBind       bool
	Target       ResolvedSymbolTarget // valid when IsBind
	RebaseTarget uint64               // valid when !IsBind: image-relative vmaddr

	Auth          bool // arm64e pointer-authentication metadata below is valid
	AuthDiversity uint16
	AuthAddrDiv   bool
	AuthKey       uint8
}

// CachePatch is a shared-cache "uses" table entry this image must rewrite
// at load time because it overrides a cache dylib (§4.E step 2, §4.F
// "Cache patching").
type CachePatch struct {
	OverriddenImageNum uint32
	CacheExportOffset  uint64
	Replacement        ResolvedSymbolTarget
}

// Image is the closure's per-dylib record (§3 "Image").
type Image struct {
	ImageNum   uint32
	Path       string
	AliasPaths []PathHash

	UUID         [16]byte
	HasUUID      bool
	CDHash       [20]byte
	HasCDHash    bool
	FileID       FileIdentity
	HasFileID    bool
	OverrideNum  uint32
	HasOverride  bool
	Mapping      MappingInfo

	Segments   []Segment
	Dependents []Dependent
	Flags      ImageFlags

	InitOffsets []uint32
	DOFOffsets  []uint32

	RebaseFixups  []RebaseFixupRun
	BindFixups    []BindFixupRun
	ChainedFixups []ChainedFixup
	TextFixups    []TextFixup
	CachePatches  []CachePatch
}

// Encode serializes the image as a TagImage container record.
func (img *Image) Encode() []byte {
	var b Builder

	ph := make([]byte, 4)
	binary.LittleEndian.PutUint32(ph, img.ImageNum)
	b.Put(TagTopImage, ph) // image number carried first, reused as the identity tag

	b.Put(TagPathWithHash, encodePathHash(PathHash{Path: img.Path, Hash: HashPath(img.Path)}))
	for _, a := range img.AliasPaths {
		b.Put(TagPathWithHash, encodePathHash(a))
	}
	if img.HasUUID {
		b.Put(TagUUID, img.UUID[:])
	}
	if img.HasCDHash {
		b.Put(TagCDHash, img.CDHash[:])
	}
	if img.HasFileID {
		buf := make([]byte, 16)
		binary.LittleEndian.PutUint64(buf[0:8], img.FileID.Inode)
		binary.LittleEndian.PutUint64(buf[8:16], uint64(img.FileID.Mtime))
		b.Put(TagFileInodeAndTime, buf)
	}
	if img.HasOverride {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, img.OverrideNum)
		b.Put(TagImageOverride, buf)
	}

	mi := make([]byte, 12)
	binary.LittleEndian.PutUint64(mi[0:8], img.Mapping.TotalVMPages)
	binary.LittleEndian.PutUint32(mi[8:12], img.Mapping.SliceOffsetPages)
	b.Put(TagMappingInfo, mi)

	for _, s := range img.Segments {
		b.Put(segmentTag(s.Form), encodeSegment(s))
	}

	b.Put(TagDependents, encodeDependents(img.Dependents))

	fbuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(fbuf, uint32(img.Flags))
	b.Put(TagImageFlags, fbuf)

	b.Put(TagInitOffsets, encodeUint32s(img.InitOffsets))
	b.Put(TagDOFOffsets, encodeUint32s(img.DOFOffsets))

	for _, r := range img.RebaseFixups {
		b.Put(TagRebaseFixups, encodeRebaseRun(r))
	}
	for _, r := range img.BindFixups {
		b.Put(TagBindFixups, encodeBindRun(r))
	}
	for _, cf := range img.ChainedFixups {
		b.Put(TagChainedFixup, encodeChainedFixup(cf))
	}
	for _, t := range img.TextFixups {
		b.Put(TagTextFixups, encodeTextFixup(t))
	}
	for _, p := range img.CachePatches {
		b.Put(TagCachePatchInfo, encodeCachePatch(p))
	}

	return EncodeRecord(TagImage, b.Bytes())
}

// DecodeImage reads a TagImage container record previously produced by
// Encode.
func DecodeImage(payload []byte) (*Image, error) {
	img := &Image{}
	r := NewReader(payload)
	for {
		tag, p, ok, err := r.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch tag {
		case TagTopImage:
			img.ImageNum = binary.LittleEndian.Uint32(p)
		case TagPathWithHash:
			ph, err := decodePathHash(p)
			if err != nil {
				return nil, err
			}
			if img.Path == "" {
				img.Path = ph.Path
			} else {
				img.AliasPaths = append(img.AliasPaths, ph)
			}
		case TagUUID:
			copy(img.UUID[:], p)
			img.HasUUID = true
		case TagCDHash:
			copy(img.CDHash[:], p)
			img.HasCDHash = true
		case TagFileInodeAndTime:
			if len(p) < 16 {
				return nil, fmt.Errorf("closure: short file-inode-and-time record")
			}
			img.FileID = FileIdentity{
				Inode: binary.LittleEndian.Uint64(p[0:8]),
				Mtime: int64(binary.LittleEndian.Uint64(p[8:16])),
			}
			img.HasFileID = true
		case TagImageOverride:
			img.OverrideNum = binary.LittleEndian.Uint32(p)
			img.HasOverride = true
		case TagMappingInfo:
			if len(p) < 12 {
				return nil, fmt.Errorf("closure: short mapping-info record")
			}
			img.Mapping = MappingInfo{
				TotalVMPages:     binary.LittleEndian.Uint64(p[0:8]),
				SliceOffsetPages: binary.LittleEndian.Uint32(p[8:12]),
			}
		case TagDiskSegment, TagCacheSegment:
			seg, err := decodeSegment(tag, p)
			if err != nil {
				return nil, err
			}
			img.Segments = append(img.Segments, seg)
		case TagDependents:
			deps, err := decodeDependents(p)
			if err != nil {
				return nil, err
			}
			img.Dependents = deps
		case TagImageFlags:
			img.Flags = ImageFlags(binary.LittleEndian.Uint32(p))
		case TagInitOffsets:
			img.InitOffsets = decodeUint32s(p)
		case TagDOFOffsets:
			img.DOFOffsets = decodeUint32s(p)
		case TagRebaseFixups:
			run, err := decodeRebaseRun(p)
			if err != nil {
				return nil, err
			}
			img.RebaseFixups = append(img.RebaseFixups, run)
		case TagBindFixups:
			run, err := decodeBindRun(p)
			if err != nil {
				return nil, err
			}
			img.BindFixups = append(img.BindFixups, run)
		case TagChainedFixup:
			cf, err := decodeChainedFixup(p)
			if err != nil {
				return nil, err
			}
			img.ChainedFixups = append(img.ChainedFixups, cf)
		case TagTextFixups:
			tf, err := decodeTextFixup(p)
			if err != nil {
				return nil, err
			}
			img.TextFixups = append(img.TextFixups, tf)
		case TagCachePatchInfo:
			cp, err := decodeCachePatch(p)
			if err != nil {
				return nil, err
			}
			img.CachePatches = append(img.CachePatches, cp)
		}
	}
	return img, nil
}

func segmentTag(f SegmentForm) Tag {
	if f == SegmentCache {
		return TagCacheSegment
	}
	return TagDiskSegment
}

func encodeSegment(s Segment) []byte {
	if s.Form == SegmentCache {
		buf := make([]byte, 13)
		binary.LittleEndian.PutUint64(buf[0:8], s.CacheOffset)
		binary.LittleEndian.PutUint32(buf[8:12], s.Size)
		buf[12] = s.Perms
		return buf
	}
	buf := make([]byte, 10)
	binary.LittleEndian.PutUint32(buf[0:4], s.FilePageCount)
	binary.LittleEndian.PutUint32(buf[4:8], s.VMPageCount)
	buf[8] = s.Perms
	if s.IsPadding {
		buf[9] = 1
	}
	return buf
}

func decodeSegment(tag Tag, p []byte) (Segment, error) {
	if tag == TagCacheSegment {
		if len(p) < 13 {
			return Segment{}, fmt.Errorf("closure: short cache-segment record")
		}
		return Segment{
			Form:        SegmentCache,
			CacheOffset: binary.LittleEndian.Uint64(p[0:8]),
			Size:        binary.LittleEndian.Uint32(p[8:12]),
			Perms:       p[12],
		}, nil
	}
	if len(p) < 10 {
		return Segment{}, fmt.Errorf("closure: short disk-segment record")
	}
	return Segment{
		Form:          SegmentDisk,
		FilePageCount: binary.LittleEndian.Uint32(p[0:4]),
		VMPageCount:   binary.LittleEndian.Uint32(p[4:8]),
		Perms:         p[8],
		IsPadding:     p[9] != 0,
	}, nil
}

func encodePathHash(ph PathHash) []byte {
	buf := make([]byte, 4+len(ph.Path))
	binary.LittleEndian.PutUint32(buf[0:4], ph.Hash)
	copy(buf[4:], ph.Path)
	return buf
}

func decodePathHash(p []byte) (PathHash, error) {
	if len(p) < 4 {
		return PathHash{}, fmt.Errorf("closure: short path-with-hash record")
	}
	return PathHash{Hash: binary.LittleEndian.Uint32(p[0:4]), Path: string(p[4:])}, nil
}

func encodeDependents(deps []Dependent) []byte {
	buf := make([]byte, len(deps)*5)
	for i, d := range deps {
		buf[i*5] = byte(d.Kind)
		binary.LittleEndian.PutUint32(buf[i*5+1:i*5+5], d.ImageNum)
	}
	return buf
}

func decodeDependents(p []byte) ([]Dependent, error) {
	if len(p)%5 != 0 {
		return nil, fmt.Errorf("closure: malformed dependents record (%d bytes)", len(p))
	}
	deps := make([]Dependent, len(p)/5)
	for i := range deps {
		deps[i] = Dependent{
			Kind:     DependentKind(p[i*5]),
			ImageNum: binary.LittleEndian.Uint32(p[i*5+1 : i*5+5]),
		}
	}
	return deps, nil
}

func encodeUint32s(vs []uint32) []byte {
	buf := make([]byte, len(vs)*4)
	for i, v := range vs {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], v)
	}
	return buf
}

func decodeUint32s(p []byte) []uint32 {
	if len(p) == 0 {
		return nil
	}
	vs := make([]uint32, len(p)/4)
	for i := range vs {
		vs[i] = binary.LittleEndian.Uint32(p[i*4 : i*4+4])
	}
	return vs
}

func encodeRebaseRun(r RebaseFixupRun) []byte {
	buf := make([]byte, 4, 4+len(r.Patterns)*4)
	binary.LittleEndian.PutUint32(buf, r.SegIndex)
	for _, pat := range r.Patterns {
		raw, _ := pat.Pack()
		tmp := make([]byte, 4)
		binary.LittleEndian.PutUint32(tmp, raw)
		buf = append(buf, tmp...)
	}
	return buf
}

func decodeRebaseRun(p []byte) (RebaseFixupRun, error) {
	if len(p) < 4 || (len(p)-4)%4 != 0 {
		return RebaseFixupRun{}, fmt.Errorf("closure: malformed rebase-fixups record")
	}
	run := RebaseFixupRun{SegIndex: binary.LittleEndian.Uint32(p[0:4])}
	for off := 4; off < len(p); off += 4 {
		run.Patterns = append(run.Patterns, UnpackRebasePattern(binary.LittleEndian.Uint32(p[off:off+4])))
	}
	return run, nil
}

func encodeBindRun(r BindFixupRun) []byte {
	buf := make([]byte, 4, 4+len(r.Patterns)*16)
	binary.LittleEndian.PutUint32(buf, r.SegIndex)
	for _, pat := range r.Patterns {
		tmp := make([]byte, 16)
		raw, _ := pat.Target.Pack()
		binary.LittleEndian.PutUint64(tmp[0:8], raw)
		binary.LittleEndian.PutUint64(tmp[8:16], pat.StartVMOffset<<24|uint64(pat.SkipCount)<<16|uint64(pat.RepeatCount))
		buf = append(buf, tmp...)
	}
	return buf
}

func decodeBindRun(p []byte) (BindFixupRun, error) {
	if len(p) < 4 || (len(p)-4)%16 != 0 {
		return BindFixupRun{}, fmt.Errorf("closure: malformed bind-fixups record")
	}
	run := BindFixupRun{SegIndex: binary.LittleEndian.Uint32(p[0:4])}
	for off := 4; off < len(p); off += 16 {
		target := UnpackTarget(binary.LittleEndian.Uint64(p[off : off+8]))
		packed := binary.LittleEndian.Uint64(p[off+8 : off+16])
		run.Patterns = append(run.Patterns, BindPattern{
			Target:        target,
			StartVMOffset: packed >> 24,
			SkipCount:     uint8(packed >> 16),
			RepeatCount:   uint16(packed),
		})
	}
	return run, nil
}

func encodeTextFixup(t TextFixup) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], t.SegIndex)
	binary.LittleEndian.PutUint32(buf[4:8], t.Offset)
	raw, _ := t.Target.Pack()
	binary.LittleEndian.PutUint64(buf[8:16], raw)
	return buf
}

func decodeTextFixup(p []byte) (TextFixup, error) {
	if len(p) < 16 {
		return TextFixup{}, fmt.Errorf("closure: short text-fixups record")
	}
	return TextFixup{
		SegIndex: binary.LittleEndian.Uint32(p[0:4]),
		Offset:   binary.LittleEndian.Uint32(p[4:8]),
		Target:   UnpackTarget(binary.LittleEndian.Uint64(p[8:16])),
	}, nil
}

// encodeChainedFixup lays out one ChainedFixup as:
//
//	[0:4]   SegIndex
//	[4:8]   flags: bit0 IsBind, bit1 Auth, bit2 AuthAddrDiv, [8:24) AuthDiversity, [24:32) AuthKey
//	[8:16]  SegOffset
//	[16:24] Target.Pack() when IsBind, else RebaseTarget
func encodeChainedFixup(cf ChainedFixup) []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint32(buf[0:4], cf.SegIndex)

	var flags uint32
	if cf.IsBind {
		flags |= 1 << 0
	}
	if cf.Auth {
		flags |= 1 << 1
	}
	if cf.AuthAddrDiv {
		flags |= 1 << 2
	}
	flags |= uint32(cf.AuthDiversity) << 8
	flags |= uint32(cf.AuthKey) << 24
	binary.LittleEndian.PutUint32(buf[4:8], flags)

	binary.LittleEndian.PutUint64(buf[8:16], cf.SegOffset)
	if cf.IsBind {
		raw, _ := cf.Target.Pack()
		binary.LittleEndian.PutUint64(buf[16:24], raw)
	} else {
		binary.LittleEndian.PutUint64(buf[16:24], cf.RebaseTarget)
	}
	return buf
}

func decodeChainedFixup(p []byte) (ChainedFixup, error) {
	if len(p) < 24 {
		return ChainedFixup{}, fmt.Errorf("closure: short chained-fixup record")
	}
	flags := binary.LittleEndian.Uint32(p[4:8])
	cf := ChainedFixup{
		SegIndex:      binary.LittleEndian.Uint32(p[0:4]),
		IsBind:        flags&(1<<0) != 0,
		Auth:          flags&(1<<1) != 0,
		AuthAddrDiv:   flags&(1<<2) != 0,
		AuthDiversity: uint16(flags >> 8),
		AuthKey:       uint8(flags >> 24),
		SegOffset:     binary.LittleEndian.Uint64(p[8:16]),
	}
	raw := binary.LittleEndian.Uint64(p[16:24])
	if cf.IsBind {
		cf.Target = UnpackTarget(raw)
	} else {
		cf.RebaseTarget = raw
	}
	return cf, nil
}

func encodeCachePatch(c CachePatch) []byte {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint32(buf[0:4], c.OverriddenImageNum)
	binary.LittleEndian.PutUint64(buf[4:12], c.CacheExportOffset)
	raw, _ := c.Replacement.Pack()
	binary.LittleEndian.PutUint64(buf[12:20], raw)
	return buf
}

func decodeCachePatch(p []byte) (CachePatch, error) {
	if len(p) < 20 {
		return CachePatch{}, fmt.Errorf("closure: short cache-patch-info record")
	}
	return CachePatch{
		OverriddenImageNum: binary.LittleEndian.Uint32(p[0:4]),
		CacheExportOffset:  binary.LittleEndian.Uint64(p[4:12]),
		Replacement:        UnpackTarget(binary.LittleEndian.Uint64(p[12:20])),
	}, nil
}
