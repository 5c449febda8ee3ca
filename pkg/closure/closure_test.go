package closure

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestResolvedSymbolTargetRoundTrip(t *testing.T) {
	tests := []ResolvedSymbolTarget{
		{Kind: TargetRebase},
		{Kind: TargetSharedCache, Offset: 0x1234},
		{Kind: TargetSharedCache, Offset: 1<<62 - 1},
		{Kind: TargetImage, ImageNum: 17, Offset: 0xabc},
		{Kind: TargetImage, ImageNum: 1<<22 - 1, Offset: 1<<40 - 1},
		{Kind: TargetAbsolute, Value: 0},
		{Kind: TargetAbsolute, Value: -1},
		{Kind: TargetAbsolute, Value: -4096},
	}
	for _, want := range tests {
		raw, err := want.Pack()
		if err != nil {
			t.Fatalf("Pack(%+v): %v", want, err)
		}
		got := UnpackTarget(raw)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestResolvedSymbolTargetOverflow(t *testing.T) {
	cases := []ResolvedSymbolTarget{
		{Kind: TargetSharedCache, Offset: 1 << 62},
		{Kind: TargetImage, ImageNum: 1 << 22},
		{Kind: TargetImage, Offset: 1 << 40},
	}
	for _, c := range cases {
		if _, err := c.Pack(); err == nil {
			t.Errorf("Pack(%+v): expected overflow error, got nil", c)
		}
	}
}

func TestRebasePatternRoundTrip(t *testing.T) {
	tests := []RebasePattern{
		{},
		{RepeatCount: 1, ContigCount: 1, SkipCount: 0},
		{RepeatCount: 1<<20 - 1, ContigCount: 255, SkipCount: 15},
	}
	for _, want := range tests {
		raw, err := want.Pack()
		if err != nil {
			t.Fatalf("Pack(%+v): %v", want, err)
		}
		if got := UnpackRebasePattern(raw); got != want {
			t.Errorf("round trip mismatch: want %+v, got %+v", want, got)
		}
	}
}

func TestRebasePatternExpand(t *testing.T) {
	p := RebasePattern{RepeatCount: 3, ContigCount: 2, SkipCount: 1}
	locs, next := p.Expand(0x100, 8)
	want := []uint64{0x100, 0x108, 0x118, 0x120, 0x130, 0x138}
	if diff := cmp.Diff(want, locs); diff != "" {
		t.Errorf("Expand locations mismatch (-want +got):\n%s", diff)
	}
	if wantNext := uint64(0x148); next != wantNext {
		t.Errorf("Expand next cursor = %#x, want %#x", next, wantNext)
	}
}

func TestBindPatternExpand(t *testing.T) {
	p := BindPattern{StartVMOffset: 0x40, SkipCount: 2, RepeatCount: 3}
	got := p.Expand(8)
	want := []uint64{0x40, 0x58, 0x70}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Expand mismatch (-want +got):\n%s", diff)
	}
}

func TestCompressRebaseContiguous(t *testing.T) {
	locs := []uint64{0x100, 0x108, 0x110, 0x118}
	got := CompressRebase(locs, 8)
	want := []RebasePattern{{RepeatCount: 1, ContigCount: 4, SkipCount: 0}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("CompressRebase mismatch (-want +got):\n%s", diff)
	}
}

func TestCompressRebaseStrided(t *testing.T) {
	locs := []uint64{0x100, 0x110, 0x120, 0x130}
	got := CompressRebase(locs, 8)
	want := []RebasePattern{{RepeatCount: 4, ContigCount: 1, SkipCount: 1}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("CompressRebase mismatch (-want +got):\n%s", diff)
	}
}

func TestCompressBindMerge(t *testing.T) {
	target := ResolvedSymbolTarget{Kind: TargetImage, ImageNum: 3, Offset: 0x10}
	sites := []BindSite{
		{VMOffset: 0x10, Target: target},
		{VMOffset: 0x20, Target: target},
		{VMOffset: 0x30, Target: target},
	}
	got := CompressBind(sites, 8)
	want := []BindPattern{{Target: target, StartVMOffset: 0x10, SkipCount: 1, RepeatCount: 3}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("CompressBind mismatch (-want +got):\n%s", diff)
	}
}

func sampleImage(num uint32) *Image {
	return &Image{
		ImageNum:   num,
		Path:       "/usr/lib/libSystem.B.dylib",
		AliasPaths: []PathHash{{Path: "/usr/lib/libSystem.dylib", Hash: HashPath("/usr/lib/libSystem.dylib")}},
		UUID:       [16]byte{1, 2, 3, 4},
		HasUUID:    true,
		CDHash:     [20]byte{5, 6, 7},
		HasCDHash:  true,
		Mapping:    MappingInfo{TotalVMPages: 12, SliceOffsetPages: 3},
		Segments: []Segment{
			{Form: SegmentDisk, FilePageCount: 4, VMPageCount: 4, Perms: 5},
			{Form: SegmentCache, CacheOffset: 0x1000, Size: 0x2000, Perms: 3},
		},
		Dependents: []Dependent{
			{Kind: DependentRegular, ImageNum: num + 1},
			{Kind: DependentWeak, ImageNum: MissingWeakLinkedImage},
		},
		Flags:       FlagIsDylib | FlagInSharedCache,
		InitOffsets: []uint32{0x1000, 0x2000},
		DOFOffsets:  []uint32{0x3000},
		RebaseFixups: []RebaseFixupRun{
			{SegIndex: 1, Patterns: []RebasePattern{{RepeatCount: 1, ContigCount: 2, SkipCount: 0}}},
		},
		BindFixups: []BindFixupRun{
			{SegIndex: 1, Patterns: []BindPattern{
				{Target: ResolvedSymbolTarget{Kind: TargetImage, ImageNum: 2, Offset: 8}, StartVMOffset: 0x40, SkipCount: 0, RepeatCount: 1},
			}},
		},
		ChainedFixups: []ChainedFixup{
			{SegIndex: 1, SegOffset: 0x100, IsBind: true, Target: ResolvedSymbolTarget{Kind: TargetSharedCache, Offset: 0x5000}},
			{SegIndex: 1, SegOffset: 0x108, RebaseTarget: 0x6000, Auth: true, AuthDiversity: 0x55, AuthAddrDiv: true, AuthKey: 1},
		},
		CachePatches: []CachePatch{
			{OverriddenImageNum: 9, CacheExportOffset: 0x200, Replacement: ResolvedSymbolTarget{Kind: TargetImage, ImageNum: num, Offset: 0x10}},
		},
	}
}

func TestImageRoundTrip(t *testing.T) {
	want := sampleImage(5)
	encoded := want.Encode()

	tag, payload, rest, err := DecodeRecord(encoded)
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if tag != TagImage {
		t.Fatalf("tag = %s, want image", tag)
	}
	if len(rest) != 0 {
		t.Fatalf("unexpected trailing bytes: %d", len(rest))
	}

	got, err := DecodeImage(payload)
	if err != nil {
		t.Fatalf("DecodeImage: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("image round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestImageArrayRoundTrip(t *testing.T) {
	want := &ImageArray{
		FirstImageNum: 3,
		Images:        []*Image{sampleImage(3), sampleImage(4)},
	}
	encoded := want.Encode()

	got, err := DecodeImageArray(encoded)
	if err != nil {
		t.Fatalf("DecodeImageArray: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("image array round trip mismatch (-want +got):\n%s", diff)
	}

	img, ok := got.ByImageNum(4)
	if !ok || img.Path != "/usr/lib/libSystem.B.dylib" {
		t.Errorf("ByImageNum(4) = %+v, %v", img, ok)
	}
	if _, ok := got.ByImageNum(99); ok {
		t.Errorf("ByImageNum(99) should not be found")
	}
}

func TestClosureRoundTrip(t *testing.T) {
	want := &Closure{
		ImageArray: ImageArray{
			FirstImageNum: 1,
			Images:        []*Image{sampleImage(1), sampleImage(2)},
		},
		TopImageNum:   1,
		LibDyldEntry:  ResolvedSymbolTarget{Kind: TargetImage, ImageNum: 2, Offset: 0x40},
		LibSystemNum:  2,
		MainEntry:     ResolvedSymbolTarget{Kind: TargetImage, ImageNum: 1, Offset: 0x100},
		HasMainEntry:  true,
		EnvVars:       []string{"DYLD_LIBRARY_PATH=/tmp/lib"},
		MissingFiles:  []string{"/opt/missing.dylib"},
		BootUUID:      "ABCDEF",
		DyldCacheUUID: [16]byte{9, 9, 9},
		HasCacheUUID:  true,
		Interposing: []InterposeTuple{
			{Replacee: ResolvedSymbolTarget{Kind: TargetImage, ImageNum: 1, Offset: 8},
				Replacement: ResolvedSymbolTarget{Kind: TargetImage, ImageNum: 2, Offset: 16}},
		},
		Flags: ClosureHasInsertedLibraries,
	}
	encoded := want.Encode()

	got, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("closure round trip mismatch (-want +got):\n%s", diff)
	}
}
