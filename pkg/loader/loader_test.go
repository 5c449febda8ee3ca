package loader

import (
	"encoding/binary"
	"testing"

	"github.com/lgcooci/dyldclosure/pkg/closure"
	"github.com/lgcooci/dyldclosure/pkg/host"
)

// fakeOpenImage is a minimal OpenImage backed by a fixed identity; it
// never actually opens a file descriptor since Fake's Map/VMAllocate
// don't dereference fd.
type fakeOpenImage struct {
	inode uint64
	mtime int64
}

func (f fakeOpenImage) FD() uintptr                 { return 3 }
func (f fakeOpenImage) Inode() uint64                { return f.inode }
func (f fakeOpenImage) Mtime() int64                 { return f.mtime }
func (f fakeOpenImage) CDHashOffset() (int64, int64) { return 0, 0 }

func fixedOpener(identity fakeOpenImage) FileOpener {
	return func(img *closure.Image) (OpenImage, error) { return identity, nil }
}

// memBuffer backs l.memAt with a plain Go byte slice so fixup application
// can be exercised without a real mapping: tests that apply fixups set
// Fake's NextAddr to a small base (0, or 0x1000) so returned addresses
// index directly into the buffer.
func memBuffer(size int) func(addr uintptr, n int) []byte {
	buf := make([]byte, size)
	return func(addr uintptr, n int) []byte { return buf[addr : addr+uintptr(n)] }
}

func oneSegmentImage(num uint32) *closure.Image {
	return &closure.Image{
		ImageNum: num,
		Path:     "/usr/lib/libfoo.dylib",
		Mapping:  closure.MappingInfo{TotalVMPages: 1},
		Segments: []closure.Segment{
			{Form: closure.SegmentDisk, FilePageCount: 1, VMPageCount: 1, Perms: 0x3},
		},
	}
}

func TestLoadReachesInitializedWithNoFixups(t *testing.T) {
	img := oneSegmentImage(0)
	c := &closure.Closure{ImageArray: closure.ImageArray{Images: []*closure.Image{img}}, TopImageNum: 0}

	h := host.NewFake()
	h.NextAddr = 0
	l := New(h, fixedOpener(fakeOpenImage{inode: 1, mtime: 100}))
	l.memAt = memBuffer(1 << 16)

	top, err := l.Load(c)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if top.State != StateInitialized {
		t.Errorf("State = %v, want initialized", top.State)
	}
	if len(top.SegmentAddrs) != 1 {
		t.Fatalf("SegmentAddrs = %v, want 1 entry", top.SegmentAddrs)
	}
	if len(h.Mapped) != 1 {
		t.Errorf("host.Mapped = %v, want 1 mapping", h.Mapped)
	}
}

func TestReserveDetectsStaleClosure(t *testing.T) {
	img := oneSegmentImage(0)
	img.HasFileID = true
	img.FileID = closure.FileIdentity{Inode: 1, Mtime: 100}
	c := &closure.Closure{ImageArray: closure.ImageArray{Images: []*closure.Image{img}}, TopImageNum: 0}

	h := host.NewFake()
	l := New(h, fixedOpener(fakeOpenImage{inode: 1, mtime: 999})) // mtime mismatch

	_, err := l.Load(c)
	if err == nil {
		t.Fatal("expected stale-closure error")
	}
}

func TestFixupRebaseAddsSlide(t *testing.T) {
	img := oneSegmentImage(0)
	img.RebaseFixups = []closure.RebaseFixupRun{
		{SegIndex: 0, Patterns: []closure.RebasePattern{{RepeatCount: 1, ContigCount: 1, SkipCount: 0}}},
	}
	c := &closure.Closure{ImageArray: closure.ImageArray{Images: []*closure.Image{img}}, TopImageNum: 0}

	h := host.NewFake()
	h.NextAddr = 0x1000 // segment lands at a nonzero base so slide is observable
	l := New(h, fixedOpener(fakeOpenImage{}))
	mem := memBuffer(1 << 16)
	l.memAt = mem

	const linkTimeValue = uint64(0x5000)
	binary.LittleEndian.PutUint64(mem(0x1000, 8), linkTimeValue)

	if _, err := l.Load(c); err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := binary.LittleEndian.Uint64(mem(0x1000, 8))
	want := linkTimeValue + 0x1000
	if got != want {
		t.Errorf("rebased pointer = %#x, want %#x", got, want)
	}
}

func TestFixupBindWritesResolvedTarget(t *testing.T) {
	img := oneSegmentImage(0)
	img.BindFixups = []closure.BindFixupRun{
		{SegIndex: 0, Patterns: []closure.BindPattern{
			{Target: closure.ResolvedSymbolTarget{Kind: closure.TargetAbsolute, Value: 42}, StartVMOffset: 0, SkipCount: 0, RepeatCount: 1},
		}},
	}
	c := &closure.Closure{ImageArray: closure.ImageArray{Images: []*closure.Image{img}}, TopImageNum: 0}

	h := host.NewFake()
	h.NextAddr = 0
	l := New(h, fixedOpener(fakeOpenImage{}))
	mem := memBuffer(1 << 16)
	l.memAt = mem

	if _, err := l.Load(c); err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := binary.LittleEndian.Uint64(mem(0, 8))
	if got != 42 {
		t.Errorf("bound pointer = %d, want 42", got)
	}
}

func TestRegisterDOFRecordsHelpers(t *testing.T) {
	img := oneSegmentImage(0)
	img.DOFOffsets = []uint32{0x10, 0x20}
	c := &closure.Closure{ImageArray: closure.ImageArray{Images: []*closure.Image{img}}, TopImageNum: 0}

	h := host.NewFake()
	l := New(h, fixedOpener(fakeOpenImage{}))
	l.memAt = memBuffer(1 << 16)

	if _, err := l.Load(c); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(h.DOFHelpers) != 2 {
		t.Fatalf("DOFHelpers = %v, want 2 entries", h.DOFHelpers)
	}
}

func TestNotifierFiresOnInitialize(t *testing.T) {
	img := oneSegmentImage(0)
	c := &closure.Closure{ImageArray: closure.ImageArray{Images: []*closure.Image{img}}, TopImageNum: 0}

	h := host.NewFake()
	l := New(h, fixedOpener(fakeOpenImage{}))
	l.memAt = memBuffer(1 << 16)

	var notified *LoadedImage
	l.AddNotifier(func(li *LoadedImage) { notified = li })

	if _, err := l.Load(c); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if notified == nil || notified.Image.ImageNum != 0 {
		t.Errorf("notifier did not fire with the loaded image")
	}
}

func TestFootprintSuspendNestsToASingleHostCall(t *testing.T) {
	h := host.NewFake()
	l := New(h, fixedOpener(fakeOpenImage{}))

	if err := l.FootprintSuspend(true); err != nil {
		t.Fatal(err)
	}
	if err := l.FootprintSuspend(true); err != nil {
		t.Fatal(err)
	}
	if h.FootprintDepth != 1 {
		t.Errorf("FootprintDepth after two suspends = %d, want 1 (only the outer call reaches the host)", h.FootprintDepth)
	}

	if err := l.FootprintSuspend(false); err != nil {
		t.Fatal(err)
	}
	if h.FootprintDepth != 1 {
		t.Errorf("FootprintDepth after inner resume = %d, want still 1", h.FootprintDepth)
	}
	if err := l.FootprintSuspend(false); err != nil {
		t.Fatal(err)
	}
	if h.FootprintDepth != 0 {
		t.Errorf("FootprintDepth after outer resume = %d, want 0", h.FootprintDepth)
	}
}
