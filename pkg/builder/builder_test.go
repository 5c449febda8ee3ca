package builder

import "testing"

func TestCandidatePathsLiteral(t *testing.T) {
	got := CandidatePaths("/usr/lib/libSystem.B.dylib", nil, "/bin/ls", "/bin/ls")
	if len(got) != 1 || got[0] != "/usr/lib/libSystem.B.dylib" {
		t.Fatalf("CandidatePaths() = %v", got)
	}
}

func TestCandidatePathsLoaderPath(t *testing.T) {
	got := CandidatePaths("@loader_path/libfoo.dylib", nil, "/opt/app/bin/main", "/opt/app/bin/main")
	want := "/opt/app/bin/libfoo.dylib"
	if len(got) != 1 || got[0] != want {
		t.Fatalf("CandidatePaths() = %v, want [%s]", got, want)
	}
}

func TestCandidatePathsExecutablePath(t *testing.T) {
	got := CandidatePaths("@executable_path/../lib/libfoo.dylib", nil, "/opt/app/bin/helper", "/opt/app/bin/main")
	want := "/opt/app/lib/libfoo.dylib"
	if len(got) != 1 || got[0] != want {
		t.Fatalf("CandidatePaths() = %v, want [%s]", got, want)
	}
}

func TestCandidatePathsRpathSearchesEveryScope(t *testing.T) {
	stack := RPathStack{
		{ImagePath: "/opt/app/bin/main", Rpaths: []string{"/opt/app/lib"}},
		{ImagePath: "/opt/app/bin/main", Rpaths: []string{"/usr/local/lib"}},
	}
	got := CandidatePaths("@rpath/libfoo.dylib", stack, "/opt/app/bin/main", "/opt/app/bin/main")
	want := []string{"/opt/app/lib/libfoo.dylib", "/usr/local/lib/libfoo.dylib"}
	if len(got) != len(want) {
		t.Fatalf("CandidatePaths() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("CandidatePaths()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestNewRPathScopeExpandsVariants(t *testing.T) {
	scope := NewRPathScope("/opt/app/bin/main", []string{"@loader_path/../lib", "@executable_path/lib2"}, "/opt/app/bin/main")
	want := []string{"/opt/app/lib", "/opt/app/bin/lib2"}
	if len(scope.Rpaths) != len(want) {
		t.Fatalf("NewRPathScope().Rpaths = %v, want %v", scope.Rpaths, want)
	}
	for i := range want {
		if scope.Rpaths[i] != want[i] {
			t.Errorf("Rpaths[%d] = %s, want %s", i, scope.Rpaths[i], want[i])
		}
	}
}

func TestDependencyMissingErrorMessage(t *testing.T) {
	err := &DependencyMissingError{Client: "/bin/app", Path: "@rpath/libfoo.dylib", AttemptedPaths: []string{"/a/libfoo.dylib", "/b/libfoo.dylib"}}
	got := err.Error()
	if got == "" {
		t.Fatal("Error() returned empty string")
	}
}

func TestCompatVersionTooOldErrorMessage(t *testing.T) {
	err := &CompatVersionTooOldError{Client: "/bin/app", Dep: "/usr/lib/libfoo.dylib", Found: 0x10000, Required: 0x20000}
	got := err.Error()
	if got == "" {
		t.Fatal("Error() returned empty string")
	}
}

// fakeFS is a minimal FileSystem for tests that never need to actually
// parse a Mach-O (those paths are exercised indirectly through the
// pkg/closure and pkg/resolver package tests instead, since building a
// synthetic in-memory Mach-O binary here would dwarf the logic under
// test).
type fakeFS struct {
	stats map[string][2]int64 // path -> [inode, mtime]
}

func (f *fakeFS) Stat(path string) (uint64, int64, error) {
	v, ok := f.stats[path]
	if !ok {
		return 0, 0, errNotFound
	}
	return uint64(v[0]), v[1], nil
}

func (f *fakeFS) Open(path string) (SliceSource, error) { return nil, errNotFound }

var errNotFound = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "not found" }

func TestResolveOrLoadRecordsAttempts(t *testing.T) {
	fs := &fakeFS{stats: map[string][2]int64{}}
	b := New(fs, nil)
	_, _, err := b.resolveOrLoad([]string{"/a/libfoo.dylib", "/b/libfoo.dylib"}, "/bin/app", "@rpath/libfoo.dylib")
	if err == nil {
		t.Fatal("expected DependencyMissingError")
	}
	dm, ok := err.(*DependencyMissingError)
	if !ok {
		t.Fatalf("error = %T, want *DependencyMissingError", err)
	}
	if len(dm.AttemptedPaths) != 2 {
		t.Errorf("AttemptedPaths = %v, want 2 entries", dm.AttemptedPaths)
	}
}

type fakeCacheImage struct {
	num         uint32
	path        string
	installName string
}

func (c fakeCacheImage) ImageNum() uint32    { return c.num }
func (c fakeCacheImage) Path() string        { return c.path }
func (c fakeCacheImage) InstallName() string { return c.installName }

type fakeCacheIndex struct {
	byName map[string]fakeCacheImage
}

func (c *fakeCacheIndex) Lookup(installName string) (CacheImage, bool) {
	img, ok := c.byName[installName]
	return img, ok
}
func (c *fakeCacheIndex) UUID() [16]byte { return [16]byte{} }

func TestResolveOrLoadPrefersSharedCache(t *testing.T) {
	fs := &fakeFS{stats: map[string][2]int64{}}
	cache := &fakeCacheIndex{byName: map[string]fakeCacheImage{
		"/usr/lib/libSystem.B.dylib": {num: 42, path: "/usr/lib/libSystem.B.dylib"},
	}}
	b := New(fs, cache)
	img, fresh, err := b.resolveOrLoad([]string{"/usr/lib/libSystem.B.dylib"}, "/bin/app", "/usr/lib/libSystem.B.dylib")
	if err != nil {
		t.Fatalf("resolveOrLoad: %v", err)
	}
	if fresh {
		t.Error("cache-resident dependency should not be reported as freshly loaded")
	}
	if img.ImageNum != 42 {
		t.Errorf("ImageNum = %d, want 42", img.ImageNum)
	}
	if img.File != nil {
		t.Error("cache stand-in should carry no *macho.File")
	}
}

func TestInitializerOrderSkipsImagesWithoutFile(t *testing.T) {
	b := New(&fakeFS{}, nil)
	root := &BuilderLoadedImage{ImageNum: 0}
	leaf := &BuilderLoadedImage{ImageNum: 1}
	b.images = []*BuilderLoadedImage{root, leaf}
	b.byNum = map[uint32]*BuilderLoadedImage{0: root, 1: leaf}
	root.Dependents = []Dependent{{Kind: DependentRegular, ImageNum: 1}}

	// initializerOrder only orders images with a non-nil File; faking one up
	// is out of scope here (see fakeFS doc comment), so this test instead
	// checks that images without a File are skipped, and that the function
	// doesn't panic on a partially-populated graph.
	order := b.initializerOrder(root)
	if len(order) != 0 {
		t.Errorf("initializerOrder() with nil Files = %v, want empty (both images skipped)", order)
	}
}
