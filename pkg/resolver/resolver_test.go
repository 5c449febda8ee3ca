package resolver

import (
	"errors"
	"testing"

	macho "github.com/lgcooci/dyldclosure"
	"github.com/lgcooci/dyldclosure/pkg/closure"
)

type fakeImage struct {
	path        string
	num         uint32
	base        uint64
	weakDefs    bool
	rtldLocal   bool
	inCache     bool
	dependents  map[int]Image
}

func (f *fakeImage) Path() string               { return f.path }
func (f *fakeImage) ImageNum() uint32            { return f.num }
func (f *fakeImage) MachO() *macho.File          { return nil }
func (f *fakeImage) BaseAddress() uint64         { return f.base }
func (f *fakeImage) HasWeakDefs() bool           { return f.weakDefs }
func (f *fakeImage) RTLDLocal() bool             { return f.rtldLocal }
func (f *fakeImage) InSharedCache() bool         { return f.inCache }
func (f *fakeImage) Dependent(ord int) (Image, bool) {
	dep, ok := f.dependents[ord]
	return dep, ok
}

type fakeUniverse struct {
	order     []Image
	main      Image
	cacheBase uint64
}

func (u *fakeUniverse) LoadOrder() []Image        { return u.order }
func (u *fakeUniverse) MainExecutable() Image     { return u.main }
func (u *fakeUniverse) CacheBaseAddress() uint64  { return u.cacheBase }
func (u *fakeUniverse) Count() int                { return len(u.order) }

func TestTargetForSharedCache(t *testing.T) {
	img := &fakeImage{inCache: true}
	got, err := targetFor(img, 0x1000, 0x800)
	if err != nil {
		t.Fatalf("targetFor: %v", err)
	}
	want := closure.ResolvedSymbolTarget{Kind: closure.TargetSharedCache, Offset: 0x800}
	if got != want {
		t.Errorf("targetFor() = %+v, want %+v", got, want)
	}
}

func TestTargetForImage(t *testing.T) {
	img := &fakeImage{num: 7, base: 0x4000}
	got, err := targetFor(img, 0x4100, 0)
	if err != nil {
		t.Fatalf("targetFor: %v", err)
	}
	want := closure.ResolvedSymbolTarget{Kind: closure.TargetImage, ImageNum: 7, Offset: 0x100}
	if got != want {
		t.Errorf("targetFor() = %+v, want %+v", got, want)
	}
}

func TestResolveMissingWeakDependentResolvesAbsoluteZero(t *testing.T) {
	missing := &fakeImage{num: MissingWeakLinkedImage}
	client := &fakeImage{path: "/bin/main", dependents: map[int]Image{1: missing}}
	r := New(&fakeUniverse{})

	got, info, err := r.Resolve(client, 1, "someSymbol", true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Kind != closure.TargetAbsolute || got.Value != 0 {
		t.Errorf("Resolve() = %+v, want Absolute{0}", got)
	}
	if info.FoundIn != nil {
		t.Errorf("info.FoundIn = %+v, want nil", info.FoundIn)
	}
}

func TestResolveMissingWeakDependentNonWeakImportFails(t *testing.T) {
	missing := &fakeImage{num: MissingWeakLinkedImage}
	client := &fakeImage{path: "/bin/main", dependents: map[int]Image{1: missing}}
	r := New(&fakeUniverse{})

	_, _, err := r.Resolve(client, 1, "someSymbol", false)
	var missingErr *MissingSymbolError
	if !errors.As(err, &missingErr) {
		t.Fatalf("Resolve() error = %v, want *MissingSymbolError", err)
	}
	if missingErr.Symbol != "someSymbol" || missingErr.ClientPath != "/bin/main" {
		t.Errorf("unexpected error fields: %+v", missingErr)
	}
}

func TestResolveOrdinalOutOfRange(t *testing.T) {
	client := &fakeImage{path: "/bin/main"}
	r := New(&fakeUniverse{})

	if _, _, err := r.Resolve(client, 3, "sym", false); err == nil {
		t.Fatal("Resolve() with out-of-range ordinal: expected error, got nil")
	}
}

func TestResolveUnknownOrdinal(t *testing.T) {
	client := &fakeImage{path: "/bin/main"}
	r := New(&fakeUniverse{})

	if _, _, err := r.Resolve(client, -5, "sym", false); err == nil {
		t.Fatal("Resolve() with unknown negative ordinal: expected error, got nil")
	}
}

func TestResolveFlatNoMatchesWeakImport(t *testing.T) {
	u := &fakeUniverse{order: nil}
	r := New(u)
	client := &fakeImage{path: "/bin/main"}

	got, _, err := r.Resolve(client, OrdinalFlatLookup, "sym", true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Kind != closure.TargetAbsolute {
		t.Errorf("Resolve() = %+v, want Absolute", got)
	}
}

func TestResolveFlatNoMatchesStrongFails(t *testing.T) {
	u := &fakeUniverse{order: nil}
	r := New(u)
	client := &fakeImage{path: "/bin/main"}

	_, _, err := r.Resolve(client, OrdinalFlatLookup, "sym", false)
	var missingErr *MissingSymbolError
	if !errors.As(err, &missingErr) {
		t.Fatalf("Resolve() error = %v, want *MissingSymbolError", err)
	}
}

func TestResolveWeakCoalesceNoCandidates(t *testing.T) {
	u := &fakeUniverse{order: []Image{&fakeImage{weakDefs: false}}}
	r := New(u)
	client := &fakeImage{path: "/bin/main"}

	_, _, err := r.Resolve(client, OrdinalWeakDefCoalesce, "sym", false)
	var missingErr *MissingSymbolError
	if !errors.As(err, &missingErr) {
		t.Fatalf("Resolve() error = %v, want *MissingSymbolError", err)
	}
}

func TestMissingSymbolErrorMessage(t *testing.T) {
	err := &MissingSymbolError{ClientPath: "/bin/main", TargetPath: "/usr/lib/libFoo.dylib", Symbol: "_foo"}
	got := err.Error()
	if got == "" {
		t.Fatal("Error() returned empty string")
	}
}
