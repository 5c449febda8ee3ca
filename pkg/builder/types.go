// Package builder implements the dependency resolver and closure builder
// of §4.E: given a main executable path it walks the dylib dependency
// graph, resolves every symbol through pkg/resolver, and assembles a
// pkg/closure.Closure ready for the loader.
package builder

import (
	"fmt"
	"io"

	macho "github.com/lgcooci/dyldclosure"
	"github.com/lgcooci/dyldclosure/pkg/closure"
)

// DependentKind mirrors the load-command flavor a dependent edge came
// from (§4.E step 2).
type DependentKind = closure.DependentKind

const (
	DependentRegular  = closure.DependentRegular
	DependentWeak     = closure.DependentWeak
	DependentReexport = closure.DependentReexport
	DependentUpward   = closure.DependentUpward
)

// MissingWeakLinkedImage is the sentinel dependent ordinal recorded when
// a weak dependency's file could not be found.
const MissingWeakLinkedImage = closure.MissingWeakLinkedImage

// Dependent is one edge out of a BuilderLoadedImage's dependency list.
type Dependent struct {
	Kind     DependentKind
	Path     string // as it appeared in the load command, before expansion
	ImageNum uint32 // MissingWeakLinkedImage if unresolved
}

// BuilderLoadedImage is the builder's working record for one image that
// will end up new in the produced closure (§4.E, first paragraph).
type BuilderLoadedImage struct {
	Path   string
	File   *macho.File
	Source SliceSource

	SliceOffset int64
	Inode       uint64
	Mtime       int64

	ImageNum uint32
	Ordinal  int // assigned during initializer ordering; 0 until then, and for shared-cache stand-ins

	Dependents []Dependent

	UnmapWhenDone    bool
	ContentRebased   bool
	HasInits         bool
	MarkNeverUnload  bool
	RTLDLocal        bool
	IsBadImage       bool
	OverrideImageNum *uint32

	RebaseFixups  []closure.RebaseFixupRun
	BindFixups    []closure.BindFixupRun
	ChainedFixups []closure.ChainedFixup
}

func (b *BuilderLoadedImage) HasWeakDefsFlag() bool {
	if b.File == nil {
		return false
	}
	return b.File.FileHeader.Flags.WeakDefines()
}

// SliceSource is an open Mach-O slice plus the file metadata the builder
// needs for cache-invalidation and mapping (§4.F step 1).
type SliceSource interface {
	io.ReaderAt
	Size() int64
	Close() error
}

// FileSystem is the builder's filesystem collaborator: resolving a path
// to identity info and opening it for parsing. Kept separate from
// pkg/host because the builder runs before any image is mapped.
type FileSystem interface {
	Stat(path string) (inode uint64, mtime int64, err error)
	Open(path string) (SliceSource, error)
}

// CacheImage is a shared-cache-resident image as the builder sees it:
// enough to skip re-mapping and to detect an on-disk override.
type CacheImage interface {
	ImageNum() uint32
	Path() string
	InstallName() string
}

// CacheIndex answers "is this install name already in the shared cache,
// and under what image number" (§4.E step 2).
type CacheIndex interface {
	Lookup(installName string) (CacheImage, bool)
	UUID() [16]byte
}

// ErrCycle is the error for a cycle through non-upward edges (§3 invariant:
// "no cycle when restricted to non-upward edges"). Build does not return
// it: cycles are not detected, and initializerOrder visits each image once,
// so an image on such a cycle can precede one of its dependents.
var ErrCycle = fmt.Errorf("builder: dependency cycle through non-upward edges")

// DependencyMissingError is DependencyMissing{client, path, attempted_paths}
// of §7.
type DependencyMissingError struct {
	Client         string
	Path           string
	AttemptedPaths []string
}

func (e *DependencyMissingError) Error() string {
	return fmt.Sprintf("dependency %q of %s not found (tried %v)", e.Path, e.Client, e.AttemptedPaths)
}

// CompatVersionTooOldError is CompatVersionTooOld{client, dep, found, required}.
type CompatVersionTooOldError struct {
	Client   string
	Dep      string
	Found    uint32
	Required uint32
}

func (e *CompatVersionTooOldError) Error() string {
	return fmt.Sprintf("%s requires %s compat version >= %#x, found %#x", e.Client, e.Dep, e.Required, e.Found)
}
