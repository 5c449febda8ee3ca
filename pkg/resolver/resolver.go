// Package resolver implements the symbol resolver of §4.C: given a bind
// site's (from_image, ordinal, name) it walks the export trie of the
// appropriate target image, chasing re-exports, and produces a
// closure.ResolvedSymbolTarget the builder can pack into a closure.
package resolver

import (
	"fmt"

	macho "github.com/lgcooci/dyldclosure"
	"github.com/lgcooci/dyldclosure/pkg/closure"
)

// Ordinal is a bind opcode's library ordinal. Positive values select the
// Nth dependent (1-based); the negative values below are the special
// ordinals of §4.C's table.
type Ordinal int32

const (
	OrdinalSelf            Ordinal = -1
	OrdinalMainExecutable  Ordinal = -2
	OrdinalFlatLookup      Ordinal = -3
	OrdinalWeakDefCoalesce Ordinal = -4
)

// MissingWeakLinkedImage is the sentinel ImageNum a Dependent lookup
// returns when the builder could not find a weak dependency's file.
const MissingWeakLinkedImage = closure.MissingWeakLinkedImage

// Image is the subset of a loaded image the resolver needs. The builder's
// BuilderLoadedImage implements it.
type Image interface {
	Path() string
	ImageNum() uint32
	MachO() *macho.File
	BaseAddress() uint64
	HasWeakDefs() bool
	RTLDLocal() bool
	InSharedCache() bool
	// Dependent returns the image at the given 1-based ordinal, or
	// ok=false if the ordinal is out of range. A weak dependent whose
	// file was never found is still present, with ImageNum() equal to
	// MissingWeakLinkedImage.
	Dependent(ordinal int) (dep Image, ok bool)
}

// Universe is the set of images a flat or weak-coalesce lookup searches,
// in load order, plus the two images addressable by special ordinal.
type Universe interface {
	LoadOrder() []Image
	MainExecutable() Image
	CacheBaseAddress() uint64
	// Count bounds re-export recursion (§4.C: "refuses cycles by
	// limiting to the number of images in the closure").
	Count() int
}

// Info describes where a resolution was found, beyond the packed target.
type Info struct {
	FoundIn Image
	IsWeak  bool
	// CachePatches holds the patch obligations produced by a
	// weak-def-coalesce resolution that picked a non-cache winner over
	// one or more cache definitions.
	CachePatches []closure.CachePatch
}

// MissingSymbolError is SymbolMissing{client, target, symbol} of §7.
type MissingSymbolError struct {
	ClientPath string
	TargetPath string
	Symbol     string
}

func (e *MissingSymbolError) Error() string {
	return fmt.Sprintf("symbol %q not found: %s needed by %s", e.Symbol, e.TargetPath, e.ClientPath)
}

// Resolver resolves bind sites against a Universe.
type Resolver struct {
	u Universe
}

func New(u Universe) *Resolver { return &Resolver{u: u} }

// Resolve implements §4.C. addend is folded into the returned target for
// Image/SharedCache kinds by the caller packing the bind pattern; the
// resolver itself only reports where the symbol was defined.
func (r *Resolver) Resolve(from Image, ordinal Ordinal, name string, weakImport bool) (closure.ResolvedSymbolTarget, *Info, error) {
	switch ordinal {
	case OrdinalSelf:
		return r.resolveInImage(from, from, name, weakImport)
	case OrdinalMainExecutable:
		return r.resolveInImage(from, r.u.MainExecutable(), name, weakImport)
	case OrdinalFlatLookup:
		return r.resolveFlat(from, name, weakImport)
	case OrdinalWeakDefCoalesce:
		return r.resolveWeakCoalesce(from, name, weakImport)
	default:
		if ordinal < 1 {
			return closure.ResolvedSymbolTarget{}, nil, fmt.Errorf("resolver: unknown ordinal %d for symbol %q", ordinal, name)
		}
		dep, ok := from.Dependent(int(ordinal))
		if !ok {
			return closure.ResolvedSymbolTarget{}, nil, fmt.Errorf("resolver: ordinal %d out of range resolving %q from %s", ordinal, name, from.Path())
		}
		if dep.ImageNum() == MissingWeakLinkedImage {
			if weakImport {
				return closure.ResolvedSymbolTarget{Kind: closure.TargetAbsolute}, &Info{}, nil
			}
			return closure.ResolvedSymbolTarget{}, nil, &MissingSymbolError{ClientPath: from.Path(), TargetPath: "<missing weak dependency>", Symbol: name}
		}
		return r.resolveInImage(from, dep, name, weakImport)
	}
}

func (r *Resolver) resolveInImage(from, target Image, name string, weakImport bool) (closure.ResolvedSymbolTarget, *Info, error) {
	sym, foundIn, err := r.walkExportTrie(target, name, r.u.Count())
	if err != nil {
		if weakImport {
			return closure.ResolvedSymbolTarget{Kind: closure.TargetAbsolute}, &Info{}, nil
		}
		return closure.ResolvedSymbolTarget{}, nil, &MissingSymbolError{ClientPath: from.Path(), TargetPath: target.Path(), Symbol: name}
	}
	t, err := targetFor(foundIn, sym.Value, r.u.CacheBaseAddress())
	if err != nil {
		return closure.ResolvedSymbolTarget{}, nil, err
	}
	return t, &Info{FoundIn: foundIn, IsWeak: sym.IsWeak}, nil
}

// walkExportTrie walks target's export trie, chasing re-exports through
// target's own Dependent links, and returns the image the symbol was
// ultimately defined in.
func (r *Resolver) walkExportTrie(target Image, name string, maxDepth int) (*macho.ExportedSymbol, Image, error) {
	found := target
	depResolver := func(ordinal int) (*macho.File, error) {
		dep, ok := found.Dependent(ordinal)
		if !ok {
			return nil, fmt.Errorf("resolver: re-export ordinal %d out of range in %s", ordinal, found.Path())
		}
		found = dep
		return dep.MachO(), nil
	}
	sym, err := macho.FindExportedSymbol(target.MachO(), name, depResolver, maxDepth)
	if err != nil {
		return nil, nil, err
	}
	return sym, found, nil
}

func (r *Resolver) resolveFlat(from Image, name string, weakImport bool) (closure.ResolvedSymbolTarget, *Info, error) {
	for _, img := range r.u.LoadOrder() {
		if img.RTLDLocal() {
			continue
		}
		sym, foundIn, err := r.walkExportTrie(img, name, r.u.Count())
		if err != nil {
			continue
		}
		t, err := targetFor(foundIn, sym.Value, r.u.CacheBaseAddress())
		if err != nil {
			return closure.ResolvedSymbolTarget{}, nil, err
		}
		return t, &Info{FoundIn: foundIn, IsWeak: sym.IsWeak}, nil
	}
	if weakImport {
		return closure.ResolvedSymbolTarget{Kind: closure.TargetAbsolute}, &Info{}, nil
	}
	return closure.ResolvedSymbolTarget{}, nil, &MissingSymbolError{ClientPath: from.Path(), TargetPath: "<flat namespace>", Symbol: name}
}

// weakCandidate is one definition found while scanning for a
// weak-def-coalesce resolution.
type weakCandidate struct {
	img    Image
	sym    *macho.ExportedSymbol
	weak   bool
}

// resolveWeakCoalesce implements §4.C's WEAK_DEF_COALESCE: search every
// image with weak-defs in load order; first non-weak definition wins,
// else first weak definition wins. When a non-cache image wins over one
// or more cache definitions, a cache-patch obligation is recorded for
// each so the running cache gets updated at load time.
func (r *Resolver) resolveWeakCoalesce(from Image, name string, weakImport bool) (closure.ResolvedSymbolTarget, *Info, error) {
	var candidates []weakCandidate
	for _, img := range r.u.LoadOrder() {
		if !img.HasWeakDefs() {
			continue
		}
		sym, foundIn, err := r.walkExportTrie(img, name, r.u.Count())
		if err != nil {
			continue
		}
		candidates = append(candidates, weakCandidate{img: foundIn, sym: sym, weak: sym.IsWeak})
	}
	if len(candidates) == 0 {
		if weakImport {
			return closure.ResolvedSymbolTarget{Kind: closure.TargetAbsolute}, &Info{}, nil
		}
		return closure.ResolvedSymbolTarget{}, nil, &MissingSymbolError{ClientPath: from.Path(), TargetPath: "<weak-def coalesce>", Symbol: name}
	}

	winner := candidates[0]
	for _, c := range candidates {
		if !c.weak {
			winner = c
			break
		}
	}

	winTarget, err := targetFor(winner.img, winner.sym.Value, r.u.CacheBaseAddress())
	if err != nil {
		return closure.ResolvedSymbolTarget{}, nil, err
	}

	info := &Info{FoundIn: winner.img, IsWeak: winner.weak}
	if !winner.img.InSharedCache() {
		for _, c := range candidates {
			if c.img == winner.img || !c.img.InSharedCache() {
				continue
			}
			info.CachePatches = append(info.CachePatches, closure.CachePatch{
				OverriddenImageNum: c.img.ImageNum(),
				CacheExportOffset:  c.sym.Value - r.u.CacheBaseAddress(),
				Replacement:        winTarget,
			})
		}
	}
	return winTarget, info, nil
}

func targetFor(img Image, value uint64, cacheBase uint64) (closure.ResolvedSymbolTarget, error) {
	if img.InSharedCache() {
		return closure.ResolvedSymbolTarget{Kind: closure.TargetSharedCache, Offset: value - cacheBase}, nil
	}
	return closure.ResolvedSymbolTarget{Kind: closure.TargetImage, ImageNum: img.ImageNum(), Offset: value - img.BaseAddress()}, nil
}
