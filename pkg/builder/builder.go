// Package builder implements the closure builder of §4.E: given a main
// executable path it walks the dylib dependency graph, resolves every
// bind site through pkg/resolver, and assembles a pkg/closure.Closure
// ready for the runtime loader.
package builder

import (
	"encoding/binary"
	"fmt"
	"path"
	"sort"
	"strings"

	macho "github.com/lgcooci/dyldclosure"
	"github.com/lgcooci/dyldclosure/pkg/closure"
	"github.com/lgcooci/dyldclosure/pkg/fixupchains"
	"github.com/lgcooci/dyldclosure/pkg/resolver"
	"github.com/lgcooci/dyldclosure/types"
)

// Builder walks a main executable's dependency graph and assembles the
// pkg/closure.Closure the runtime loader will replay.
type Builder struct {
	fs    FileSystem
	cache CacheIndex
	env   Environment

	images  []*BuilderLoadedImage
	byPath  map[string]*BuilderLoadedImage
	byNum   map[uint32]*BuilderLoadedImage
	nextNum uint32

	attempts map[string][]string // client path -> every path tried for a dep

	// warnings accumulates non-fatal diagnostics (§7: "a diagnostic carries
	// one error at a time plus a warnings list ... warnings accumulate ...
	// without halting" — a bad compat version is the example the spec
	// names). Build's terminal error, by contrast, is returned directly:
	// the builder has exactly one fatal condition at a time, so a bare
	// error return already is that one-error half of the diagnostic.
	warnings []string
}

// Warnings returns every non-fatal condition observed during the last
// Build call, in the order encountered.
func (b *Builder) Warnings() []string { return b.warnings }

// SetEnvironment installs the DYLD_* configuration this Build will honor:
// DYLD_INSERT_LIBRARIES images are force-loaded as direct dependents of the
// main executable, DYLD_LIBRARY_PATH/DYLD_FRAMEWORK_PATH candidates are
// tried ahead of each non-upward dependent's own search paths, and the
// DYLD_FALLBACK_* candidates after them (§6 "Environment").
func (b *Builder) SetEnvironment(e Environment) { b.env = e }

// New creates a Builder over the given filesystem and shared-cache index.
// cache may be nil when building without a shared cache present.
func New(fs FileSystem, cache CacheIndex) *Builder {
	return &Builder{
		fs:       fs,
		cache:    cache,
		byPath:   make(map[string]*BuilderLoadedImage),
		byNum:    make(map[uint32]*BuilderLoadedImage),
		attempts: make(map[string][]string),
	}
}

// Build runs the full §4.E algorithm for mainPath and returns the
// assembled closure.
func (b *Builder) Build(mainPath string) (*closure.Closure, error) {
	b.warnings = nil

	main, err := b.loadImage(mainPath)
	if err != nil {
		return nil, err
	}

	// DYLD_INSERT_LIBRARIES: force-loaded as direct regular dependents of
	// the main executable, ahead of its own declared dependents, so they
	// interpose before anything else initializes (§6 "Environment").
	queue := []*BuilderLoadedImage{main}
	for _, raw := range b.env.InsertLibraries {
		dep, fresh, err := b.resolveOrLoad([]string{raw}, mainPath, raw)
		if err != nil {
			return nil, err
		}
		main.Dependents = append(main.Dependents, Dependent{Kind: DependentRegular, ImageNum: dep.ImageNum})
		if fresh {
			queue = append(queue, dep)
		}
	}

	// Step 3: recursive breadth-first load of every non-upward dependent.
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.File == nil {
			continue // shared-cache stand-in, already resolved
		}

		stack := b.rpathStack(cur, mainPath)
		for _, d := range macho.ForEachDependent(cur.File) {
			if d.Kind == macho.DependentUpward {
				// Step 4: upward edges are resolved in a second pass once
				// every non-upward image is loaded, to tolerate cycles.
				cur.Dependents = append(cur.Dependents, Dependent{Kind: DependentUpward, ImageNum: MissingWeakLinkedImage})
				continue
			}

			candidates := b.withEnvCandidates(CandidatePaths(d.Path, stack, cur.Path, mainPath), d.Path)
			dep, freshlyLoaded, loadErr := b.resolveOrLoad(candidates, cur.Path, d.Path)
			if loadErr != nil {
				if d.Kind == macho.DependentWeak {
					cur.Dependents = append(cur.Dependents, Dependent{
						Kind:     DependentWeak,
						ImageNum: MissingWeakLinkedImage,
					})
					continue
				}
				return nil, loadErr
			}
			if msg := checkCompatVersion(cur.Path, dep, d); msg != "" {
				b.warnings = append(b.warnings, msg)
			}
			cur.Dependents = append(cur.Dependents, Dependent{
				Kind:     mainToBuilderKind(d.Kind),
				ImageNum: dep.ImageNum,
			})
			if freshlyLoaded {
				queue = append(queue, dep)
			}
		}
	}

	// Step 4 continued: second pass over dangling upward links, now that
	// every non-upward image is known.
	b.resolveUpwardLinks(mainPath)

	u := b.universe(main)
	res := resolver.New(u)

	// Step 5: fixup encoding for every loaded image.
	for _, img := range b.images {
		if err := b.encodeFixups(img, res); err != nil {
			return nil, err
		}
	}

	// Step 6: interposing tuples, gathered from every image's __DATA,
	// __interpose section.
	interposing, err := b.collectInterposing()
	if err != nil {
		return nil, err
	}

	// Step 7: initializer ordering, depth-first over non-upward edges,
	// and closure attribute assembly.
	for ord, img := range b.initializerOrder(main) {
		img.Ordinal = ord
	}

	return b.assembleClosure(main, interposing), nil
}

// resolveOrLoad tries every candidate path in order, loading the first one
// that exists. It records every attempted path for DependencyMissingError
// regardless of outcome, and reports whether the returned image was loaded
// for the first time by this call (so the caller knows to enqueue it).
func (b *Builder) resolveOrLoad(candidates []string, clientPath, rawPath string) (*BuilderLoadedImage, bool, error) {
	b.attempts[clientPath] = append(b.attempts[clientPath], candidates...)

	for _, p := range candidates {
		if existing, ok := b.byPath[p]; ok {
			return existing, false, nil
		}
	}
	for _, p := range candidates {
		if b.cache != nil {
			if ci, ok := b.cache.Lookup(p); ok {
				return b.adoptCacheImage(p, ci), false, nil
			}
		}
		if _, _, err := b.fs.Stat(p); err != nil {
			continue
		}
		img, err := b.loadImage(p)
		if err != nil {
			continue
		}
		return img, true, nil
	}
	return nil, false, &DependencyMissingError{Client: clientPath, Path: rawPath, AttemptedPaths: candidates}
}

// adoptCacheImage registers a shared-cache-resident dependency as a
// BuilderLoadedImage stand-in so the rest of the graph can reference it
// uniformly; it carries no *macho.File of its own since cache images are
// not individually re-parsed by the builder.
func (b *Builder) adoptCacheImage(p string, ci CacheImage) *BuilderLoadedImage {
	img := &BuilderLoadedImage{Path: p, ImageNum: ci.ImageNum()}
	b.byPath[p] = img
	b.byNum[img.ImageNum] = img
	return img
}

func (b *Builder) loadImage(p string) (*BuilderLoadedImage, error) {
	if existing, ok := b.byPath[p]; ok {
		return existing, nil
	}
	src, err := b.fs.Open(p)
	if err != nil {
		return nil, fmt.Errorf("builder: open %s: %w", p, err)
	}
	data := make([]byte, src.Size())
	if _, err := src.ReadAt(data, 0); err != nil {
		return nil, fmt.Errorf("builder: read %s: %w", p, err)
	}
	f, err := macho.ParseSlice(data, 0, "")
	if err != nil {
		return nil, fmt.Errorf("builder: parse %s: %w", p, err)
	}
	if err := macho.Validate(f, p); err != nil {
		return nil, fmt.Errorf("builder: validate %s: %w", p, err)
	}
	inode, mtime, err := b.fs.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("builder: stat %s: %w", p, err)
	}
	num := b.nextNum
	b.nextNum++
	img := &BuilderLoadedImage{
		Path:     p,
		File:     f,
		Source:   src,
		Inode:    inode,
		Mtime:    mtime,
		ImageNum: num,
	}
	b.images = append(b.images, img)
	b.byPath[p] = img
	b.byNum[num] = img
	return img, nil
}

// rpathStack returns the @rpath search scopes in effect for img's own
// dependents: img's own LC_RPATHs first, then the main executable's
// (dyld also layers in every frame between the root and img, but the
// builder only needs the two scopes it actually searches against here).
func (b *Builder) rpathStack(img *BuilderLoadedImage, mainExecutable string) RPathStack {
	var stack RPathStack
	if img.File != nil {
		stack = append(stack, NewRPathScope(img.Path, img.File.Rpaths(), mainExecutable))
	}
	if img.Path != mainExecutable {
		if main, ok := b.byPath[mainExecutable]; ok && main.File != nil {
			stack = append(stack, NewRPathScope(main.Path, main.File.Rpaths(), mainExecutable))
		}
	}
	return stack
}

// withEnvCandidates splices DYLD_LIBRARY_PATH/DYLD_FRAMEWORK_PATH ahead of
// base (they override the compiled-in search order) and
// DYLD_FALLBACK_LIBRARY_PATH/DYLD_FALLBACK_FRAMEWORK_PATH after it (they
// apply only once everything else has failed), per §6 "Environment".
func (b *Builder) withEnvCandidates(base []string, rawPath string) []string {
	leaf := path.Base(rawPath)
	var out []string
	for _, dir := range append(b.env.LibraryPath, b.env.FrameworkPath...) {
		out = append(out, path.Join(dir, leaf))
	}
	out = append(out, base...)
	for _, dir := range append(b.env.FallbackLibraryPath, b.env.FallbackFrameworkPath...) {
		out = append(out, path.Join(dir, leaf))
	}
	return out
}

func mainToBuilderKind(k macho.DependentKind) DependentKind {
	switch k {
	case macho.DependentWeak:
		return DependentWeak
	case macho.DependentReexport:
		return DependentReexport
	case macho.DependentUpward:
		return DependentUpward
	default:
		return DependentRegular
	}
}

// checkCompatVersion checks the §3 invariant that a client's recorded
// compat-version requirement does not exceed what the dependent actually
// offers as its current_version. A violation is a warning, not a build
// failure (§7: a bad compat version accumulates in the diagnostic's
// warnings list without halting) — it returns the empty string when there
// is nothing to report.
func checkCompatVersion(client string, dep *BuilderLoadedImage, d macho.Dependent) string {
	if dep.File == nil {
		return "" // shared-cache dependents are trusted as-is
	}
	id := dep.File.DylibID()
	if id == nil {
		return ""
	}
	found := uint32(id.DylibCmd.CurrentVersion)
	required := uint32(d.CompatVersion)
	if found < required {
		return (&CompatVersionTooOldError{
			Client:   client,
			Dep:      dep.Path,
			Found:    found,
			Required: required,
		}).Error()
	}
	return ""
}

// resolveUpwardLinks fills in the placeholder upward Dependent entries
// recorded during the main walk now that every non-upward image is known.
func (b *Builder) resolveUpwardLinks(mainExecutable string) {
	for _, img := range b.images {
		if img.File == nil {
			continue
		}
		stack := b.rpathStack(img, mainExecutable)
		upwardIdx := 0
		for _, d := range macho.ForEachDependent(img.File) {
			if d.Kind != macho.DependentUpward {
				continue
			}
			candidates := CandidatePaths(d.Path, stack, img.Path, mainExecutable)
			var found *BuilderLoadedImage
			for _, p := range candidates {
				if existing, ok := b.byPath[p]; ok {
					found = existing
					break
				}
			}
			n := -1
			for i := range img.Dependents {
				if img.Dependents[i].Kind != DependentUpward {
					continue
				}
				n++
				if n == upwardIdx {
					if found != nil {
						img.Dependents[i].ImageNum = found.ImageNum
					}
					break
				}
			}
			upwardIdx++
		}
	}
}

// resolverImage adapts a *BuilderLoadedImage (or a shared-cache stand-in)
// to resolver.Image.
type resolverImage struct {
	b   *Builder
	img *BuilderLoadedImage
}

func wrapResolverImage(b *Builder, img *BuilderLoadedImage) resolverImage {
	return resolverImage{b: b, img: img}
}

func (r resolverImage) Path() string        { return r.img.Path }
func (r resolverImage) ImageNum() uint32    { return r.img.ImageNum }
func (r resolverImage) MachO() *macho.File  { return r.img.File }
func (r resolverImage) BaseAddress() uint64 { return r.img.File.GetBaseAddress() }
func (r resolverImage) HasWeakDefs() bool   { return r.img.HasWeakDefsFlag() }
func (r resolverImage) RTLDLocal() bool     { return r.img.RTLDLocal }
func (r resolverImage) InSharedCache() bool { return r.img.File == nil }

func (r resolverImage) Dependent(ordinal int) (resolver.Image, bool) {
	if ordinal < 1 || ordinal > len(r.img.Dependents) {
		return nil, false
	}
	d := r.img.Dependents[ordinal-1]
	if d.ImageNum == MissingWeakLinkedImage {
		return nil, false
	}
	dep, ok := r.b.byNum[d.ImageNum]
	if !ok {
		return nil, false
	}
	return wrapResolverImage(r.b, dep), true
}

// builderUniverse adapts the Builder's loaded-image set to resolver.Universe.
type builderUniverse struct {
	b    *Builder
	main *BuilderLoadedImage
}

func (b *Builder) universe(main *BuilderLoadedImage) *builderUniverse {
	return &builderUniverse{b: b, main: main}
}

func (u *builderUniverse) LoadOrder() []resolver.Image {
	out := make([]resolver.Image, 0, len(u.b.images))
	for _, img := range u.b.images {
		out = append(out, wrapResolverImage(u.b, img))
	}
	return out
}

func (u *builderUniverse) MainExecutable() resolver.Image { return wrapResolverImage(u.b, u.main) }

// CacheBaseAddress is 0: the builder resolves cache-resident dependencies
// through CacheIndex stand-ins that carry no *macho.File, so no bind site
// the builder itself walks ever targets a cache virtual address directly.
func (u *builderUniverse) CacheBaseAddress() uint64 { return 0 }
func (u *builderUniverse) Count() int               { return len(u.b.images) }

// pointerSize reports the pointer width of img's Mach-O slice.
func pointerSize(f *macho.File) uint64 {
	if f.Magic == types.Magic64 {
		return 8
	}
	return 4
}

// encodeFixups decodes img's bind/rebase (classic or chained) sites and
// resolves each through res, populating img's fixup fields.
func (b *Builder) encodeFixups(img *BuilderLoadedImage, res *resolver.Resolver) error {
	if img.File == nil {
		return nil // shared-cache dependent, no fixups of its own to encode
	}
	self := wrapResolverImage(b, img)
	if img.File.HasFixups() {
		return b.encodeChainedFixups(img, res, self)
	}
	return b.encodeClassicFixups(img, res, self)
}

func (b *Builder) encodeClassicFixups(img *BuilderLoadedImage, res *resolver.Resolver, self resolverImage) error {
	ptrSize := pointerSize(img.File)

	rebaseBySeg := make(map[int][]uint64)
	if err := macho.ForEachRebase(img.File, func(e macho.RebaseEntry) macho.ControlFlow {
		rebaseBySeg[e.SegIndex] = append(rebaseBySeg[e.SegIndex], e.SegOffset)
		return macho.Continue
	}); err != nil {
		return fmt.Errorf("builder: rebase opcodes of %s: %w", img.Path, err)
	}
	for _, si := range sortedIntKeys(rebaseBySeg) {
		locs := rebaseBySeg[si]
		sort.Slice(locs, func(i, j int) bool { return locs[i] < locs[j] })
		img.RebaseFixups = append(img.RebaseFixups, closure.RebaseFixupRun{
			SegIndex: uint32(si),
			Patterns: closure.CompressRebase(locs, ptrSize),
		})
	}

	type bindSite struct {
		offset uint64
		target closure.ResolvedSymbolTarget
	}
	bindBySeg := make(map[int][]bindSite)
	var bindErr error
	if err := macho.ForEachBind(img.File, func(e macho.BindEntry) macho.ControlFlow {
		t, _, err := res.Resolve(self, resolver.Ordinal(int32(e.Ordinal)), e.Symbol, e.WeakImport)
		if err != nil {
			bindErr = err
			return macho.Break
		}
		if e.Addend != 0 && t.Kind != closure.TargetAbsolute {
			t.Offset += uint64(e.Addend)
		}
		bindBySeg[e.SegIndex] = append(bindBySeg[e.SegIndex], bindSite{offset: e.SegOffset, target: t})
		return macho.Continue
	}); err != nil {
		return fmt.Errorf("builder: bind opcodes of %s: %w", img.Path, err)
	}
	if bindErr != nil {
		return bindErr
	}
	for _, si := range sortedIntKeys(bindBySeg) {
		sites := bindBySeg[si]
		sort.Slice(sites, func(i, j int) bool { return sites[i].offset < sites[j].offset })
		cs := make([]closure.BindSite, len(sites))
		for i, s := range sites {
			cs[i] = closure.BindSite{VMOffset: s.offset, Target: s.target}
		}
		img.BindFixups = append(img.BindFixups, closure.BindFixupRun{
			SegIndex: uint32(si),
			Patterns: closure.CompressBind(cs, ptrSize),
		})
	}
	return nil
}

// encodeChainedFixups walks img's LC_DYLD_CHAINED_FIXUPS chains (§4.F step 5,
// "Chained:") and resolves every bind ordinal into a closure.ChainedFixup,
// carrying rebase targets and arm64e pointer-auth metadata straight through.
func (b *Builder) encodeChainedFixups(img *BuilderLoadedImage, res *resolver.Resolver, self resolverImage) error {
	imports := make(map[uint64]fixupchains.DcfImport)
	if err := macho.ForEachChainedFixupTarget(img.File, func(ordinal int, imp fixupchains.DcfImport) macho.ControlFlow {
		imports[uint64(ordinal)] = imp
		return macho.Continue
	}); err != nil {
		return fmt.Errorf("builder: chained fixup targets of %s: %w", img.Path, err)
	}

	resolved := make(map[uint64]closure.ResolvedSymbolTarget, len(imports))
	var fixups []closure.ChainedFixup
	var entryErr error
	if err := macho.ForEachChainedFixupEntry(img.File, func(e macho.ChainedFixupEntry) macho.ControlFlow {
		cf := closure.ChainedFixup{
			SegIndex:      uint32(e.SegIndex),
			SegOffset:     e.SegOffset,
			IsBind:        e.IsBind,
			RebaseTarget:  e.RebaseTarget,
			Auth:          e.Auth,
			AuthDiversity: e.AuthDiversity,
			AuthAddrDiv:   e.AuthAddrDiv,
			AuthKey:       e.AuthKey,
		}
		if e.IsBind {
			t, ok := resolved[e.Ordinal]
			if !ok {
				imp, known := imports[e.Ordinal]
				if !known {
					entryErr = fmt.Errorf("builder: chained fixup of %s references unknown import ordinal %d", img.Path, e.Ordinal)
					return macho.Break
				}
				var err error
				t, _, err = res.Resolve(self, resolver.Ordinal(int32(imp.Import.LibOrdinal())), imp.Name, imp.Import.WeakImport())
				if err != nil {
					entryErr = err
					return macho.Break
				}
				resolved[e.Ordinal] = t
			}
			if e.Addend != 0 && t.Kind != closure.TargetAbsolute {
				t.Offset += uint64(e.Addend)
			}
			cf.Target = t
		}
		fixups = append(fixups, cf)
		return macho.Continue
	}); err != nil {
		return fmt.Errorf("builder: chained fixup chain of %s: %w", img.Path, err)
	}
	if entryErr != nil {
		return entryErr
	}
	img.ChainedFixups = fixups
	return nil
}

func sortedIntKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// collectInterposing scans every loaded image's __DATA,__interpose section
// for (replacement, replacee) pointer pairs (§4.E step 6).
func (b *Builder) collectInterposing() ([]closure.InterposeTuple, error) {
	var out []closure.InterposeTuple
	for _, img := range b.images {
		if img.File == nil {
			continue
		}
		sec := img.File.Section("__DATA", "__interpose")
		if sec == nil {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return nil, fmt.Errorf("builder: read __interpose of %s: %w", img.Path, err)
		}
		const entrySize = 16
		for off := 0; off+entrySize <= len(data); off += entrySize {
			replacement := binary.LittleEndian.Uint64(data[off : off+8])
			replacee := binary.LittleEndian.Uint64(data[off+8 : off+16])
			base := img.File.GetBaseAddress()
			out = append(out, closure.InterposeTuple{
				Replacee:    closure.ResolvedSymbolTarget{Kind: closure.TargetImage, ImageNum: img.ImageNum, Offset: replacee - base},
				Replacement: closure.ResolvedSymbolTarget{Kind: closure.TargetImage, ImageNum: img.ImageNum, Offset: replacement - base},
			})
		}
	}
	return out, nil
}

// initializerOrder returns every loaded image in initializer-run order:
// depth-first over non-upward edges, each image after all of its
// non-upward dependents (§4.E step 7).
func (b *Builder) initializerOrder(main *BuilderLoadedImage) []*BuilderLoadedImage {
	var order []*BuilderLoadedImage
	visited := make(map[uint32]bool)

	var visit func(img *BuilderLoadedImage)
	visit = func(img *BuilderLoadedImage) {
		if img == nil || img.File == nil || visited[img.ImageNum] {
			return
		}
		visited[img.ImageNum] = true
		for _, d := range img.Dependents {
			if d.Kind == DependentUpward || d.ImageNum == MissingWeakLinkedImage {
				continue
			}
			visit(b.byNum[d.ImageNum])
		}
		order = append(order, img)
	}
	visit(main)
	for _, img := range b.images {
		visit(img)
	}
	return order
}

func (b *Builder) assembleClosure(main *BuilderLoadedImage, interposing []closure.InterposeTuple) *closure.Closure {
	arr := closure.ImageArray{}
	for _, img := range b.images {
		arr.Images = append(arr.Images, toClosureImage(img))
	}
	return &closure.Closure{
		ImageArray:  arr,
		TopImageNum: main.ImageNum,
		Interposing: interposing,
	}
}

// closurePageSize is the 4KiB counting unit of every Mapping/Segment page
// field, matching pkg/loader's own pageSize (§3 "Mapping info").
const closurePageSize = 0x1000

// modInitFuncSectionType is S_MOD_INIT_FUNC_POINTERS, the low byte of a
// section's flags word that marks it as a C++-style static-initializer
// pointer table (mach-o/loader.h); the teacher's types package exposes the
// raw byte but not a named constant for it.
const modInitFuncSectionType = 0x9

func toClosureImage(img *BuilderLoadedImage) *closure.Image {
	ci := &closure.Image{
		ImageNum:  img.ImageNum,
		Path:      img.Path,
		FileID:    closure.FileIdentity{Inode: img.Inode, Mtime: img.Mtime},
		HasFileID: true,
	}
	for _, d := range img.Dependents {
		ci.Dependents = append(ci.Dependents, closure.Dependent{Kind: d.Kind, ImageNum: d.ImageNum})
	}
	if img.HasWeakDefsFlag() {
		ci.Flags |= closure.FlagHasWeakDefs
	}
	if img.File != nil && img.File.DylibID() != nil {
		ci.Flags |= closure.FlagIsDylib
	}
	ci.RebaseFixups = img.RebaseFixups
	ci.BindFixups = img.BindFixups
	ci.ChainedFixups = img.ChainedFixups

	if img.File == nil {
		return ci // shared-cache stand-in: no mapping/segments of its own
	}

	fillMappingAndSegments(ci, img.File)
	ci.Mapping.SliceOffsetPages = uint32(img.SliceOffset / closurePageSize)
	fillInitAndDOFOffsets(ci, img.File)
	return ci
}

// fillMappingAndSegments converts the Mach-O's LC_SEGMENT(_64) commands
// into the closure's page-counted segment descriptors (§3 "Segment
// descriptor" and "Mapping info"). File-backed segments with no file
// content (Filesz 0, e.g. __LINKEDIT padding at the end of a page) are
// still recorded; a segment is marked IsPadding only when it carries VM
// pages but maps nothing from disk (__PAGEZERO).
func fillMappingAndSegments(ci *closure.Image, f *macho.File) {
	var totalVMPages uint64
	for _, seg := range f.Segments() {
		vmPages := uint32((seg.Memsz + closurePageSize - 1) / closurePageSize)
		filePages := uint32((seg.Filesz + closurePageSize - 1) / closurePageSize)
		ci.Segments = append(ci.Segments, closure.Segment{
			Form:          closure.SegmentDisk,
			FilePageCount: filePages,
			VMPageCount:   vmPages,
			IsPadding:     seg.Filesz == 0 && seg.Memsz > 0,
			Perms:         uint8(seg.Prot),
		})
		totalVMPages += uint64(vmPages)
	}
	ci.Mapping = closure.MappingInfo{TotalVMPages: totalVMPages}
}

// fillInitAndDOFOffsets scans every section for the C++ static-initializer
// pointer table and any DTrace DOF sections, recording each as an offset
// relative to the image's base address (§4.E step 7, §6 "DOF registration").
func fillInitAndDOFOffsets(ci *closure.Image, f *macho.File) {
	base := f.GetBaseAddress()
	for _, sec := range f.Sections {
		if sec.Type == modInitFuncSectionType {
			ci.InitOffsets = append(ci.InitOffsets, uint32(sec.Addr-base))
		}
		if strings.HasPrefix(sec.Name, "__dof_") {
			ci.DOFOffsets = append(ci.DOFOffsets, uint32(sec.Addr-base))
		}
	}
}
