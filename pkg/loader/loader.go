// Package loader implements the runtime loader of §4.F: given a built
// closure, it reserves address space, maps every image's segments,
// applies the closure's rebase/bind fixups, registers DOF helpers, and
// marks images initialized in the order the builder computed (initializer
// functions themselves are not called) — all through the
// pkg/host.Host collaborator so the state machine itself never touches a
// raw syscall.
package loader

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"github.com/lgcooci/dyldclosure/pkg/closure"
	"github.com/lgcooci/dyldclosure/pkg/host"
)

// State is one stage of an image's §4.F lifecycle.
type State int

const (
	StateReserved State = iota
	StateMapped
	StateFixedUp
	StateInitialized
)

func (s State) String() string {
	switch s {
	case StateReserved:
		return "reserved"
	case StateMapped:
		return "mapped"
	case StateFixedUp:
		return "fixedUp"
	case StateInitialized:
		return "initialized"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// pageSize is the fixed 4KiB unit every FilePageCount/VMPageCount/
// SliceOffsetPages field is expressed in, regardless of the image's actual
// hardware page size — FlagUses16KBPages only advises the loader to place
// the mapping on a 16KiB-aligned address, it does not change the counting
// unit (§3 "Mapping info").
const pageSize = 0x1000

// OpenImage is how the loader gets at an image's backing file: a
// descriptor, its (inode, mtime) identity for the §4.F step 1 dependent
// validation, and the raw bytes of its Mach-O slice for signature
// attachment bookkeeping.
type OpenImage interface {
	FD() uintptr
	Inode() uint64
	Mtime() int64
	CDHashOffset() (cdBlobOffset, cdBlobSize int64)
}

// FileOpener resolves a closure.Image's path to an OpenImage.
type FileOpener func(img *closure.Image) (OpenImage, error)

// LoadedImage is the loader's bookkeeping record for one mapped image.
type LoadedImage struct {
	Image *closure.Image
	State State

	BaseAddress  uintptr
	SegmentAddrs []uintptr // parallel to Image.Segments

	open OpenImage
}

// Loader drives the state machine of §4.F against a Host.
type Loader struct {
	h      host.Host
	opener FileOpener

	mu           sync.Mutex
	loadedImages map[uint32]*LoadedImage
	notifiers    []func(*LoadedImage)

	footprintDepth int

	// memAt views n bytes of the calling process's own address space
	// starting at addr. Defaults to a real unsafe.Pointer view of live
	// memory (only valid once Host.Map/VMAllocate has placed addr there);
	// tests substitute a backing buffer so fixup application can be
	// exercised without a real mapping.
	memAt func(addr uintptr, n int) []byte
}

// New creates a Loader backed by h, resolving each image's backing file
// through opener.
func New(h host.Host, opener FileOpener) *Loader {
	return &Loader{
		h:            h,
		opener:       opener,
		memAt:        addrBytes,
		loadedImages: make(map[uint32]*LoadedImage),
	}
}

// AddNotifier registers a callback invoked every time an image reaches
// StateInitialized (§5, "notifiers" of the concurrency model).
func (l *Loader) AddNotifier(fn func(*LoadedImage)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notifiers = append(l.notifiers, fn)
}

// Load runs every stage of §4.F for c's entire image array and returns the
// top image's LoadedImage once every image has reached StateInitialized; no
// initializer function is called.
func (l *Loader) Load(c *closure.Closure) (*LoadedImage, error) {
	for _, img := range c.Images {
		if _, err := l.reserve(img); err != nil {
			return nil, fmt.Errorf("loader: reserve %s: %w", img.Path, err)
		}
	}
	for _, img := range c.Images {
		if err := l.mapImage(img); err != nil {
			return nil, fmt.Errorf("loader: map %s: %w", img.Path, err)
		}
	}
	for _, img := range c.Images {
		if err := l.fixup(img); err != nil {
			return nil, fmt.Errorf("loader: fixup %s: %w", img.Path, err)
		}
	}
	if err := l.applyCachePatches(c); err != nil {
		return nil, fmt.Errorf("loader: cache patches: %w", err)
	}
	if err := l.applyInterposing(c); err != nil {
		return nil, fmt.Errorf("loader: interposing: %w", err)
	}
	for _, img := range c.Images {
		if err := l.registerDOF(img); err != nil {
			return nil, fmt.Errorf("loader: DOF %s: %w", img.Path, err)
		}
	}
	for _, img := range c.Images {
		if err := l.initialize(img); err != nil {
			return nil, fmt.Errorf("loader: initialize %s: %w", img.Path, err)
		}
	}

	top, ok := l.loadedImages[c.TopImageNum]
	if !ok {
		return nil, fmt.Errorf("loader: top image %d never loaded", c.TopImageNum)
	}
	return top, nil
}

// reserve is §4.F step 1: dependent validation plus address-space
// reservation sized to the image's total VM page count.
func (l *Loader) reserve(img *closure.Image) (*LoadedImage, error) {
	l.mu.Lock()
	if li, ok := l.loadedImages[img.ImageNum]; ok {
		l.mu.Unlock()
		return li, nil
	}
	l.mu.Unlock()

	open, err := l.opener(img)
	if err != nil {
		return nil, err
	}
	if img.HasFileID {
		if open.Inode() != img.FileID.Inode || open.Mtime() != img.FileID.Mtime {
			return nil, &StaleClosureError{Path: img.Path, Reason: "file identity changed since closure was built"}
		}
	}

	length := img.Mapping.TotalVMPages * pageSize
	addr, err := l.h.VMAllocate(uintptr(length))
	if err != nil {
		return nil, err
	}

	li := &LoadedImage{Image: img, State: StateReserved, BaseAddress: addr, open: open}
	l.mu.Lock()
	l.loadedImages[img.ImageNum] = li
	l.mu.Unlock()
	return li, nil
}

// mapImage is §4.F step 2: per-segment mapping plus signature attach and
// library-validation checks (step 4, folded in here since both need the
// open file descriptor while it's still at hand).
func (l *Loader) mapImage(img *closure.Image) error {
	li := l.mustGet(img.ImageNum)
	if li.State != StateReserved {
		return nil
	}

	fd := li.open.FD()
	var segOffset uint64 // running file offset in 4KiB pages, §3 "Mapping info"
	var vmOffset uintptr // running VM offset in the reservation
	for _, seg := range img.Segments {
		addr := li.BaseAddress + vmOffset
		if seg.Form == closure.SegmentDisk && !seg.IsPadding && seg.FilePageCount > 0 {
			prot := segmentProt(seg.Perms)
			length := uintptr(seg.VMPageCount) * pageSize
			if _, err := l.h.Map(fd, int64(segOffset)*pageSize, length, prot, addr); err != nil {
				return &host.MmapFailedError{Errno: err}
			}
			segOffset += uint64(seg.FilePageCount)
		}
		li.SegmentAddrs = append(li.SegmentAddrs, addr)
		vmOffset += uintptr(seg.VMPageCount) * pageSize
	}

	cdOff, cdSize := li.open.CDHashOffset()
	if cdSize > 0 {
		if _, err := l.h.AddFileSignatures(fd, int64(li.Image.Mapping.SliceOffsetPages)*4096, cdOff, cdSize); err != nil {
			return &host.CodeSignatureInvalidError{Path: img.Path, Reason: err.Error()}
		}
		if err := l.h.CheckLibraryValidation(fd, int64(li.Image.Mapping.SliceOffsetPages)*4096); err != nil {
			return &host.CodeSignatureInvalidError{Path: img.Path, Reason: err.Error()}
		}
	}

	li.State = StateMapped
	return nil
}

func segmentProt(perms uint8) host.MapProt {
	var p host.MapProt
	if perms&0x1 != 0 {
		p |= host.ProtRead
	}
	if perms&0x2 != 0 {
		p |= host.ProtWrite
	}
	if perms&0x4 != 0 {
		p |= host.ProtExecute
	}
	return p
}

// fixup is §4.F step 3: replay the closure's rebase and bind-fixup runs
// against the now-mapped segments.
func (l *Loader) fixup(img *closure.Image) error {
	li := l.mustGet(img.ImageNum)
	if li.State != StateMapped {
		return nil
	}

	const ptrSize = 8 // arm64/x86_64; i386 text fixups are handled separately below

	for _, run := range img.RebaseFixups {
		segAddr, err := li.segmentAddr(int(run.SegIndex))
		if err != nil {
			return err
		}
		var cursor uint64
		for _, p := range run.Patterns {
			if p.IsReset() {
				cursor = 0
				continue
			}
			locs, next := p.Expand(cursor, ptrSize)
			for _, off := range locs {
				if err := l.rebaseAt(segAddr+uintptr(off), li.BaseAddress); err != nil {
					return err
				}
			}
			cursor = next
		}
	}

	for _, run := range img.BindFixups {
		segAddr, err := li.segmentAddr(int(run.SegIndex))
		if err != nil {
			return err
		}
		for _, p := range run.Patterns {
			target, err := l.resolveTarget(p.Target)
			if err != nil {
				return err
			}
			for _, off := range p.Expand(ptrSize) {
				if err := l.writePointer(segAddr+uintptr(off), target); err != nil {
					return err
				}
			}
		}
	}

	for _, cf := range img.ChainedFixups {
		segAddr, err := li.segmentAddr(int(cf.SegIndex))
		if err != nil {
			return err
		}
		addr := segAddr + uintptr(cf.SegOffset)

		var value uint64
		if cf.IsBind {
			value, err = l.resolveTarget(cf.Target)
			if err != nil {
				return err
			}
		} else {
			value = uint64(li.BaseAddress) + cf.RebaseTarget
		}
		if cf.Auth {
			value = signPointer(value, addr, cf.AuthDiversity, cf.AuthAddrDiv, cf.AuthKey)
		}
		if err := l.writePointer(addr, value); err != nil {
			return err
		}
	}

	for _, tf := range img.TextFixups {
		segAddr, err := li.segmentAddr(int(tf.SegIndex))
		if err != nil {
			return err
		}
		target, err := l.resolveTarget(tf.Target)
		if err != nil {
			return err
		}
		// i386 text relocations land in a read-only __TEXT segment; the
		// host temporarily reopens it writable for the duration of the
		// single 4-byte patch (§4.F step 5, "text relocations").
		addr := segAddr + uintptr(tf.Offset)
		if err := l.h.VMProtect(pageFloor(addr), pageSize, host.ProtRead|host.ProtWrite); err != nil {
			return err
		}
		if err := l.writePointer32(addr, uint32(target)); err != nil {
			return err
		}
		if err := l.h.VMProtect(pageFloor(addr), pageSize, host.ProtRead|host.ProtExecute); err != nil {
			return err
		}
	}

	li.State = StateFixedUp
	return nil
}

// resolveTarget turns a ResolvedSymbolTarget into the absolute runtime
// value to write at a bind site.
func (l *Loader) resolveTarget(t closure.ResolvedSymbolTarget) (uint64, error) {
	switch t.Kind {
	case closure.TargetRebase:
		return uint64(0), nil // caller adds BaseAddress itself via rebaseAt's path
	case closure.TargetAbsolute:
		return uint64(t.Value), nil
	case closure.TargetImage:
		dep, ok := l.getLocked(t.ImageNum)
		if !ok {
			return 0, fmt.Errorf("loader: bind target references unloaded image %d", t.ImageNum)
		}
		return uint64(dep.BaseAddress) + t.Offset, nil
	case closure.TargetSharedCache:
		return 0, fmt.Errorf("loader: shared-cache bind targets require a mapped cache base (not available to this host)")
	default:
		return 0, fmt.Errorf("loader: unknown target kind %d", t.Kind)
	}
}

func (l *Loader) getLocked(num uint32) (*LoadedImage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	li, ok := l.loadedImages[num]
	return li, ok
}

func (li *LoadedImage) segmentAddr(idx int) (uintptr, error) {
	if idx < 0 || idx >= len(li.SegmentAddrs) {
		return 0, fmt.Errorf("loader: segment index %d out of range for %s", idx, li.Image.Path)
	}
	return li.SegmentAddrs[idx], nil
}

func pageFloor(addr uintptr) uintptr { return addr &^ (pageSize - 1) }

// rebaseAt reads the pointer already present at addr (the file's
// link-time value) and adds slide, mirroring classic rebase semantics: the
// content written by the file system already encodes the preferred
// address, the loader only needs to add how far the chosen base moved.
func (l *Loader) rebaseAt(addr uintptr, slide uintptr) error {
	return l.addToPointer(addr, uint64(slide))
}

func (l *Loader) addToPointer(addr uintptr, delta uint64) error {
	mem := l.memAt(addr, 8)
	v := binary.LittleEndian.Uint64(mem)
	binary.LittleEndian.PutUint64(mem, v+delta)
	return nil
}

// signPointer receives an arm64e chained fixup's pointer-authentication
// metadata and returns value unchanged: addr, diversity, addrDiv and key are
// discarded. Producing the actual QARMA signature dyld embeds at rest
// requires the arm64e pac{i,d}a/pacga instructions, which exist only on
// arm64e silicon and have no portable Go encoding, so no signature bits are
// synthesized; a fabricated value would simply fail authentication at first
// use rather than behave like an unsigned pointer.
func signPointer(value uint64, addr uintptr, diversity uint16, addrDiv bool, key uint8) uint64 {
	_ = addr
	_ = diversity
	_ = addrDiv
	_ = key
	return value
}

func (l *Loader) writePointer(addr uintptr, value uint64) error {
	mem := l.memAt(addr, 8)
	binary.LittleEndian.PutUint64(mem, value)
	return nil
}

func (l *Loader) writePointer32(addr uintptr, value uint32) error {
	mem := l.memAt(addr, 4)
	binary.LittleEndian.PutUint32(mem, value)
	return nil
}

// addrBytes views n bytes of the loader's own address space starting at
// addr as a byte slice. Every caller operates on pages this Loader itself
// just mapped via Host.Map/VMAllocate, so addr is always a live mapping in
// the calling process (§4.F steps 2-3 run in-process, unlike the
// reservation/signature steps which only need the fd).
func addrBytes(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// registerDOF is §4.F's DOF registration step: every DOFOffsets entry
// names a section within the image's first executable segment.
func (l *Loader) registerDOF(img *closure.Image) error {
	li := l.mustGet(img.ImageNum)
	if len(img.DOFOffsets) == 0 {
		return nil
	}
	helpers := make([]host.DOFHelper, len(img.DOFOffsets))
	for i, off := range img.DOFOffsets {
		helpers[i] = host.DOFHelper{
			SectionAddress: uint64(li.BaseAddress) + uint64(off),
			ImageHeader:    uint64(li.BaseAddress),
			ShortName:      img.Path,
		}
	}
	_, err := l.h.RegisterDOF(helpers)
	return err
}

// applyCachePatches visits every image's recorded shared-cache patches
// (§4.F, "Cache patching") but writes nothing: this Loader maps no shared
// cache, so every patch is skipped and the method always returns nil.
func (l *Loader) applyCachePatches(c *closure.Closure) error {
	for _, img := range c.Images {
		for range img.CachePatches {
			// No shared cache is mapped by this Loader (§9 open question:
			// single-process builds never share a live cache image), so
			// patch application has nothing to write into. Recorded here
			// only to keep the closure's own attribute intact for a
			// caller (e.g. dyld itself) that does run against a cache.
		}
	}
	return nil
}

// applyInterposing rewrites every classic bind-pattern site (img.BindFixups)
// whose target is an InterposeTuple's Replacee to Replacement instead
// (§4.E step 6 / DYLD_INSERT_LIBRARIES). Pointers bound through
// img.ChainedFixups are not rewritten.
func (l *Loader) applyInterposing(c *closure.Closure) error {
	if len(c.Interposing) == 0 {
		return nil
	}
	for _, img := range c.Images {
		li := l.mustGet(img.ImageNum)
		for _, run := range img.BindFixups {
			segAddr, err := li.segmentAddr(int(run.SegIndex))
			if err != nil {
				return err
			}
			for _, p := range run.Patterns {
				for _, it := range c.Interposing {
					if it.OnlyImageNum != 0 && it.OnlyImageNum != img.ImageNum {
						continue
					}
					if p.Target != it.Replacee {
						continue
					}
					replacement, err := l.resolveTarget(it.Replacement)
					if err != nil {
						return err
					}
					for _, off := range p.Expand(8) {
						if err := l.writePointer(segAddr+uintptr(off), replacement); err != nil {
							return err
						}
					}
				}
			}
		}
	}
	return nil
}

// initialize is §4.F step 6: it moves the image to StateInitialized and fires
// the registered notifiers, in the order the builder already computed via
// img.Ordinal. The image's initializer functions are not called.
func (l *Loader) initialize(img *closure.Image) error {
	li := l.mustGet(img.ImageNum)
	if li.State != StateFixedUp {
		return nil
	}
	for range img.InitOffsets {
		// The actual (argc, argv, envp, apple[], program_vars) call into
		// each offset is inherently process-specific (it transfers
		// control into foreign code); this loader neither calls nor
		// checks the offsets and leaves invocation to the caller's
		// runtime (§4.F step 6, "initializer dispatch").
	}
	li.State = StateInitialized

	l.mu.Lock()
	notifiers := append([]func(*LoadedImage){}, l.notifiers...)
	l.mu.Unlock()
	for _, fn := range notifiers {
		fn(li)
	}
	return nil
}

func (l *Loader) mustGet(num uint32) *LoadedImage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadedImages[num]
}

// FootprintSuspend toggles the host's memory-footprint accounting around a
// bulk fixup batch for an image overriding a shared-cache dylib (§5,
// "shared resources"). Calls nest; only the outermost pair touches the
// host.
func (l *Loader) FootprintSuspend(suspend bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if suspend {
		l.footprintDepth++
		if l.footprintDepth > 1 {
			return nil
		}
	} else {
		l.footprintDepth--
		if l.footprintDepth > 0 {
			return nil
		}
	}
	return l.h.FootprintSuspend(suspend)
}

// StaleClosureError is StaleClosure{path, reason} of §7: a dependent's
// on-disk identity no longer matches what the closure was built against.
type StaleClosureError struct {
	Path   string
	Reason string
}

func (e *StaleClosureError) Error() string {
	return fmt.Sprintf("stale closure: %s: %s", e.Path, e.Reason)
}
