package closure

import (
	"encoding/binary"
	"fmt"
)

// ClosureFlags packs closure-wide booleans (used by "dlopen closures may
// omit some of these" style checks in the loader).
type ClosureFlags uint32

const (
	ClosureHasInsertedLibraries ClosureFlags = 1 << iota
	ClosureUsesCachedDyldData
	ClosureInitImageCount
)

// InterposeTuple rewrites binds of Replacee to resolve to Replacement
// instead, scoped to OnlyImageNum when nonzero (§3, DYLD_INSERT_LIBRARIES
// interposing).
type InterposeTuple struct {
	Replacee     ResolvedSymbolTarget
	Replacement  ResolvedSymbolTarget
	OnlyImageNum uint32 // 0 means "every image"
}

// Closure is the top-level record a builder produces and a loader
// consumes: an ImageArray plus the handful of closure-wide attributes
// needed to start the process (§3 "Closure").
type Closure struct {
	ImageArray

	TopImageNum    uint32
	LibDyldEntry   ResolvedSymbolTarget
	LibSystemNum   uint32
	MainEntry      ResolvedSymbolTarget
	HasMainEntry   bool
	StartEntry     ResolvedSymbolTarget
	HasStartEntry  bool
	EnvVars        []string
	MissingFiles   []string
	BootUUID       string
	DyldCacheUUID  [16]byte
	HasCacheUUID   bool
	Interposing    []InterposeTuple
	Flags          ClosureFlags
}

// Encode serializes the closure to its on-disk typed-byte form: a
// top-level TagClosure record whose payload is the ImageArray record
// followed by the closure-wide attribute records.
func (c *Closure) Encode() []byte {
	var b Builder

	b.buf = append(b.buf, c.ImageArray.Encode()...)

	top := make([]byte, 4)
	binary.LittleEndian.PutUint32(top, c.TopImageNum)
	b.Put(TagTopImage, top)

	libdyld, _ := c.LibDyldEntry.Pack()
	buf8 := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf8, libdyld)
	b.Put(TagLibDyldEntry, buf8)

	libsys := make([]byte, 4)
	binary.LittleEndian.PutUint32(libsys, c.LibSystemNum)
	b.Put(TagLibSystemNum, libsys)

	if c.HasMainEntry {
		raw, _ := c.MainEntry.Pack()
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, raw)
		b.Put(TagMainEntry, buf)
	}
	if c.HasStartEntry {
		raw, _ := c.StartEntry.Pack()
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, raw)
		b.Put(TagStartEntry, buf)
	}

	for _, e := range c.EnvVars {
		b.Put(TagEnvVar, []byte(e))
	}
	for _, m := range c.MissingFiles {
		b.Put(TagMissingFiles, []byte(m))
	}
	if c.BootUUID != "" {
		b.Put(TagBootUUID, []byte(c.BootUUID))
	}
	if c.HasCacheUUID {
		b.Put(TagDyldCacheUUID, c.DyldCacheUUID[:])
	}
	for _, it := range c.Interposing {
		b.Put(TagInterposeTuples, encodeInterposeTuple(it))
	}

	flags := make([]byte, 4)
	binary.LittleEndian.PutUint32(flags, uint32(c.Flags))
	b.Put(TagClosureFlags, flags)

	return EncodeRecord(TagClosure, b.Bytes())
}

// Decode reads a top-level closure record previously produced by Encode.
func Decode(data []byte) (*Closure, error) {
	tag, payload, _, err := DecodeRecord(data)
	if err != nil {
		return nil, err
	}
	if tag != TagClosure {
		return nil, fmt.Errorf("closure: expected closure record, got %s", tag)
	}

	imgArrTag, _, rest, err := DecodeRecord(payload)
	if err != nil {
		return nil, err
	}
	if imgArrTag != TagImageArray {
		return nil, fmt.Errorf("closure: closure payload does not begin with an image-array, got %s", imgArrTag)
	}
	imgArrLen := len(payload) - len(rest)
	arr, err := DecodeImageArray(payload[:imgArrLen])
	if err != nil {
		return nil, fmt.Errorf("closure: %w", err)
	}

	c := &Closure{ImageArray: *arr}
	r := NewReader(rest)
	for {
		rtag, p, ok, err := r.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch rtag {
		case TagTopImage:
			c.TopImageNum = binary.LittleEndian.Uint32(p)
		case TagLibDyldEntry:
			c.LibDyldEntry = UnpackTarget(binary.LittleEndian.Uint64(p))
		case TagLibSystemNum:
			c.LibSystemNum = binary.LittleEndian.Uint32(p)
		case TagMainEntry:
			c.MainEntry = UnpackTarget(binary.LittleEndian.Uint64(p))
			c.HasMainEntry = true
		case TagStartEntry:
			c.StartEntry = UnpackTarget(binary.LittleEndian.Uint64(p))
			c.HasStartEntry = true
		case TagEnvVar:
			c.EnvVars = append(c.EnvVars, string(p))
		case TagMissingFiles:
			c.MissingFiles = append(c.MissingFiles, string(p))
		case TagBootUUID:
			c.BootUUID = string(p)
		case TagDyldCacheUUID:
			copy(c.DyldCacheUUID[:], p)
			c.HasCacheUUID = true
		case TagInterposeTuples:
			it, err := decodeInterposeTuple(p)
			if err != nil {
				return nil, err
			}
			c.Interposing = append(c.Interposing, it)
		case TagClosureFlags:
			c.Flags = ClosureFlags(binary.LittleEndian.Uint32(p))
		}
	}
	return c, nil
}

func encodeInterposeTuple(it InterposeTuple) []byte {
	buf := make([]byte, 20)
	raw1, _ := it.Replacee.Pack()
	raw2, _ := it.Replacement.Pack()
	binary.LittleEndian.PutUint64(buf[0:8], raw1)
	binary.LittleEndian.PutUint64(buf[8:16], raw2)
	binary.LittleEndian.PutUint32(buf[16:20], it.OnlyImageNum)
	return buf
}

func decodeInterposeTuple(p []byte) (InterposeTuple, error) {
	if len(p) < 20 {
		return InterposeTuple{}, fmt.Errorf("closure: short interpose-tuples record")
	}
	return InterposeTuple{
		Replacee:     UnpackTarget(binary.LittleEndian.Uint64(p[0:8])),
		Replacement:  UnpackTarget(binary.LittleEndian.Uint64(p[8:16])),
		OnlyImageNum: binary.LittleEndian.Uint32(p[16:20]),
	}, nil
}
