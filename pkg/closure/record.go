package closure

import (
	"encoding/binary"
	"fmt"
)

// Tag enumerates the closed set of attribute-record types a typed-byte
// container can hold (§4.D). Container types (ImageArray, Image, Closure)
// nest further records in their payload; everything else is raw attribute
// data.
type Tag uint8

const (
	TagClosure Tag = iota
	TagImageArray
	TagImage
	TagPathWithHash
	TagFileInodeAndTime
	TagCDHash
	TagUUID
	TagMappingInfo
	TagDiskSegment
	TagCacheSegment
	TagDependents
	TagInitOffsets
	TagDOFOffsets
	TagCodeSignLoc
	TagFairPlayLoc
	TagRebaseFixups
	TagBindFixups
	TagCachePatchInfo
	TagTextFixups
	TagImageOverride
	TagInitBefores
	TagChainedFixup
	TagClosureFlags
	TagImageFlags
	TagDyldCacheUUID
	TagMissingFiles
	TagEnvVar
	TagTopImage
	TagLibDyldEntry
	TagLibSystemNum
	TagBootUUID
	TagMainEntry
	TagStartEntry
	TagCacheOverrides
	TagInterposeTuples

	tagCount
)

var tagNames = [tagCount]string{
	TagClosure:              "closure",
	TagImageArray:           "image-array",
	TagImage:                "image",
	TagPathWithHash:         "path-with-hash",
	TagFileInodeAndTime:     "file-inode-and-time",
	TagCDHash:               "cd-hash",
	TagUUID:                 "uuid",
	TagMappingInfo:          "mapping-info",
	TagDiskSegment:          "disk-segment",
	TagCacheSegment:         "cache-segment",
	TagDependents:           "dependents",
	TagInitOffsets:          "init-offsets",
	TagDOFOffsets:           "dof-offsets",
	TagCodeSignLoc:          "code-sign-loc",
	TagFairPlayLoc:          "fair-play-loc",
	TagRebaseFixups:         "rebase-fixups",
	TagBindFixups:           "bind-fixups",
	TagCachePatchInfo:       "cache-patch-info",
	TagTextFixups:           "text-fixups",
	TagImageOverride:        "image-override",
	TagInitBefores:          "init-befores",
	TagChainedFixup:         "chained-fixup",
	TagClosureFlags:         "closure-flags",
	TagImageFlags:           "image-flags",
	TagDyldCacheUUID:        "dyld-cache-uuid",
	TagMissingFiles:         "missing-files",
	TagEnvVar:               "env-var",
	TagTopImage:             "top-image",
	TagLibDyldEntry:         "lib-dyld-entry",
	TagLibSystemNum:         "lib-system-num",
	TagBootUUID:             "boot-uuid",
	TagMainEntry:            "main-entry",
	TagStartEntry:           "start-entry",
	TagCacheOverrides:       "cache-overrides",
	TagInterposeTuples:      "interpose-tuples",
}

func (t Tag) String() string {
	if int(t) < len(tagNames) && tagNames[t] != "" {
		return tagNames[t]
	}
	return fmt.Sprintf("Tag(%d)", uint8(t))
}

// recordAlign is the alignment every encoded record is padded to (§6,
// "4-byte aligned throughout").
const recordAlign = 4

// EncodeRecord writes a single typed-byte record: a 4-byte header packing
// (type:8, payload_length:24) followed by payload, zero-padded to a 4-byte
// boundary.
func EncodeRecord(tag Tag, payload []byte) []byte {
	if len(payload) > 1<<24-1 {
		panic(fmt.Sprintf("closure: record payload %d exceeds 24-bit length field", len(payload)))
	}
	header := uint32(tag) | uint32(len(payload))<<8
	out := make([]byte, 4, 4+alignUp(len(payload)))
	binary.LittleEndian.PutUint32(out, header)
	out = append(out, payload...)
	for len(out)%recordAlign != 0 {
		out = append(out, 0)
	}
	return out
}

func alignUp(n int) int {
	return (n + recordAlign - 1) &^ (recordAlign - 1)
}

// DecodeRecord reads one record from the front of data, returning its tag,
// payload, and the remaining (4-byte aligned) bytes after it.
func DecodeRecord(data []byte) (tag Tag, payload []byte, rest []byte, err error) {
	if len(data) < 4 {
		return 0, nil, nil, fmt.Errorf("closure: truncated record header (%d bytes left)", len(data))
	}
	header := binary.LittleEndian.Uint32(data)
	tag = Tag(header & 0xFF)
	length := int(header >> 8)
	total := 4 + alignUp(length)
	if total > len(data) {
		return 0, nil, nil, fmt.Errorf("closure: record %s claims %d bytes, only %d available", tag, total, len(data))
	}
	return tag, data[4 : 4+length], data[total:], nil
}

// Reader walks a flat sequence of sibling records (a container's payload).
type Reader struct {
	data []byte
}

func NewReader(payload []byte) *Reader { return &Reader{data: payload} }

// Next returns the next record, or ok=false once the payload is exhausted.
func (r *Reader) Next() (tag Tag, payload []byte, ok bool, err error) {
	if len(r.data) == 0 {
		return 0, nil, false, nil
	}
	tag, payload, rest, err := DecodeRecord(r.data)
	if err != nil {
		return 0, nil, false, err
	}
	r.data = rest
	return tag, payload, true, nil
}

// Builder accumulates sibling records in canonical emission order for a
// container payload.
type Builder struct {
	buf []byte
}

func (b *Builder) Put(tag Tag, payload []byte) {
	b.buf = append(b.buf, EncodeRecord(tag, payload)...)
}

func (b *Builder) PutContainer(tag Tag, inner *Builder) {
	b.Put(tag, inner.Bytes())
}

func (b *Builder) Bytes() []byte { return b.buf }
