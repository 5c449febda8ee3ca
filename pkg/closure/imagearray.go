package closure

import (
	"encoding/binary"
	"fmt"
)

// ImageArray is the `(first_image_num, count, offsets[count])` prefix that
// lets the runtime loader locate any image's record in O(1) without
// scanning (§4.D).
type ImageArray struct {
	FirstImageNum uint32
	Images        []*Image
}

// ImageNum returns the image number ImageArray would assign to Images[i].
func (a *ImageArray) ImageNum(i int) uint32 { return a.FirstImageNum + uint32(i) }

// ByImageNum looks up an image by its absolute image number in O(1).
func (a *ImageArray) ByImageNum(num uint32) (*Image, bool) {
	if num < a.FirstImageNum {
		return nil, false
	}
	idx := int(num - a.FirstImageNum)
	if idx >= len(a.Images) {
		return nil, false
	}
	return a.Images[idx], true
}

// Encode serializes the array as a TagImageArray container: the
// (first_image_num, count) header, an offsets table, then the image
// records themselves back to back so ByImageNum-style lookup can seek
// directly via the offsets table without linear scanning.
func (a *ImageArray) Encode() []byte {
	encoded := make([][]byte, len(a.Images))
	for i, img := range a.Images {
		encoded[i] = img.Encode()
	}

	header := make([]byte, 8+4*len(encoded))
	binary.LittleEndian.PutUint32(header[0:4], a.FirstImageNum)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(encoded)))

	body := make([]byte, 0)
	offset := uint32(len(header))
	for i, rec := range encoded {
		binary.LittleEndian.PutUint32(header[8+4*i:12+4*i], offset)
		body = append(body, rec...)
		offset += uint32(len(rec))
	}

	var b Builder
	b.Put(TagImageArray, append(header, body...))
	return b.Bytes()
}

// DecodeImageArray reads a top-level TagImageArray record.
func DecodeImageArray(data []byte) (*ImageArray, error) {
	tag, payload, _, err := DecodeRecord(data)
	if err != nil {
		return nil, err
	}
	if tag != TagImageArray {
		return nil, fmt.Errorf("closure: expected image-array record, got %s", tag)
	}
	if len(payload) < 8 {
		return nil, fmt.Errorf("closure: truncated image-array header")
	}
	a := &ImageArray{FirstImageNum: binary.LittleEndian.Uint32(payload[0:4])}
	count := binary.LittleEndian.Uint32(payload[4:8])
	if len(payload) < int(8+4*count) {
		return nil, fmt.Errorf("closure: truncated image-array offsets table")
	}
	offsets := make([]uint32, count)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint32(payload[8+4*i : 12+4*i])
	}
	a.Images = make([]*Image, count)
	for i, off := range offsets {
		if int(off) >= len(payload) {
			return nil, fmt.Errorf("closure: image-array offset %d out of range", off)
		}
		imgTag, imgPayload, _, err := DecodeRecord(payload[off:])
		if err != nil {
			return nil, fmt.Errorf("closure: image-array entry %d: %w", i, err)
		}
		if imgTag != TagImage {
			return nil, fmt.Errorf("closure: image-array entry %d is tag %s, not image", i, imgTag)
		}
		img, err := DecodeImage(imgPayload)
		if err != nil {
			return nil, fmt.Errorf("closure: image-array entry %d: %w", i, err)
		}
		a.Images[i] = img
	}
	return a, nil
}
