package macho

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/lgcooci/dyldclosure/types"
)

// fatPageAlign is the required alignment of each slice's offset inside a fat
// container (4 KiB, per spec).
const fatPageAlign = 1 << 12

// FatArch describes one architecture slice inside a fat binary.
type FatArch struct {
	types.CPU
	SubCPU types.CPUSubtype
	Offset uint32
	Size   uint32
	Align  uint32

	*File
}

// FatFile represents an open universal ("fat") Mach-O container.
type FatFile struct {
	Magic  types.Magic
	Arches []FatArch

	closer io.Closer
}

// OpenFat opens the named file using os.Open and prepares it for use as a
// universal Mach-O container.
func OpenFat(name string) (*FatFile, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	ff, err := NewFatFile(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	ff.closer = f
	return ff, nil
}

// Close closes the underlying file.
func (ff *FatFile) Close() error {
	if ff.closer != nil {
		return ff.closer.Close()
	}
	return nil
}

// NewFatFile parses r as a universal Mach-O container (magic CAFEBABE,
// big-endian headers) and, for every slice, parses the embedded Mach-O via
// NewFile with the slice's file offset as the base.
func NewFatFile(r io.ReaderAt) (*FatFile, error) {
	var ident [4]byte
	if _, err := r.ReadAt(ident[0:], 0); err != nil {
		return nil, fmt.Errorf("failed to read fat magic: %v", err)
	}
	be := binary.BigEndian.Uint32(ident[0:])
	if types.Magic(be) != types.MagicFat {
		return nil, &FormatError{0, "not a fat Mach-O (bad magic)", be}
	}

	var nfatArch uint32
	if err := readAt(r, 4, binary.BigEndian, &nfatArch); err != nil {
		return nil, fmt.Errorf("failed to read fat_header.nfat_arch: %v", err)
	}

	ff := &FatFile{Magic: types.MagicFat}
	off := int64(8)
	for i := uint32(0); i < nfatArch; i++ {
		var raw struct {
			CPUType    uint32
			CPUSubtype uint32
			Offset     uint32
			Size       uint32
			Align      uint32
		}
		if err := readAt(r, off, binary.BigEndian, &raw); err != nil {
			return nil, fmt.Errorf("failed to read fat_arch %d: %v", i, err)
		}
		off += 20

		if raw.Offset%fatPageAlign != 0 {
			return nil, &FormatError{off, "fat slice is not 4KiB aligned", raw.Offset}
		}

		arch := FatArch{
			CPU:    types.CPU(raw.CPUType),
			SubCPU: types.CPUSubtype(raw.CPUSubtype),
			Offset: raw.Offset,
			Size:   raw.Size,
			Align:  raw.Align,
		}

		sr := io.NewSectionReader(r, int64(raw.Offset), int64(raw.Size))
		f, err := NewFile(sr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse fat slice %d (cpu=%s): %v", i, arch.CPU, err)
		}
		arch.File = f
		ff.Arches = append(ff.Arches, arch)
	}
	return ff, nil
}

func readAt(r io.ReaderAt, off int64, bo binary.ByteOrder, data any) error {
	return binary.Read(io.NewSectionReader(r, off, 1<<20), bo, data)
}

// SliceForArch returns the FatArch matching cpu, or nil if the container has
// no slice for that architecture.
func (ff *FatFile) SliceForArch(cpu types.CPU) *FatArch {
	for i := range ff.Arches {
		if ff.Arches[i].CPU == cpu {
			return &ff.Arches[i]
		}
	}
	return nil
}
