package paging

import (
	"bytes"
	"io"
)

// A Segment describes a part of an image to load. The first FileSize bytes
// come from the image at Offset; the rest up to MemSize is zero.
type Segment struct {
	VAddr    uint64 `yaml:"vaddr"`
	MemSize  uint64 `yaml:"memsz"`
	FileSize uint64 `yaml:"filesz"`
	Offset   uint64 `yaml:"offset"`
}

// An Image is a program that can replace the content of an address space.
// Parsing the container format is up to the implementation.
type Image interface {
	io.ReaderAt

	Segments() []Segment
	Entry() uint64
}

// SliceImage is an Image held in memory.
type SliceImage struct {
	Segs      []Segment
	EntryAddr uint64
	Data      []byte
}

// Segments returns the segments to load.
func (img SliceImage) Segments() []Segment {
	return img.Segs
}

// Entry returns the entry address.
func (img SliceImage) Entry() uint64 {
	return img.EntryAddr
}

// ReadAt reads the image content.
func (img SliceImage) ReadAt(p []byte, off int64) (int, error) {
	return bytes.NewReader(img.Data).ReadAt(p, off)
}

// Layout describes a freshly loaded image.
type Layout struct {
	Entry        uint64
	Size         uint64
	StackPointer uint64
	GuardPage    uint64
}
