// Package frame defines the physical frame allocator that the paging
// subsystem consumes, together with a reference implementation backed by a
// memory.Storage.
package frame

// Size is the number of bytes in a physical frame.
const Size = 4096

// A Frame is identified by the physical address of its first byte.
type Frame uint64

// Allocator hands out physical frames and keeps their reference counts. A
// frame may be referenced by more than one address space when it is shared
// copy-on-write.
type Allocator interface {
	// Allocate returns a frame with a reference count of 1. The bool is false
	// if no frame is available.
	Allocate() (Frame, bool)

	// Release drops one reference. The frame becomes free when the count
	// reaches zero. Owners of a shared frame drop their reference with
	// Release as well.
	Release(f Frame)

	// RefCount returns the number of references held on f.
	RefCount(f Frame) int

	// IncRef adds a reference to an allocated frame.
	IncRef(f Frame)
}

// Memory gives access to the content of physical frames.
type Memory interface {
	ReadFrame(f Frame) []byte
	WriteFrame(f Frame, data []byte)
	ZeroFrame(f Frame)
	CopyFrame(dst, src Frame)
}

// A Manager is both an Allocator and the Memory holding the frames.
type Manager interface {
	Allocator
	Memory
}
