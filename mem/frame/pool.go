package frame

import (
	"fmt"
	"log"
	"sync"

	"github.com/google/btree"
	"github.com/sarchlab/vmswap/mem/memory"
)

// Pool is a fixed-size set of frames stored in a memory.Storage. Free frames
// are kept ordered by address so that allocation always returns the lowest
// free frame.
type Pool struct {
	sync.Mutex

	storage   *memory.Storage
	numFrames int
	free      *btree.BTreeG[Frame]
	refCounts map[Frame]int
}

// NewPool creates a pool of numFrames frames. Frame addresses start at Size
// so that a zero address never names a valid frame.
func NewPool(numFrames int) *Pool {
	if numFrames <= 0 {
		log.Panicf("frame pool must hold at least one frame, got %d",
			numFrames)
	}

	p := &Pool{
		storage: memory.NewStorageWithUnitSize(
			uint64(numFrames+1)*Size, Size),
		numFrames: numFrames,
		free:      btree.NewG[Frame](8, func(a, b Frame) bool { return a < b }),
		refCounts: make(map[Frame]int),
	}

	for i := 1; i <= numFrames; i++ {
		p.free.ReplaceOrInsert(Frame(uint64(i) * Size))
	}

	return p
}

// Allocate returns the lowest free frame.
func (p *Pool) Allocate() (Frame, bool) {
	p.Lock()
	defer p.Unlock()

	f, ok := p.free.DeleteMin()
	if !ok {
		return 0, false
	}

	p.refCounts[f] = 1

	return f, true
}

// Release drops one reference on f and returns it to the free set when no
// reference is left. The content of a freed frame is discarded.
func (p *Pool) Release(f Frame) {
	p.Lock()
	defer p.Unlock()

	p.mustBeAllocated(f)

	p.refCounts[f]--
	if p.refCounts[f] > 0 {
		return
	}

	delete(p.refCounts, f)
	p.storage.Discard(uint64(f))
	p.free.ReplaceOrInsert(f)
}

// RefCount returns the number of references on f, 0 if f is free.
func (p *Pool) RefCount(f Frame) int {
	p.Lock()
	defer p.Unlock()

	return p.refCounts[f]
}

// IncRef adds a reference to f.
func (p *Pool) IncRef(f Frame) {
	p.Lock()
	defer p.Unlock()

	p.mustBeAllocated(f)
	p.refCounts[f]++
}

// NumFree returns the number of free frames.
func (p *Pool) NumFree() int {
	p.Lock()
	defer p.Unlock()

	return p.free.Len()
}

// NumFrames returns the total number of frames in the pool.
func (p *Pool) NumFrames() int {
	return p.numFrames
}

// ReadFrame returns a copy of the content of f.
func (p *Pool) ReadFrame(f Frame) []byte {
	data, err := p.storage.Read(uint64(f), Size)
	if err != nil {
		log.Panicf("frame %#x: %v", f, err)
	}

	return data
}

// WriteFrame overwrites the beginning of f with data.
func (p *Pool) WriteFrame(f Frame, data []byte) {
	if len(data) > Size {
		panic(fmt.Sprintf("frame %#x: writing %d bytes", f, len(data)))
	}

	err := p.storage.Write(uint64(f), data)
	if err != nil {
		log.Panicf("frame %#x: %v", f, err)
	}
}

// ZeroFrame clears the content of f.
func (p *Pool) ZeroFrame(f Frame) {
	p.storage.Discard(uint64(f))
}

// CopyFrame copies the content of src into dst.
func (p *Pool) CopyFrame(dst, src Frame) {
	p.WriteFrame(dst, p.ReadFrame(src))
}

func (p *Pool) mustBeAllocated(f Frame) {
	if p.refCounts[f] <= 0 {
		log.Panicf("frame %#x is not allocated", f)
	}
}
