// Package vm provides the page table that maps the virtual pages of a
// process to physical frames.
package vm

import (
	"errors"
	"fmt"
	"log"

	"github.com/sarchlab/vmswap/mem/frame"
)

// PID stands for Process ID.
type PID uint32

// Address layout of the two-level page table: a 10-bit directory index, a
// 10-bit table index and a 12-bit page offset.
const (
	PageSize     = frame.Size
	Log2PageSize = 12
	NumEntries   = 1024

	// UserLimit is the first address that belongs to the kernel.
	UserLimit uint64 = 0x80000000

	// MaxVAddr bounds the addresses the table can translate.
	MaxVAddr uint64 = 1 << 32

	dirShift = Log2PageSize + 10
)

var (
	// ErrNoEntry is returned when walking without allocation reaches a
	// directory slot that holds no table.
	ErrNoEntry = errors.New("no page table entry")

	// ErrOutOfFrames is returned when a table level cannot be allocated.
	ErrOutOfFrames = errors.New("out of frames for page table")
)

// PageRoundDown aligns addr to the start of its page.
func PageRoundDown(addr uint64) uint64 {
	return (addr >> Log2PageSize) << Log2PageSize
}

// PageRoundUp aligns addr to the start of the next page, unless it is
// already aligned.
func PageRoundUp(addr uint64) uint64 {
	return PageRoundDown(addr + PageSize - 1)
}

// NextTableBoundary returns the first address covered by the directory entry
// that follows the one covering va.
func NextTableBoundary(va uint64) uint64 {
	return (va>>dirShift + 1) << dirShift
}

func dirIndex(va uint64) int   { return int(va>>dirShift) & (NumEntries - 1) }
func tableIndex(va uint64) int { return int(va>>Log2PageSize) & (NumEntries - 1) }

type table struct {
	frame   frame.Frame
	entries [NumEntries]PTE
}

// A PageTable is the two-level page table of one address space. Every table
// level is backed by a frame taken from the frame allocator.
type PageTable struct {
	frames frame.Allocator
	root   frame.Frame
	dir    [NumEntries]*table
}

// NewPageTable creates an empty page table.
func NewPageTable(frames frame.Allocator) (*PageTable, error) {
	root, ok := frames.Allocate()
	if !ok {
		return nil, ErrOutOfFrames
	}

	return &PageTable{frames: frames, root: root}, nil
}

// Root returns the frame that holds the directory.
func (pt *PageTable) Root() frame.Frame {
	return pt.root
}

// Walk returns the entry slot of va. If allocate is set, a missing
// second-level table is created.
func (pt *PageTable) Walk(va uint64, allocate bool) (*PTE, error) {
	if va >= MaxVAddr {
		log.Panicf("walk: address %#x out of range", va)
	}

	t := pt.dir[dirIndex(va)]
	if t == nil {
		if !allocate {
			return nil, ErrNoEntry
		}

		f, ok := pt.frames.Allocate()
		if !ok {
			return nil, ErrOutOfFrames
		}

		t = &table{frame: f}
		pt.dir[dirIndex(va)] = t
	}

	return &t.entries[tableIndex(va)], nil
}

// Lookup returns a copy of the entry of va.
func (pt *PageTable) Lookup(va uint64) (PTE, bool) {
	pte, err := pt.Walk(va, false)
	if err != nil || pte.Empty() {
		return 0, false
	}

	return *pte, true
}

// Map installs present entries for the pages in [va, va+size) pointing at
// consecutive frames starting at pa. Mapping over a page that already has a
// place in memory or in swap is a bookkeeping bug and panics.
func (pt *PageTable) Map(
	va uint64,
	pa frame.Frame,
	size uint64,
	perm PTEFlag,
) error {
	if size == 0 {
		return nil
	}

	a := PageRoundDown(va)
	last := PageRoundDown(va + size - 1)

	for {
		pte, err := pt.Walk(a, true)
		if err != nil {
			return err
		}

		if pte.Present() || pte.PagedOut() {
			log.Panicf("remap of %#x (%s)", a, *pte)
		}

		*pte = NewPresentPTE(pa, perm)

		if a == last {
			break
		}

		a += PageSize
		pa += PageSize
	}

	return nil
}

// Unmap clears the entry of va and returns what it held.
func (pt *PageTable) Unmap(va uint64) PTE {
	pte, err := pt.Walk(va, false)
	if err != nil {
		return 0
	}

	old := *pte
	pte.Clear()

	return old
}

// ClearUser removes user access from the page at va. It is used for the
// guard page below a user stack.
func (pt *PageTable) ClearUser(va uint64) error {
	pte, err := pt.Walk(va, false)
	if err != nil {
		return fmt.Errorf("clear user bit at %#x: %w", va, err)
	}

	pte.ClearFlags(FlagUser)

	return nil
}

// Range visits every non-empty entry in address order until fn returns
// false.
func (pt *PageTable) Range(fn func(va uint64, pte *PTE) bool) {
	for d, t := range pt.dir {
		if t == nil {
			continue
		}

		for i := range t.entries {
			if t.entries[i].Empty() {
				continue
			}

			va := uint64(d)<<dirShift | uint64(i)<<Log2PageSize
			if !fn(va, &t.entries[i]) {
				return
			}
		}
	}
}

// NumTables returns the number of frames used by the table itself,
// including the directory.
func (pt *PageTable) NumTables() int {
	n := 1

	for _, t := range pt.dir {
		if t != nil {
			n++
		}
	}

	return n
}

// Free releases the frames of all the table levels. The frames that the
// entries point to must have been released before; a present entry left in
// the table is a bookkeeping bug.
func (pt *PageTable) Free() {
	for d, t := range pt.dir {
		if t == nil {
			continue
		}

		for i := range t.entries {
			if t.entries[i].Present() {
				log.Panicf("freeing page table with mapped page %#x",
					uint64(d)<<dirShift|uint64(i)<<Log2PageSize)
			}
		}

		pt.frames.Release(t.frame)
		pt.dir[d] = nil
	}

	pt.frames.Release(pt.root)
	pt.root = 0
}

// Duplicate creates a new table whose content is a copy of pt: every present
// page gets a fresh frame with a copy of the content, and paged-out entries
// are copied as they are. On failure the new table and every frame taken
// for it are released.
func (pt *PageTable) Duplicate(mem frame.Memory) (*PageTable, error) {
	dst, err := NewPageTable(pt.frames)
	if err != nil {
		return nil, err
	}

	pt.Range(func(va uint64, src *PTE) bool {
		var d *PTE

		d, err = dst.Walk(va, true)
		if err != nil {
			return false
		}

		if src.PagedOut() {
			*d = NewPagedOutPTE(src.Perm())
			return true
		}

		f, ok := pt.frames.Allocate()
		if !ok {
			err = ErrOutOfFrames
			return false
		}

		mem.CopyFrame(f, src.Frame())
		*d = NewPresentPTE(f, src.Perm())

		return true
	})

	if err != nil {
		dst.ReleasePages()
		dst.Free()

		return nil, err
	}

	return dst, nil
}

// ShareCopyOnWrite creates a new table that shares every present frame of pt
// with it. Both sides lose write access to shared pages, so that the first
// write on either side faults and copies. Paged-out entries are copied as
// they are. On failure pt is restored and the new table is released.
func (pt *PageTable) ShareCopyOnWrite() (*PageTable, error) {
	dst, err := NewPageTable(pt.frames)
	if err != nil {
		return nil, err
	}

	var downgraded []*PTE

	pt.Range(func(va uint64, src *PTE) bool {
		var d *PTE

		d, err = dst.Walk(va, true)
		if err != nil {
			return false
		}

		if src.PagedOut() {
			*d = NewPagedOutPTE(src.Perm())
			return true
		}

		if src.Writable() {
			src.ClearFlags(FlagWritable)
			downgraded = append(downgraded, src)
		}

		pt.frames.IncRef(src.Frame())
		*d = NewPresentPTE(src.Frame(), src.Perm())

		return true
	})

	if err != nil {
		for _, src := range downgraded {
			src.SetFlags(FlagWritable)
		}

		dst.ReleasePages()
		dst.Free()

		return nil, err
	}

	return dst, nil
}

// ReleasePages drops the reference on every frame mapped by the table and
// clears all the entries.
func (pt *PageTable) ReleasePages() {
	pt.Range(func(_ uint64, pte *PTE) bool {
		if pte.Present() {
			pt.frames.Release(pte.Frame())
		}

		pte.Clear()

		return true
	})
}
