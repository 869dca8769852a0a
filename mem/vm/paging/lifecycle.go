package paging

import (
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/sarchlab/vmswap/mem/vm"
	"github.com/sarchlab/vmswap/mem/vm/ledger"
	"github.com/sarchlab/vmswap/mem/vm/swap"
	"github.com/sarchlab/vmswap/sim"
)

// Grow extends the space to newSize bytes with zeroed pages and returns the
// new size. Shrinking requests are ignored. On failure the pages added by
// the call are released and the old size is returned.
func (as *AddressSpace) Grow(newSize uint64) (uint64, error) {
	as.Lock()
	defer as.Unlock()

	if as.destroyed {
		return 0, ErrDestroyed
	}

	return as.grow(newSize)
}

func (as *AddressSpace) grow(newSize uint64) (uint64, error) {
	oldSize := as.size

	if newSize >= vm.UserLimit {
		return oldSize, fmt.Errorf("grow to %#x: %w", newSize, ErrAddressOutOfRange)
	}

	if newSize < oldSize {
		return oldSize, nil
	}

	if as.policy.Enabled() &&
		vm.PageRoundUp(newSize)/vm.PageSize > ledger.MaxTracked {
		return oldSize, fmt.Errorf("grow to %#x: %w", newSize, ErrBudgetExceeded)
	}

	for a := vm.PageRoundUp(oldSize); a < newSize; a += vm.PageSize {
		if err := as.addPage(a); err != nil {
			as.dealloc(a+vm.PageSize, oldSize)
			return oldSize, fmt.Errorf("grow to %#x: %w", newSize, err)
		}
	}

	as.size = newSize

	return newSize, nil
}

func (as *AddressSpace) addPage(vAddr uint64) error {
	if err := as.makeRoom(); err != nil {
		return err
	}

	f, ok := as.frames.Allocate()
	if !ok {
		return ErrOutOfFrames
	}

	as.frames.ZeroFrame(f)

	err := as.pageTable.Map(vAddr, f, vm.PageSize, vm.FlagWritable|vm.FlagUser)
	if err != nil {
		as.frames.Release(f)
		return ErrOutOfFrames
	}

	as.recordResident(vAddr)
	as.stats.AllocatedPages++

	return nil
}

// Shrink reduces the space to newSize bytes and returns the new size.
// Requests that do not shrink are ignored.
func (as *AddressSpace) Shrink(newSize uint64) (uint64, error) {
	as.Lock()
	defer as.Unlock()

	if as.destroyed {
		return 0, ErrDestroyed
	}

	if newSize >= as.size {
		return as.size, nil
	}

	as.dealloc(as.size, newSize)

	return newSize, nil
}

// Duplicate creates the address space of a child process with the same
// content. Resident pages are shared copy-on-write, or copied if the space
// was built without copy-on-write. Paged-out pages stay paged out in the
// child, with their content copied into the child's swap store.
func (as *AddressSpace) Duplicate(childPID vm.PID) (*AddressSpace, error) {
	as.Lock()
	defer as.Unlock()

	if as.destroyed {
		return nil, ErrDestroyed
	}

	child := as.config.buildEmpty(childPID)

	adopt := child.policy.Enabled() && !as.policy.Enabled()
	if adopt && len(as.presentPages())+as.ledger.Swap.Len() > ledger.MaxTracked {
		return nil, fmt.Errorf("duplicate: %w", ErrBudgetExceeded)
	}

	child.id = sim.GetIDGenerator().Generate()

	store, err := as.config.swapFactory.Create(childPID, child.id)
	if err != nil {
		return nil, fmt.Errorf("duplicate: create swap store: %w", err)
	}

	for _, rec := range as.ledger.Swap.Records() {
		if err := swap.Copy(store, as.store, rec.Slot); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("duplicate: %w", err)
		}
	}

	var pt *vm.PageTable
	if as.config.copyOnWrite {
		pt, err = as.pageTable.ShareCopyOnWrite()
	} else {
		pt, err = as.pageTable.Duplicate(as.frames)
	}

	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("duplicate: %w", ErrOutOfFrames)
	}

	as.tlb.Flush()

	child.pageTable = pt
	child.store = store
	child.size = as.size
	child.ledger = as.ledger
	child.ledger.ChangeOwner(child.id)
	child.stats.CurrentPagedOut = uint64(child.ledger.Swap.Len())

	switch {
	case !child.policy.Enabled():
		child.ledger.Resident = ledger.ResidentTable{}
	case adopt:
		if err := child.adoptResidentPages(); err != nil {
			_ = child.destroy()
			return nil, fmt.Errorf("duplicate: %w", err)
		}
	}

	return child, nil
}

// adoptResidentPages records the present pages of a space that was not
// tracked before, evicting as the resident table fills up.
func (as *AddressSpace) adoptResidentPages() error {
	for _, va := range as.presentPages() {
		if err := as.makeRoom(); err != nil {
			return err
		}

		as.recordResident(va)
	}

	return nil
}

func (as *AddressSpace) presentPages() []uint64 {
	var pages []uint64

	as.pageTable.Range(func(va uint64, pte *vm.PTE) bool {
		if pte.Present() {
			pages = append(pages, va)
		}

		return true
	})

	return pages
}

// ReplaceImage loads img into a brand-new page table and swap store and, if
// it succeeds, drops the old ones. If it fails, the space is left exactly as
// it was, ledger and counters included.
func (as *AddressSpace) ReplaceImage(img Image) (Layout, error) {
	as.Lock()
	defer as.Unlock()

	if as.destroyed {
		return Layout{}, ErrDestroyed
	}

	snapshot := as.ledger.Snapshot()
	stats := as.stats
	oldID, oldTable, oldStore, oldSize := as.id, as.pageTable, as.store, as.size

	if err := as.installFresh(); err != nil {
		as.ledger.Restore(snapshot)
		as.stats = stats

		return Layout{}, fmt.Errorf("replace image: %w", err)
	}

	layout, err := as.loadImage(img)
	if err != nil {
		as.dealloc(as.size, 0)
		as.pageTable.Free()
		_ = as.store.Close()

		as.id, as.pageTable, as.store, as.size = oldID, oldTable, oldStore, oldSize
		as.ledger.Restore(snapshot)
		as.stats = stats
		as.tlb.Flush()

		return Layout{}, fmt.Errorf("replace image: %w", err)
	}

	oldTable.ReleasePages()
	oldTable.Free()

	if err := oldStore.Close(); err != nil {
		log.Printf("process %d: closing swap store of replaced image: %v",
			as.pid, err)
	}

	as.invoke(HookPosImageReplaced, Event{VAddr: layout.Entry})

	return layout, nil
}

func (as *AddressSpace) loadImage(img Image) (Layout, error) {
	for i, seg := range img.Segments() {
		if err := as.loadSegment(img, seg); err != nil {
			return Layout{}, fmt.Errorf("%w: segment %d: %w", ErrBadImage, i, err)
		}
	}

	guard := vm.PageRoundUp(as.size)

	if _, err := as.grow(guard + 2*vm.PageSize); err != nil {
		return Layout{}, fmt.Errorf("%w: stack: %w", ErrBadImage, err)
	}

	if err := as.pageTable.ClearUser(guard); err != nil {
		log.Panicf("process %d: guard page: %v", as.pid, err)
	}

	return Layout{
		Entry:        img.Entry(),
		Size:         as.size,
		StackPointer: as.size,
		GuardPage:    guard,
	}, nil
}

func (as *AddressSpace) loadSegment(img Image, seg Segment) error {
	switch {
	case seg.MemSize < seg.FileSize:
		return fmt.Errorf("memory size %#x below file size %#x",
			seg.MemSize, seg.FileSize)
	case seg.VAddr+seg.MemSize < seg.VAddr:
		return fmt.Errorf("segment at %#x wraps around", seg.VAddr)
	case seg.VAddr%vm.PageSize != 0:
		return fmt.Errorf("segment at %#x is not page aligned", seg.VAddr)
	}

	if _, err := as.grow(seg.VAddr + seg.MemSize); err != nil {
		return err
	}

	data := make([]byte, seg.FileSize)

	n, err := img.ReadAt(data, int64(seg.Offset))
	if n < len(data) {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}

		return fmt.Errorf("read %#x bytes at %#x: %w",
			seg.FileSize, seg.Offset, err)
	}

	return as.storeBytes(seg.VAddr, data)
}

// storeBytes copies data into the space, paging in the pages it touches.
// It does not go through the translation cache and does not mark the pages
// as accessed.
func (as *AddressSpace) storeBytes(vAddr uint64, data []byte) error {
	for done := 0; done < len(data); {
		va := vAddr + uint64(done)
		page := vm.PageRoundDown(va)
		n := min(len(data)-done, int(page+vm.PageSize-va))

		pte := as.mustWalk(page)
		if pte.PagedOut() {
			if err := as.pageIn(page, pte); err != nil {
				return err
			}
		}

		if !pte.Present() {
			log.Panicf("process %d: loading into unmapped page %#x",
				as.pid, page)
		}

		content := as.frames.ReadFrame(pte.Frame())
		copy(content[va-page:], data[done:done+n])
		as.frames.WriteFrame(pte.Frame(), content)

		done += n
	}

	return nil
}

// Destroy releases every page, the page table and the swap store of the
// space.
func (as *AddressSpace) Destroy() error {
	as.Lock()
	defer as.Unlock()

	return as.destroy()
}

func (as *AddressSpace) destroy() error {
	if as.destroyed {
		return nil
	}

	as.dealloc(as.size, 0)
	as.pageTable.Free()
	as.ledger.Reset()
	as.tlb.Flush()
	as.destroyed = true

	if err := as.store.Close(); err != nil {
		return fmt.Errorf("destroy: %w", err)
	}

	return nil
}
