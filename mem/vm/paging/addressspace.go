package paging

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/sarchlab/vmswap/mem/frame"
	"github.com/sarchlab/vmswap/mem/vm"
	"github.com/sarchlab/vmswap/mem/vm/eviction"
	"github.com/sarchlab/vmswap/mem/vm/ledger"
	"github.com/sarchlab/vmswap/mem/vm/swap"
	"github.com/sarchlab/vmswap/mem/vm/tlb"
	"github.com/sarchlab/vmswap/sim"
)

// An AddressSpace is the virtual memory of one process. All the methods hold
// the lock of the space for their whole duration, so a page table entry and
// the ledger record that describes it always change together.
type AddressSpace struct {
	sync.Mutex
	*sim.HookableBase

	config Builder
	id     string
	pid    vm.PID
	frames frame.Manager
	policy eviction.Policy

	pageTable *vm.PageTable
	size      uint64
	ledger    ledger.Ledger
	store     swap.Store
	tlb       *tlb.TLB
	stats     Stats

	killed    bool
	destroyed bool
}

// ID returns the identity of the current image of the space. It changes
// when the image is replaced.
func (as *AddressSpace) ID() string {
	as.Lock()
	defer as.Unlock()

	return as.id
}

// PID returns the process that owns the space.
func (as *AddressSpace) PID() vm.PID {
	return as.pid
}

// Size returns the size of the space in bytes.
func (as *AddressSpace) Size() uint64 {
	as.Lock()
	defer as.Unlock()

	return as.size
}

// Policy returns the eviction policy of the space.
func (as *AddressSpace) Policy() eviction.Policy {
	return as.policy
}

// Stats returns the paging counters.
func (as *AddressSpace) Stats() Stats {
	as.Lock()
	defer as.Unlock()

	return as.stats
}

// Ledger returns a copy of the bookkeeping of the space.
func (as *AddressSpace) Ledger() ledger.Snapshot {
	as.Lock()
	defer as.Unlock()

	return as.ledger.Snapshot()
}

// Lookup returns the page table entry of vAddr.
func (as *AddressSpace) Lookup(vAddr uint64) (vm.PTE, bool) {
	as.Lock()
	defer as.Unlock()

	if as.destroyed || vAddr >= vm.UserLimit {
		return 0, false
	}

	return as.pageTable.Lookup(vm.PageRoundDown(vAddr))
}

// TLBStats returns the hits and misses of the translation cache.
func (as *AddressSpace) TLBStats() (hits, misses uint64) {
	return as.tlb.Stats()
}

// A Mapping is one non-empty entry of the page table.
type Mapping struct {
	VAddr uint64
	PTE   vm.PTE
}

// Mappings lists the non-empty page table entries in address order.
func (as *AddressSpace) Mappings() []Mapping {
	as.Lock()
	defer as.Unlock()

	if as.destroyed {
		return nil
	}

	var mappings []Mapping

	as.pageTable.Range(func(va uint64, pte *vm.PTE) bool {
		mappings = append(mappings, Mapping{VAddr: va, PTE: *pte})
		return true
	})

	return mappings
}

// Killed tells if the process has been marked for termination.
func (as *AddressSpace) Killed() bool {
	as.Lock()
	defer as.Unlock()

	return as.killed
}

// Kill marks the process for termination. The scheduler is expected to
// destroy the space.
func (as *AddressSpace) Kill() {
	as.Lock()
	defer as.Unlock()

	as.killed = true
}

// Destroyed tells if Destroy has been called.
func (as *AddressSpace) Destroyed() bool {
	as.Lock()
	defer as.Unlock()

	return as.destroyed
}

// Age runs one maintenance step of the eviction policy over the resident
// pages.
func (as *AddressSpace) Age() {
	as.Lock()
	defer as.Unlock()

	if as.destroyed || !as.policy.Enabled() {
		return
	}

	as.policy.Age(&as.ledger.Resident, pageAccess{as})
}

// pageAccess exposes the accessed bits of the space to its policy. Clearing
// a bit also drops the cached translation, so that the next access goes
// through the page table and sets the bit again.
type pageAccess struct {
	as *AddressSpace
}

func (a pageAccess) Accessed(vAddr uint64) bool {
	pte, ok := a.as.pageTable.Lookup(vAddr)
	return ok && pte.Accessed()
}

func (a pageAccess) ClearAccessed(vAddr uint64) {
	a.as.mustWalk(vAddr).ClearFlags(vm.FlagAccessed)
	a.as.tlb.Invalidate(vAddr)
}

func (as *AddressSpace) mustWalk(vAddr uint64) *vm.PTE {
	pte, err := as.pageTable.Walk(vAddr, false)
	if err != nil {
		log.Panicf("process %d: page %#x must have an entry: %v",
			as.pid, vAddr, err)
	}

	return pte
}

// userPTE returns the entry of a user address that maps something.
func (as *AddressSpace) userPTE(vAddr uint64) (*vm.PTE, bool) {
	if vAddr >= vm.UserLimit {
		return nil, false
	}

	pte, err := as.pageTable.Walk(vm.PageRoundDown(vAddr), false)
	if err != nil || pte.Empty() {
		return nil, false
	}

	return pte, true
}

func (as *AddressSpace) invoke(pos *sim.HookPos, evt Event) {
	if as.NumHooks() == 0 {
		return
	}

	evt.Space = as.id
	evt.PID = as.pid

	as.InvokeHook(sim.HookCtx{
		Domain: as,
		Pos:    pos,
		Item:   evt,
	})
}

func (as *AddressSpace) kill(vAddr uint64, cause string) FaultOutcome {
	as.killed = true
	as.invoke(HookPosKill, Event{VAddr: vAddr, Cause: cause})

	return FaultKilled
}

func (as *AddressSpace) swapFailed(err error) error {
	if !as.config.killOnSwapError {
		log.Panicf("process %d: %v", as.pid, err)
	}

	return err
}

// makeRoom evicts a page if the resident table is full.
func (as *AddressSpace) makeRoom() error {
	if !as.policy.Enabled() || !as.ledger.Resident.Full() {
		return nil
	}

	return as.evictOne()
}

func (as *AddressSpace) recordResident(vAddr uint64) {
	if !as.policy.Enabled() {
		return
	}

	as.ledger.Resident.Append(ledger.ResidentRecord{
		Owner: as.id,
		VAddr: vAddr,
		Age:   as.policy.InitialAge(),
	})
}

// evictOne moves the page chosen by the policy to the first free swap slot
// and releases its frame.
func (as *AddressSpace) evictOne() error {
	snap := as.ledger.Snapshot()
	ev := as.selectVictim()

	return as.swapOut(ev, snap, false)
}

// A victimPage has been taken out of the resident table but not yet written
// to swap.
type victimPage struct {
	victim ledger.ResidentRecord
	pte    *vm.PTE
	frame  frame.Frame
}

func (as *AddressSpace) selectVictim() victimPage {
	victim, _, ok := as.policy.SelectVictim(
		&as.ledger.Resident, pageAccess{as})
	if !ok {
		log.Panicf("process %d: no eviction candidate", as.pid)
	}

	pte := as.mustWalk(victim.VAddr)
	if !pte.Present() {
		log.Panicf("process %d: resident page %#x is %s",
			as.pid, victim.VAddr, *pte)
	}

	return victimPage{victim: victim, pte: pte, frame: pte.Frame()}
}

// swapOut writes the victim to the first free swap slot and marks its page
// paged out. The frame is released unless keepFrame is set, in which case the
// caller takes over the reference. On failure the ledger is restored to snap.
func (as *AddressSpace) swapOut(
	ev victimPage,
	snap ledger.Snapshot,
	keepFrame bool,
) error {
	slot, ok := as.ledger.Swap.FindFree()
	if !ok {
		log.Panicf("process %d: no free swap record to evict into", as.pid)
	}

	err := as.store.WriteSlot(slot, as.frames.ReadFrame(ev.frame))
	if err != nil {
		as.ledger.Restore(snap)
		return as.swapFailed(
			fmt.Errorf("swap out %#x: %w", ev.victim.VAddr, err))
	}

	as.ledger.Swap.Put(slot, ledger.SwapRecord{
		VAddr: ev.victim.VAddr,
		Owner: as.id,
	})
	ev.pte.PageOut()
	as.tlb.Invalidate(ev.victim.VAddr)

	if !keepFrame {
		as.frames.Release(ev.frame)
	}

	as.stats.TotalPagedOut++
	as.stats.CurrentPagedOut++
	as.invoke(HookPosSwapOut,
		Event{VAddr: ev.victim.VAddr, Frame: ev.frame, Slot: slot})

	return nil
}

// pageIn brings a paged-out page back into a frame. The swap record of the
// page is released before a victim is chosen, so that a space with both
// tables full can still service the fault; the victim then takes the slot of
// the page. The frame is settled before any swap I/O: a fresh one if the
// pool has one, else the frame of a victim owned by this space alone. Until
// then a failure only has to restore the ledger.
func (as *AddressSpace) pageIn(page uint64, pte *vm.PTE) error {
	i, ok := as.ledger.Swap.Find(page)
	if !ok {
		log.Panicf("process %d: paged-out page %#x has no swap record",
			as.pid, page)
	}

	snap := as.ledger.Snapshot()
	rec := as.ledger.Swap.At(i)
	buf := make([]byte, vm.PageSize)

	if err := as.store.ReadSlot(rec.Slot, buf); err != nil {
		return as.swapFailed(fmt.Errorf("swap in %#x: %w", page, err))
	}

	as.ledger.Swap.Clear(i)

	var ev *victimPage
	if as.policy.Enabled() && as.ledger.Resident.Full() {
		e := as.selectVictim()
		ev = &e
	}

	f, ok := as.frames.Allocate()
	reuse := false

	if !ok && ev != nil && as.frames.RefCount(ev.frame) == 1 {
		f, ok, reuse = ev.frame, true, true
	}

	if !ok {
		as.ledger.Restore(snap)
		return ErrOutOfFrames
	}

	if ev != nil {
		if err := as.swapOut(*ev, snap, reuse); err != nil {
			if !reuse {
				as.frames.Release(f)
			}

			return err
		}
	}

	as.stats.CurrentPagedOut--

	as.frames.WriteFrame(f, buf)
	pte.PageIn(f)
	as.recordResident(page)
	as.tlb.Invalidate(page)

	as.invoke(HookPosSwapIn, Event{VAddr: page, Frame: f, Slot: rec.Slot})

	return nil
}

// dealloc unmaps the pages in [newSize, oldSize). Ranges without a second
// level table are skipped one directory entry at a time.
func (as *AddressSpace) dealloc(oldSize, newSize uint64) {
	for a := vm.PageRoundUp(newSize); a < oldSize; {
		pte, err := as.pageTable.Walk(a, false)
		if err != nil {
			a = vm.NextTableBoundary(a)
			continue
		}

		switch {
		case pte.Present():
			as.frames.Release(pte.Frame())

			if i, ok := as.ledger.Resident.Find(a); ok {
				as.ledger.Resident.RemoveAt(i)
			}
		case pte.PagedOut():
			if i, ok := as.ledger.Swap.Find(a); ok {
				as.ledger.Swap.Clear(i)
				as.stats.CurrentPagedOut--
			}
		}

		pte.Clear()
		as.tlb.Invalidate(a)

		a += vm.PageSize
	}

	as.size = newSize
}

// CheckConsistency verifies that the ledger and the page table describe the
// same pages.
func (as *AddressSpace) CheckConsistency() error {
	as.Lock()
	defer as.Unlock()

	if as.destroyed {
		return nil
	}

	return as.checkConsistency()
}

func (as *AddressSpace) checkConsistency() error {
	var errs []error

	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	limit := vm.PageRoundUp(as.size)
	enabled := as.policy.Enabled()

	as.pageTable.Range(func(va uint64, pte *vm.PTE) bool {
		if va >= limit {
			fail("page %#x is mapped beyond size %#x", va, as.size)
		}

		_, resident := as.ledger.Resident.Find(va)
		_, swapped := as.ledger.Swap.Find(va)

		switch {
		case pte.Present():
			if swapped {
				fail("present page %#x has a swap record", va)
			}

			if enabled && !resident {
				fail("present page %#x is not recorded", va)
			}
		case pte.PagedOut():
			if !swapped {
				fail("paged-out page %#x has no swap record", va)
			}

			if resident {
				fail("paged-out page %#x is recorded as resident", va)
			}
		}

		return true
	})

	for _, r := range as.ledger.Resident.Records() {
		if pte, ok := as.pageTable.Lookup(r.VAddr); !ok || !pte.Present() {
			fail("resident record %#x is not present", r.VAddr)
		}

		if r.Owner != as.id {
			fail("resident record %#x is owned by %q", r.VAddr, r.Owner)
		}
	}

	for _, r := range as.ledger.Swap.Records() {
		if pte, ok := as.pageTable.Lookup(r.VAddr); !ok || !pte.PagedOut() {
			fail("swap record %#x is not paged out", r.VAddr)
		}

		if r.Owner != as.id {
			fail("swap record %#x is owned by %q", r.VAddr, r.Owner)
		}
	}

	if !enabled && as.ledger.Resident.Len() > 0 {
		fail("paging is disabled but %d pages are recorded as resident",
			as.ledger.Resident.Len())
	}

	if as.ledger.Tracked() > ledger.MaxTracked {
		fail("%d pages tracked", as.ledger.Tracked())
	}

	if as.stats.CurrentPagedOut != uint64(as.ledger.Swap.Len()) {
		fail("%d pages counted as paged out, %d swap records",
			as.stats.CurrentPagedOut, as.ledger.Swap.Len())
	}

	return errors.Join(errs...)
}
