package paging

import (
	"fmt"
	"log"

	"github.com/sarchlab/vmswap/mem/vm"
)

// HandlePageFault services a fault on a page that is not present. A page
// that has been paged out is brought back from the swap store. Any other
// not-present access kills the process.
func (as *AddressSpace) HandlePageFault(vAddr uint64) FaultOutcome {
	as.Lock()
	defer as.Unlock()

	page := vm.PageRoundDown(vAddr)

	as.stats.PageFaults++
	as.invoke(HookPosPageFault, Event{VAddr: page})

	if as.destroyed {
		return as.kill(page, "address space destroyed")
	}

	pte, ok := as.userPTE(vAddr)
	if !ok {
		return as.kill(page, "no mapping")
	}

	if !pte.User() {
		return as.kill(page, "kernel page")
	}

	if pte.Present() {
		return FaultResolved
	}

	if !pte.PagedOut() {
		return as.kill(page, "page not paged out")
	}

	if err := as.pageIn(page, pte); err != nil {
		return as.kill(page, err.Error())
	}

	return FaultResolved
}

// HandleProtectionFault services a write to a present read-only page. If the
// frame is shared, the page gets a private copy; if this space is the last
// owner, write access is given back in place.
func (as *AddressSpace) HandleProtectionFault(vAddr uint64) FaultOutcome {
	as.Lock()
	defer as.Unlock()

	page := vm.PageRoundDown(vAddr)

	as.stats.ProtectionFaults++
	as.invoke(HookPosProtectionFault, Event{VAddr: page})

	if as.destroyed {
		return as.kill(page, "address space destroyed")
	}

	pte, ok := as.userPTE(vAddr)
	if !ok || !pte.Present() || !pte.User() {
		return as.kill(page, "invalid write")
	}

	if pte.Writable() {
		return FaultResolved
	}

	old := pte.Frame()

	switch refCount := as.frames.RefCount(old); {
	case refCount > 1:
		f, ok := as.frames.Allocate()
		if !ok {
			return as.kill(page, ErrOutOfFrames.Error())
		}

		as.frames.CopyFrame(f, old)
		pte.SetFrame(f)
		pte.SetFlags(vm.FlagWritable | vm.FlagUser)
		as.frames.Release(old)

		if i, found := as.ledger.Resident.Find(page); found {
			rec := as.ledger.Resident.At(i)
			rec.Age = as.policy.InitialAge()
			as.ledger.Resident.Set(i, rec)
		}

		as.stats.CopyOnWriteCopies++
		as.stats.AllocatedPages++
		as.invoke(HookPosCopyOnWrite, Event{VAddr: page, Frame: f})
	case refCount == 1:
		pte.SetFlags(vm.FlagWritable)
	default:
		log.Panicf("process %d: frame %#x of page %#x has reference count %d",
			as.pid, old, page, refCount)
	}

	as.tlb.Invalidate(page)

	return FaultResolved
}

type faultKind int

const (
	noFault faultKind = iota
	notPresentFault
	protectionFault
)

// Read returns n bytes starting at vAddr. It translates like a processor
// would, raising and servicing faults on the way.
func (as *AddressSpace) Read(vAddr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)

	if err := as.access(vAddr, buf, false); err != nil {
		return nil, err
	}

	return buf, nil
}

// Write stores data starting at vAddr. It translates like a processor
// would, raising and servicing faults on the way.
func (as *AddressSpace) Write(vAddr uint64, data []byte) error {
	return as.access(vAddr, data, true)
}

func (as *AddressSpace) access(vAddr uint64, buf []byte, write bool) error {
	for done := 0; done < len(buf); {
		va := vAddr + uint64(done)
		n := min(len(buf)-done, int(vm.PageSize-va%vm.PageSize))

		if err := as.accessPage(va, buf[done:done+n], write); err != nil {
			return err
		}

		done += n
	}

	return nil
}

// accessPage retries the access after each serviced fault. A write to a
// paged-out shared page takes two faults: one to page it in and one to copy
// it. A fault that comes back right after being serviced is a bug.
func (as *AddressSpace) accessPage(va uint64, buf []byte, write bool) error {
	last := noFault

	for {
		fault, err := as.tryAccess(va, buf, write)
		if err != nil {
			return err
		}

		if fault == noFault {
			return nil
		}

		if fault == last {
			log.Panicf("process %d: fault at %#x repeated after being serviced",
				as.pid, va)
		}

		last = fault

		var outcome FaultOutcome
		if fault == notPresentFault {
			outcome = as.HandlePageFault(va)
		} else {
			outcome = as.HandleProtectionFault(va)
		}

		if outcome == FaultKilled {
			return fmt.Errorf("access %#x: %w", va, ErrKilled)
		}
	}
}

// tryAccess translates va and copies the data if the translation allows the
// access. A translation found in the cache always has its accessed bit set
// in the page table.
func (as *AddressSpace) tryAccess(
	va uint64,
	buf []byte,
	write bool,
) (faultKind, error) {
	as.Lock()
	defer as.Unlock()

	switch {
	case as.killed:
		return noFault, fmt.Errorf("access %#x: %w", va, ErrKilled)
	case as.destroyed:
		return noFault, fmt.Errorf("access %#x: %w", va, ErrDestroyed)
	case va >= vm.UserLimit:
		return notPresentFault, nil
	}

	page := vm.PageRoundDown(va)

	pte, hit := as.tlb.Lookup(page)
	if !hit {
		p, err := as.pageTable.Walk(page, false)
		if err != nil || !p.Present() {
			return notPresentFault, nil
		}

		p.SetFlags(vm.FlagAccessed)
		pte = *p
	}

	if !pte.User() || (write && !pte.Writable()) {
		return protectionFault, nil
	}

	if !hit {
		as.tlb.Insert(page, pte)
	}

	off := va - page
	data := as.frames.ReadFrame(pte.Frame())

	if write {
		copy(data[off:], buf)
		as.frames.WriteFrame(pte.Frame(), data)
	} else {
		copy(buf, data[off:])
	}

	return noFault, nil
}
