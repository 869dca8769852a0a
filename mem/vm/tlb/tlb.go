// Package tlb provides the translation cache of an address space. It holds
// copies of page table entries, so every change to the page table must be
// followed by an invalidation of the affected address.
package tlb

import (
	"sync"

	"github.com/sarchlab/vmswap/mem/vm"
	"github.com/sarchlab/vmswap/mem/vm/tlb/internal"
)

// A TLB caches the translations of one address space.
type TLB struct {
	sync.Mutex

	numSets      int
	numWays      int
	log2PageSize uint64

	Sets []internal.Set

	hits, misses uint64
}

// Reset sets all the entries in the TLB to be invalid.
func (t *TLB) reset() {
	t.Sets = make([]internal.Set, t.numSets)
	for i := 0; i < t.numSets; i++ {
		t.Sets[i] = internal.NewSet(t.numWays)
	}
}

func (t *TLB) vAddrToSetID(vAddr uint64) (setID int) {
	return int(vAddr / (1 << t.log2PageSize) % uint64(t.numSets))
}

func (t *TLB) pageAddr(vAddr uint64) uint64 {
	return vAddr >> t.log2PageSize << t.log2PageSize
}

// Lookup returns the cached entry of the page that holds vAddr.
func (t *TLB) Lookup(vAddr uint64) (vm.PTE, bool) {
	t.Lock()
	defer t.Unlock()

	page := t.pageAddr(vAddr)
	set := t.Sets[t.vAddrToSetID(page)]

	wayID, pte, found := set.Lookup(page)
	if !found {
		t.misses++
		return 0, false
	}

	t.hits++
	set.Visit(wayID)

	return pte, true
}

// Insert caches the entry of the page that holds vAddr. Only present entries
// can be cached.
func (t *TLB) Insert(vAddr uint64, pte vm.PTE) {
	if !pte.Present() {
		panic("caching a non-present translation")
	}

	t.Lock()
	defer t.Unlock()

	page := t.pageAddr(vAddr)
	set := t.Sets[t.vAddrToSetID(page)]

	wayID, _, found := set.Lookup(page)
	if !found {
		var ok bool

		wayID, ok = set.Evict()
		if !ok {
			panic("failed to evict")
		}
	}

	set.Update(wayID, page, pte)
	set.Visit(wayID)
}

// Invalidate drops the translation of the page that holds vAddr.
func (t *TLB) Invalidate(vAddr uint64) {
	t.Lock()
	defer t.Unlock()

	page := t.pageAddr(vAddr)
	t.Sets[t.vAddrToSetID(page)].Invalidate(page)
}

// Flush drops every translation.
func (t *TLB) Flush() {
	t.Lock()
	defer t.Unlock()

	t.reset()
}

// Stats returns the number of hits and misses since the TLB was built.
func (t *TLB) Stats() (hits, misses uint64) {
	t.Lock()
	defer t.Unlock()

	return t.hits, t.misses
}
