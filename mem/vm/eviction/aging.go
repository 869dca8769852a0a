package eviction

import (
	"math/bits"

	"github.com/sarchlab/vmswap/mem/vm/ledger"
)

const ageTopBit uint32 = 0x80000000

// age shifts every counter right and records the accessed bit in the top
// bit, then clears the accessed bit.
func age(table *ledger.ResidentTable, access AccessBits) {
	for i := 0; i < table.Len(); i++ {
		rec := table.At(i)
		rec.Age >>= 1

		if access.Accessed(rec.VAddr) {
			rec.Age |= ageTopBit
			access.ClearAccessed(rec.VAddr)
		}

		table.Set(i, rec)
	}
}

// NotFrequentlyUsed evicts the page with the smallest age counter.
type NotFrequentlyUsed struct{}

// Name returns "nfua".
func (NotFrequentlyUsed) Name() string { return "nfua" }

// Enabled returns true.
func (NotFrequentlyUsed) Enabled() bool { return true }

// Age shifts the counters.
func (NotFrequentlyUsed) Age(table *ledger.ResidentTable, access AccessBits) {
	age(table, access)
}

// InitialAge returns 0.
func (NotFrequentlyUsed) InitialAge() uint32 { return 0 }

// SelectVictim evicts the first page with the smallest age.
func (NotFrequentlyUsed) SelectVictim(
	table *ledger.ResidentTable,
	_ AccessBits,
) (ledger.ResidentRecord, int, bool) {
	if table.Len() == 0 {
		return ledger.ResidentRecord{}, -1, false
	}

	minIndex := 0
	for i := 1; i < table.Len(); i++ {
		if table.At(i).Age < table.At(minIndex).Age {
			minIndex = i
		}
	}

	return evictAt(table, minIndex)
}

// LeastActivePageAging evicts the page whose age counter has the fewest set
// bits, preferring the smaller counter among equals.
type LeastActivePageAging struct{}

// Name returns "lapa".
func (LeastActivePageAging) Name() string { return "lapa" }

// Enabled returns true.
func (LeastActivePageAging) Enabled() bool { return true }

// Age shifts the counters.
func (LeastActivePageAging) Age(
	table *ledger.ResidentTable,
	access AccessBits,
) {
	age(table, access)
}

// InitialAge returns a counter with every bit set.
func (LeastActivePageAging) InitialAge() uint32 { return 0xFFFFFFFF }

// SelectVictim evicts the first page with the fewest set bits and then the
// smallest age.
func (LeastActivePageAging) SelectVictim(
	table *ledger.ResidentTable,
	_ AccessBits,
) (ledger.ResidentRecord, int, bool) {
	if table.Len() == 0 {
		return ledger.ResidentRecord{}, -1, false
	}

	minIndex := 0
	minAge := table.At(0).Age
	minCount := bits.OnesCount32(minAge)

	for i := 1; i < table.Len(); i++ {
		a := table.At(i).Age
		c := bits.OnesCount32(a)

		if c < minCount || (c == minCount && a < minAge) {
			minIndex, minAge, minCount = i, a, c
		}
	}

	return evictAt(table, minIndex)
}
