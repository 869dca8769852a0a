package eviction

import "github.com/sarchlab/vmswap/mem/vm/ledger"

// SecondChanceFIFO evicts the oldest arrival whose page has not been
// accessed. Accessed pages met on the way lose their bit and move to the
// back of the queue.
type SecondChanceFIFO struct {
	noAging
}

// Name returns "scfifo".
func (SecondChanceFIFO) Name() string { return "scfifo" }

// Enabled returns true.
func (SecondChanceFIFO) Enabled() bool { return true }

// SelectVictim scans from the front. The scan stops at the first page with a
// clear accessed bit. When every page has been accessed, all the bits end up
// cleared and the front page is evicted.
func (SecondChanceFIFO) SelectVictim(
	table *ledger.ResidentTable,
	bits AccessBits,
) (ledger.ResidentRecord, int, bool) {
	if table.Len() == 0 {
		return ledger.ResidentRecord{}, -1, false
	}

	var survivors []ledger.ResidentRecord

	for table.Len() > 0 {
		front := table.At(0)
		if !bits.Accessed(front.VAddr) {
			break
		}

		bits.ClearAccessed(front.VAddr)
		survivors = append(survivors, table.RemoveAt(0))
	}

	var victim ledger.ResidentRecord

	if table.Len() == 0 {
		victim = survivors[0]
		survivors = survivors[1:]
	} else {
		victim = table.RemoveAt(0)
	}

	for _, s := range survivors {
		table.Append(s)
	}

	return victim, table.Len(), true
}
