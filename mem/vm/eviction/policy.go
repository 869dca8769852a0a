// Package eviction provides the policies that choose which resident page is
// moved to the swap store when a process needs a frame and its resident
// table is full.
package eviction

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sarchlab/vmswap/mem/vm/ledger"
)

// AccessBits gives a policy access to the accessed bits of the page table
// entries of the resident pages.
type AccessBits interface {
	Accessed(vAddr uint64) bool
	ClearAccessed(vAddr uint64)
}

// A Policy decides which resident page to evict.
type Policy interface {
	// Name returns the name the policy is selected by.
	Name() string

	// Enabled tells if the policy tracks pages at all. Processes under a
	// disabled policy keep every page resident.
	Enabled() bool

	// SelectVictim removes the victim from the table and compacts it. freed
	// is the index that the next appended record will take. ok is false
	// only if the table holds no candidate.
	SelectVictim(
		table *ledger.ResidentTable,
		bits AccessBits,
	) (victim ledger.ResidentRecord, freed int, ok bool)

	// Age runs one maintenance step over the resident records.
	Age(table *ledger.ResidentTable, bits AccessBits)

	// InitialAge is the age given to a page when it is recorded.
	InitialAge() uint32
}

var registry = map[string]func() Policy{
	"scfifo": func() Policy { return SecondChanceFIFO{} },
	"nfua":   func() Policy { return NotFrequentlyUsed{} },
	"lapa":   func() Policy { return LeastActivePageAging{} },
	"aq":     func() Policy { return AdvancingQueue{} },
	"none":   func() Policy { return Disabled{} },
}

// Parse returns the policy with the given name.
func Parse(name string) (Policy, error) {
	newPolicy, ok := registry[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown eviction policy %q, available: %s",
			name, strings.Join(Names(), ", "))
	}

	return newPolicy(), nil
}

// Names lists the names accepted by Parse.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}

	sort.Strings(names)

	return names
}

func evictAt(
	table *ledger.ResidentTable,
	i int,
) (ledger.ResidentRecord, int, bool) {
	victim := table.RemoveAt(i)
	return victim, table.Len(), true
}

// noAging is embedded by the policies that keep no age counters.
type noAging struct{}

func (noAging) Age(*ledger.ResidentTable, AccessBits) {}

func (noAging) InitialAge() uint32 { return 0 }

// Disabled never evicts. It is also forced on kernel processes.
type Disabled struct {
	noAging
}

// Name returns "none".
func (Disabled) Name() string { return "none" }

// Enabled returns false.
func (Disabled) Enabled() bool { return false }

// SelectVictim never finds a victim.
func (Disabled) SelectVictim(
	*ledger.ResidentTable,
	AccessBits,
) (ledger.ResidentRecord, int, bool) {
	return ledger.ResidentRecord{}, -1, false
}

// AdvancingQueue always evicts the oldest arrival.
type AdvancingQueue struct {
	noAging
}

// Name returns "aq".
func (AdvancingQueue) Name() string { return "aq" }

// Enabled returns true.
func (AdvancingQueue) Enabled() bool { return true }

// SelectVictim evicts the front of the table.
func (AdvancingQueue) SelectVictim(
	table *ledger.ResidentTable,
	_ AccessBits,
) (ledger.ResidentRecord, int, bool) {
	if table.Len() == 0 {
		return ledger.ResidentRecord{}, -1, false
	}

	return evictAt(table, 0)
}
