package tlb

import "github.com/sarchlab/vmswap/mem/vm"

// A Builder can build TLBs
type Builder struct {
	numSets      int
	numWays      int
	log2PageSize uint64
}

// MakeBuilder returns a Builder
func MakeBuilder() Builder {
	return Builder{
		numSets:      1,
		numWays:      32,
		log2PageSize: vm.Log2PageSize,
	}
}

// WithNumSets sets the number of sets in a TLB. Use 1 for fully associated
// TLBs.
func (b Builder) WithNumSets(n int) Builder {
	b.numSets = n
	return b
}

// WithNumWays sets the number of ways in a TLB.
func (b Builder) WithNumWays(n int) Builder {
	b.numWays = n
	return b
}

// WithLog2PageSize sets the page size as a power of 2
func (b Builder) WithLog2PageSize(n uint64) Builder {
	b.log2PageSize = n
	return b
}

// Build creates a new TLB
func (b Builder) Build() *TLB {
	if b.numSets <= 0 || b.numWays <= 0 {
		panic("a TLB needs at least one set and one way")
	}

	t := &TLB{
		numSets:      b.numSets,
		numWays:      b.numWays,
		log2PageSize: b.log2PageSize,
	}
	t.reset()

	return t
}
