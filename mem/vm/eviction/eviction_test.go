package eviction_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/vmswap/mem/vm/eviction"
	"github.com/sarchlab/vmswap/mem/vm/ledger"
)

type accessBits map[uint64]bool

func (b accessBits) Accessed(vAddr uint64) bool { return b[vAddr] }

func (b accessBits) ClearAccessed(vAddr uint64) { delete(b, vAddr) }

const (
	pageA uint64 = 0x1000
	pageB uint64 = 0x2000
	pageC uint64 = 0x3000
	pageD uint64 = 0x4000
)

func tableOf(vAddrs ...uint64) *ledger.ResidentTable {
	t := &ledger.ResidentTable{}
	for _, va := range vAddrs {
		t.Append(ledger.ResidentRecord{VAddr: va})
	}

	return t
}

func order(t *ledger.ResidentTable) []uint64 {
	var out []uint64
	for _, r := range t.Records() {
		out = append(out, r.VAddr)
	}

	return out
}

var _ = Describe("Parse", func() {
	It("should parse every policy name", func() {
		for _, name := range eviction.Names() {
			p, err := eviction.Parse(name)
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Name()).To(Equal(name))
		}
	})

	It("should be case insensitive", func() {
		p, err := eviction.Parse("SCFIFO")
		Expect(err).NotTo(HaveOccurred())
		Expect(p).To(Equal(eviction.SecondChanceFIFO{}))
	})

	It("should reject unknown names", func() {
		_, err := eviction.Parse("lru")
		Expect(err).To(MatchError(ContainSubstring("unknown eviction policy")))
	})
})

var _ = Describe("SecondChanceFIFO", func() {
	var policy eviction.SecondChanceFIFO

	It("should give accessed pages a second chance", func() {
		table := tableOf(pageA, pageB, pageC, pageD)
		bits := accessBits{pageA: true, pageC: true}

		victim, freed, ok := policy.SelectVictim(table, bits)

		Expect(ok).To(BeTrue())
		Expect(victim.VAddr).To(Equal(pageB))
		Expect(freed).To(Equal(3))
		Expect(order(table)).To(Equal([]uint64{pageC, pageD, pageA}))
		Expect(bits.Accessed(pageA)).To(BeFalse())
		Expect(bits.Accessed(pageC)).To(BeTrue())
	})

	It("should evict the front when every page was accessed", func() {
		table := tableOf(pageA, pageB, pageC)
		bits := accessBits{pageA: true, pageB: true, pageC: true}

		victim, freed, ok := policy.SelectVictim(table, bits)

		Expect(ok).To(BeTrue())
		Expect(victim.VAddr).To(Equal(pageA))
		Expect(freed).To(Equal(2))
		Expect(order(table)).To(Equal([]uint64{pageB, pageC}))
		Expect(bits).To(BeEmpty())
	})

	It("should report an empty table", func() {
		_, _, ok := policy.SelectVictim(&ledger.ResidentTable{}, accessBits{})
		Expect(ok).To(BeFalse())
	})

	It("should free the last slot of a full table", func() {
		table := &ledger.ResidentTable{}
		for i := 0; i < ledger.ResidentCapacity; i++ {
			table.Append(ledger.ResidentRecord{VAddr: uint64(i+1) << 12})
		}

		_, freed, _ := policy.SelectVictim(table, accessBits{})
		Expect(freed).To(Equal(ledger.ResidentCapacity - 1))
	})
})

var _ = Describe("AdvancingQueue", func() {
	It("should evict the oldest arrival regardless of access", func() {
		table := tableOf(pageA, pageB, pageC)
		bits := accessBits{pageA: true}

		victim, freed, ok := eviction.AdvancingQueue{}.SelectVictim(table, bits)

		Expect(ok).To(BeTrue())
		Expect(victim.VAddr).To(Equal(pageA))
		Expect(freed).To(Equal(2))
		Expect(order(table)).To(Equal([]uint64{pageB, pageC}))
		Expect(bits.Accessed(pageA)).To(BeTrue())
	})
})

var _ = Describe("Disabled", func() {
	It("should never evict", func() {
		p := eviction.Disabled{}
		table := tableOf(pageA)

		_, _, ok := p.SelectVictim(table, accessBits{})

		Expect(ok).To(BeFalse())
		Expect(p.Enabled()).To(BeFalse())
		Expect(table.Len()).To(Equal(1))
	})
})

var _ = Describe("Aging", func() {
	It("should shift and record the accessed bit", func() {
		table := &ledger.ResidentTable{}
		table.Append(ledger.ResidentRecord{VAddr: pageA, Age: 0x4})
		table.Append(ledger.ResidentRecord{VAddr: pageB, Age: 0x4})
		bits := accessBits{pageA: true}

		eviction.NotFrequentlyUsed{}.Age(table, bits)

		Expect(table.At(0).Age).To(Equal(uint32(0x80000002)))
		Expect(table.At(1).Age).To(Equal(uint32(0x2)))
		Expect(bits).To(BeEmpty())
	})

	It("should do nothing for FIFO policies", func() {
		table := &ledger.ResidentTable{}
		table.Append(ledger.ResidentRecord{VAddr: pageA, Age: 0x4})
		bits := accessBits{pageA: true}

		eviction.SecondChanceFIFO{}.Age(table, bits)

		Expect(table.At(0).Age).To(Equal(uint32(0x4)))
		Expect(bits.Accessed(pageA)).To(BeTrue())
	})

	It("should give the documented initial ages", func() {
		Expect(eviction.NotFrequentlyUsed{}.InitialAge()).To(Equal(uint32(0)))
		Expect(eviction.LeastActivePageAging{}.InitialAge()).
			To(Equal(uint32(0xFFFFFFFF)))
	})
})

var _ = Describe("NFUA and LAPA", func() {
	var table *ledger.ResidentTable

	// pageA is accessed in the third tick only, pageB in the first two.
	// Their ages end as 0x80000000 and 0x60000000.
	BeforeEach(func() {
		table = tableOf(pageA, pageB)
		ticks := []accessBits{
			{pageB: true},
			{pageB: true},
			{pageA: true},
		}

		for _, bits := range ticks {
			eviction.NotFrequentlyUsed{}.Age(table, bits)
		}

		Expect(table.At(0).Age).To(Equal(uint32(0x80000000)))
		Expect(table.At(1).Age).To(Equal(uint32(0x60000000)))
	})

	It("should make NFUA evict the smaller counter", func() {
		victim, _, ok := eviction.NotFrequentlyUsed{}.SelectVictim(
			table, accessBits{})

		Expect(ok).To(BeTrue())
		Expect(victim.VAddr).To(Equal(pageB))
	})

	It("should make LAPA evict the counter with fewer set bits", func() {
		victim, _, ok := eviction.LeastActivePageAging{}.SelectVictim(
			table, accessBits{})

		Expect(ok).To(BeTrue())
		Expect(victim.VAddr).To(Equal(pageA))
	})

	It("should break ties by table order", func() {
		t := tableOf(pageA, pageB, pageC)

		victim, freed, _ := eviction.NotFrequentlyUsed{}.SelectVictim(
			t, accessBits{})
		Expect(victim.VAddr).To(Equal(pageA))
		Expect(freed).To(Equal(2))

		victim, _, _ = eviction.LeastActivePageAging{}.SelectVictim(
			t, accessBits{})
		Expect(victim.VAddr).To(Equal(pageB))
	})

	It("should make LAPA prefer the smaller counter among equal bit counts", func() {
		t := &ledger.ResidentTable{}
		t.Append(ledger.ResidentRecord{VAddr: pageA, Age: 0xC0000000})
		t.Append(ledger.ResidentRecord{VAddr: pageB, Age: 0x30000000})

		victim, _, _ := eviction.LeastActivePageAging{}.SelectVictim(
			t, accessBits{})
		Expect(victim.VAddr).To(Equal(pageB))
	})
})
