package paging

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/vmswap/mem/frame"
	"github.com/sarchlab/vmswap/mem/vm/eviction"
	"github.com/sarchlab/vmswap/mem/vm/ledger"
)

func ages(as *AddressSpace) map[uint64]uint32 {
	out := make(map[uint64]uint32)
	for _, r := range as.Ledger().Resident {
		out[r.VAddr] = r.Age
	}

	return out
}

var _ = Describe("Maintainer", func() {
	var (
		pool *frame.Pool
		m    *Maintainer
		as   *AddressSpace
	)

	BeforeEach(func() {
		var err error

		pool = frame.NewPool(64)
		m = NewMaintainer()
		as, err = MakeBuilder().
			WithFrames(pool).
			WithPolicy(eviction.NotFrequentlyUsed{}).
			Build(10)
		Expect(err).NotTo(HaveOccurred())

		m.Register(as)
	})

	It("should age the pages of registered spaces", func() {
		_, _ = as.Grow(pages(3))
		_, _ = as.Read(pages(1), 1)

		Expect(m.Tick(context.Background())).To(Succeed())

		Expect(ages(as)).To(Equal(map[uint64]uint32{
			pages(0): 0,
			pages(1): 0x80000000,
			pages(2): 0,
		}))
		Expect(m.Ticks()).To(Equal(uint64(1)))

		pte, _ := as.Lookup(pages(1))
		Expect(pte.Accessed()).To(BeFalse())
	})

	It("should see accesses served by the translation cache", func() {
		_, _ = as.Grow(pages(1))
		_, _ = as.Read(0, 1)
		_ = m.Tick(context.Background())

		_, _ = as.Read(0, 1)
		_ = m.Tick(context.Background())

		Expect(ages(as)[0]).To(Equal(uint32(0xC0000000)))
	})

	It("should let aging pick the victim", func() {
		_, _ = as.Grow(pages(ledger.ResidentCapacity))
		for i := 0; i < ledger.ResidentCapacity; i++ {
			if i != 5 {
				_, _ = as.Read(pages(i), 1)
			}
		}

		_ = m.Tick(context.Background())
		_, err := as.Grow(pages(ledger.ResidentCapacity + 1))
		Expect(err).NotTo(HaveOccurred())

		pte, _ := as.Lookup(pages(5))
		Expect(pte.PagedOut()).To(BeTrue())
		Expect(as.CheckConsistency()).To(Succeed())
	})

	It("should age several spaces", func() {
		other, _ := MakeBuilder().
			WithFrames(pool).
			WithPolicy(eviction.LeastActivePageAging{}).
			Build(11)
		m.Register(other)

		_, _ = as.Grow(pages(1))
		_, _ = other.Grow(pages(1))

		Expect(m.Tick(context.Background())).To(Succeed())

		Expect(ages(as)[0]).To(Equal(uint32(0)))
		Expect(ages(other)[0]).To(Equal(uint32(0x7FFFFFFF)))
		Expect(m.Spaces()).To(Equal([]*AddressSpace{as, other}))
	})

	It("should skip destroyed spaces", func() {
		_, _ = as.Grow(pages(1))
		Expect(as.Destroy()).To(Succeed())

		Expect(m.Tick(context.Background())).To(Succeed())
	})

	It("should stop on a canceled context", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		Expect(m.Tick(ctx)).To(MatchError(context.Canceled))
		Expect(m.Ticks()).To(Equal(uint64(0)))
	})

	It("should forget unregistered spaces", func() {
		m.Unregister(as)

		Expect(m.Spaces()).To(BeEmpty())
	})
})
