package internal

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/vmswap/mem/frame"
	"github.com/sarchlab/vmswap/mem/vm"
)

var _ = Describe("TLB Set", func() {
	var (
		set Set
	)

	BeforeEach(func() {
		set = NewSet(4)
	})

	It("should miss on an empty set", func() {
		_, _, found := set.Lookup(0x1000)
		Expect(found).To(BeFalse())
	})

	It("should find an updated translation", func() {
		pte := vm.NewPresentPTE(frame.Frame(0x8000), vm.FlagUser)
		set.Update(1, 0x1000, pte)

		wayID, got, found := set.Lookup(0x1000)
		Expect(found).To(BeTrue())
		Expect(wayID).To(Equal(1))
		Expect(got).To(Equal(pte))
	})

	It("should drop the old key when a way is refilled", func() {
		set.Update(1, 0x1000, vm.NewPresentPTE(frame.Frame(0x8000), 0))
		set.Update(1, 0x2000, vm.NewPresentPTE(frame.Frame(0x9000), 0))

		_, _, found := set.Lookup(0x1000)
		Expect(found).To(BeFalse())
		_, _, found = set.Lookup(0x2000)
		Expect(found).To(BeTrue())
	})

	It("should evict the least recently visited way", func() {
		set.Visit(0)
		set.Visit(2)

		wayID, ok := set.Evict()
		Expect(ok).To(BeTrue())
		Expect(wayID).To(Equal(1))
	})

	It("should make an invalidated way the next victim", func() {
		set.Update(3, 0x3000, vm.NewPresentPTE(frame.Frame(0x8000), 0))
		set.Visit(3)

		Expect(set.Invalidate(0x3000)).To(BeTrue())
		Expect(set.Invalidate(0x3000)).To(BeFalse())

		wayID, ok := set.Evict()
		Expect(ok).To(BeTrue())
		Expect(wayID).To(Equal(3))
	})

	It("should report nothing to evict when every way is taken out", func() {
		for i := 0; i < 4; i++ {
			_, ok := set.Evict()
			Expect(ok).To(BeTrue())
		}

		_, ok := set.Evict()
		Expect(ok).To(BeFalse())
	})
})
