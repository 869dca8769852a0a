package vm_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/vmswap/mem/frame"
	"github.com/sarchlab/vmswap/mem/vm"
)

var _ = Describe("PTE", func() {
	It("should build a present entry", func() {
		pte := vm.NewPresentPTE(frame.Frame(0x3000), vm.FlagWritable|vm.FlagUser)

		Expect(pte.Present()).To(BeTrue())
		Expect(pte.PagedOut()).To(BeFalse())
		Expect(pte.Writable()).To(BeTrue())
		Expect(pte.User()).To(BeTrue())
		Expect(pte.Frame()).To(Equal(frame.Frame(0x3000)))
		Expect(pte.String()).To(Equal("0x3000[P|W|U]"))
	})

	It("should ignore state bits passed as permission", func() {
		pte := vm.NewPresentPTE(frame.Frame(0x1000), vm.FlagPagedOut|vm.FlagUser)

		Expect(pte.PagedOut()).To(BeFalse())
		Expect(pte.Present()).To(BeTrue())
	})

	It("should panic on unaligned frames", func() {
		Expect(func() { vm.NewPresentPTE(frame.Frame(0x1004), 0) }).To(Panic())
	})

	It("should page out and in keeping the permission", func() {
		pte := vm.NewPresentPTE(frame.Frame(0x2000), vm.FlagWritable|vm.FlagUser)
		pte.SetFlags(vm.FlagAccessed)

		pte.PageOut()
		Expect(pte.Present()).To(BeFalse())
		Expect(pte.PagedOut()).To(BeTrue())
		Expect(pte.Accessed()).To(BeFalse())
		Expect(pte.Perm()).To(Equal(vm.FlagWritable | vm.FlagUser))

		pte.PageIn(frame.Frame(0x5000))
		Expect(pte.Present()).To(BeTrue())
		Expect(pte.PagedOut()).To(BeFalse())
		Expect(pte.Frame()).To(Equal(frame.Frame(0x5000)))
		Expect(pte.Perm()).To(Equal(vm.FlagWritable | vm.FlagUser))
	})

	It("should refuse invalid transitions", func() {
		pte := vm.NewPagedOutPTE(vm.FlagUser)
		Expect(func() { pte.PageOut() }).To(Panic())
		Expect(func() { pte.SetFrame(frame.Frame(0x1000)) }).To(Panic())

		present := vm.NewPresentPTE(frame.Frame(0x1000), vm.FlagUser)
		Expect(func() { present.PageIn(frame.Frame(0x2000)) }).To(Panic())
	})

	It("should not let state bits be set directly", func() {
		pte := vm.NewPagedOutPTE(vm.FlagUser)
		Expect(func() { pte.SetFlags(vm.FlagPresent) }).To(Panic())
		Expect(func() { pte.ClearFlags(vm.FlagPagedOut) }).To(Panic())
	})

	It("should repoint a present entry", func() {
		pte := vm.NewPresentPTE(frame.Frame(0x1000), vm.FlagUser|vm.FlagAccessed)
		pte.SetFrame(frame.Frame(0x9000))

		Expect(pte.Frame()).To(Equal(frame.Frame(0x9000)))
		Expect(pte.Accessed()).To(BeTrue())
		Expect(pte.User()).To(BeTrue())
	})
})
