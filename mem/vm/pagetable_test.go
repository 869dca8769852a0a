package vm_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/vmswap/mem/frame"
	"github.com/sarchlab/vmswap/mem/vm"
)

var _ = Describe("PageTable", func() {
	var (
		pool *frame.Pool
		pt   *vm.PageTable
	)

	BeforeEach(func() {
		var err error

		pool = frame.NewPool(16)
		pt, err = vm.NewPageTable(pool)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should round addresses to pages", func() {
		Expect(vm.PageRoundDown(0x1234)).To(Equal(uint64(0x1000)))
		Expect(vm.PageRoundUp(0x1234)).To(Equal(uint64(0x2000)))
		Expect(vm.PageRoundUp(0x2000)).To(Equal(uint64(0x2000)))
		Expect(vm.NextTableBoundary(0x1234)).To(Equal(uint64(0x400000)))
	})

	It("should not allocate when walking without allocation", func() {
		_, err := pt.Walk(0x1000, false)

		Expect(err).To(MatchError(vm.ErrNoEntry))
		Expect(pt.NumTables()).To(Equal(1))
	})

	It("should allocate a table when walking with allocation", func() {
		pte, err := pt.Walk(0x1000, true)

		Expect(err).NotTo(HaveOccurred())
		Expect(pte.Empty()).To(BeTrue())
		Expect(pt.NumTables()).To(Equal(2))
		Expect(pool.NumFree()).To(Equal(14))
	})

	It("should report exhaustion when a table cannot be allocated", func() {
		small := frame.NewPool(1)
		table, err := vm.NewPageTable(small)
		Expect(err).NotTo(HaveOccurred())

		_, err = table.Walk(0x1000, true)
		Expect(err).To(MatchError(vm.ErrOutOfFrames))
	})

	It("should map a range of pages", func() {
		Expect(pt.Map(0x1000, frame.Frame(0x8000), 2*vm.PageSize,
			vm.FlagWritable|vm.FlagUser)).To(Succeed())

		pte, ok := pt.Lookup(0x1fff)
		Expect(ok).To(BeTrue())
		Expect(pte.Frame()).To(Equal(frame.Frame(0x8000)))

		pte, ok = pt.Lookup(0x2000)
		Expect(ok).To(BeTrue())
		Expect(pte.Frame()).To(Equal(frame.Frame(0x9000)))

		_, ok = pt.Lookup(0x3000)
		Expect(ok).To(BeFalse())
	})

	It("should panic on remap", func() {
		Expect(pt.Map(0x1000, frame.Frame(0x8000), vm.PageSize, 0)).To(Succeed())

		Expect(func() {
			_ = pt.Map(0x1000, frame.Frame(0x9000), vm.PageSize, 0)
		}).To(Panic())
	})

	It("should unmap and clear the user bit", func() {
		Expect(pt.Map(0x1000, frame.Frame(0x8000), vm.PageSize,
			vm.FlagUser)).To(Succeed())

		Expect(pt.ClearUser(0x1000)).To(Succeed())
		pte, _ := pt.Lookup(0x1000)
		Expect(pte.User()).To(BeFalse())

		old := pt.Unmap(0x1000)
		Expect(old.Frame()).To(Equal(frame.Frame(0x8000)))
		_, ok := pt.Lookup(0x1000)
		Expect(ok).To(BeFalse())
	})

	It("should visit entries in address order", func() {
		Expect(pt.Map(0x400000, frame.Frame(0x8000), vm.PageSize, 0)).To(Succeed())
		Expect(pt.Map(0x1000, frame.Frame(0x9000), vm.PageSize, 0)).To(Succeed())

		var visited []uint64
		pt.Range(func(va uint64, _ *vm.PTE) bool {
			visited = append(visited, va)
			return true
		})

		Expect(visited).To(Equal([]uint64{0x1000, 0x400000}))
	})

	It("should refuse to free a table with mapped pages", func() {
		f, _ := pool.Allocate()
		Expect(pt.Map(0, f, vm.PageSize, 0)).To(Succeed())

		Expect(func() { pt.Free() }).To(Panic())
	})

	It("should release every table frame on free", func() {
		f, _ := pool.Allocate()
		Expect(pt.Map(0, f, vm.PageSize, 0)).To(Succeed())

		pt.ReleasePages()
		pt.Free()

		Expect(pool.NumFree()).To(Equal(16))
	})

	Context("duplication", func() {
		var data frame.Frame

		BeforeEach(func() {
			data, _ = pool.Allocate()
			pool.WriteFrame(data, []byte("hello"))
			Expect(pt.Map(0, data, vm.PageSize,
				vm.FlagWritable|vm.FlagUser)).To(Succeed())

			pte, _ := pt.Walk(vm.PageSize, true)
			*pte = vm.NewPagedOutPTE(vm.FlagWritable | vm.FlagUser)
		})

		It("should copy present pages into fresh frames", func() {
			dst, err := pt.Duplicate(pool)
			Expect(err).NotTo(HaveOccurred())

			pte, _ := dst.Lookup(0)
			Expect(pte.Frame()).NotTo(Equal(data))
			Expect(pool.ReadFrame(pte.Frame())[:5]).To(Equal([]byte("hello")))
			Expect(pte.Writable()).To(BeTrue())

			pte, _ = dst.Lookup(vm.PageSize)
			Expect(pte.PagedOut()).To(BeTrue())
			Expect(pte.Present()).To(BeFalse())
		})

		It("should share present pages copy-on-write", func() {
			dst, err := pt.ShareCopyOnWrite()
			Expect(err).NotTo(HaveOccurred())

			child, _ := dst.Lookup(0)
			parent, _ := pt.Lookup(0)
			Expect(child.Frame()).To(Equal(data))
			Expect(child.Writable()).To(BeFalse())
			Expect(parent.Writable()).To(BeFalse())
			Expect(pool.RefCount(data)).To(Equal(2))

			pte, _ := dst.Lookup(vm.PageSize)
			Expect(pte.PagedOut()).To(BeTrue())
		})

		It("should restore the source when sharing runs out of frames", func() {
			for pool.NumFree() > 0 {
				pool.Allocate()
			}

			_, err := pt.ShareCopyOnWrite()
			Expect(err).To(MatchError(vm.ErrOutOfFrames))

			parent, _ := pt.Lookup(0)
			Expect(parent.Writable()).To(BeTrue())
			Expect(pool.RefCount(data)).To(Equal(1))
		})

		It("should release partial copies when running out of frames", func() {
			// Leave room for the directory and one table only.
			for pool.NumFree() > 2 {
				pool.Allocate()
			}

			_, err := pt.Duplicate(pool)
			Expect(err).To(MatchError(vm.ErrOutOfFrames))
			Expect(pool.NumFree()).To(Equal(2))
		})
	})
})
