package frame_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/vmswap/mem/frame"
)

var _ = Describe("Pool", func() {
	var pool *frame.Pool

	BeforeEach(func() {
		pool = frame.NewPool(3)
	})

	It("should allocate the lowest free frame", func() {
		f1, ok := pool.Allocate()
		Expect(ok).To(BeTrue())
		f2, _ := pool.Allocate()

		Expect(f1).To(Equal(frame.Frame(frame.Size)))
		Expect(f2).To(Equal(frame.Frame(2 * frame.Size)))
		Expect(pool.RefCount(f1)).To(Equal(1))

		pool.Release(f1)
		f3, _ := pool.Allocate()
		Expect(f3).To(Equal(f1))
	})

	It("should report exhaustion", func() {
		for i := 0; i < 3; i++ {
			_, ok := pool.Allocate()
			Expect(ok).To(BeTrue())
		}

		_, ok := pool.Allocate()
		Expect(ok).To(BeFalse())
		Expect(pool.NumFree()).To(Equal(0))
	})

	It("should keep shared frames until the last release", func() {
		f, _ := pool.Allocate()
		pool.IncRef(f)
		Expect(pool.RefCount(f)).To(Equal(2))

		pool.Release(f)
		Expect(pool.RefCount(f)).To(Equal(1))
		Expect(pool.NumFree()).To(Equal(2))

		pool.Release(f)
		Expect(pool.RefCount(f)).To(Equal(0))
		Expect(pool.NumFree()).To(Equal(3))
	})

	It("should refuse to add a reference to a free frame", func() {
		Expect(func() { pool.IncRef(frame.Frame(frame.Size)) }).To(Panic())
	})

	It("should panic when releasing a free frame", func() {
		Expect(func() { pool.Release(frame.Frame(frame.Size)) }).To(Panic())
	})

	It("should copy and zero frame content", func() {
		src, _ := pool.Allocate()
		dst, _ := pool.Allocate()

		pool.WriteFrame(src, []byte{1, 2, 3})
		pool.CopyFrame(dst, src)
		Expect(pool.ReadFrame(dst)[:3]).To(Equal([]byte{1, 2, 3}))

		pool.ZeroFrame(dst)
		Expect(pool.ReadFrame(dst)[:3]).To(Equal([]byte{0, 0, 0}))
	})

	It("should hand out zeroed frames after release", func() {
		f, _ := pool.Allocate()
		pool.WriteFrame(f, []byte{7})
		pool.Release(f)

		f, _ = pool.Allocate()
		Expect(pool.ReadFrame(f)[0]).To(Equal(byte(0)))
	})
})
