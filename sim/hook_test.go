package sim

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var (
	posA = &HookPos{Name: "A"}
	posB = &HookPos{Name: "B"}
)

type recordingHook struct {
	calls []HookCtx
}

func (h *recordingHook) Func(ctx HookCtx) {
	h.calls = append(h.calls, ctx)
}

var _ = Describe("HookableBase", func() {
	var (
		domain *HookableBase
		hook   *recordingHook
	)

	BeforeEach(func() {
		domain = NewHookableBase()
		hook = &recordingHook{}
	})

	It("should start without hooks", func() {
		Expect(domain.NumHooks()).To(Equal(0))

		domain.InvokeHook(HookCtx{Domain: domain, Pos: posA})
	})

	It("should pass the context to the hook", func() {
		domain.AcceptHook(hook)
		item := 42

		domain.InvokeHook(HookCtx{Domain: domain, Pos: posA, Item: item})

		Expect(domain.NumHooks()).To(Equal(1))
		Expect(hook.calls).To(HaveLen(1))
		Expect(hook.calls[0].Domain).To(BeIdenticalTo(domain))
		Expect(hook.calls[0].Pos).To(BeIdenticalTo(posA))
		Expect(hook.calls[0].Item).To(Equal(item))
	})

	It("should invoke every hook in registration order", func() {
		var order []string

		domain.AcceptHook(HookFunc(func(HookCtx) { order = append(order, "first") }))
		domain.AcceptHook(HookFunc(func(HookCtx) { order = append(order, "second") }))

		domain.InvokeHook(HookCtx{Pos: posA})
		domain.InvokeHook(HookCtx{Pos: posB})

		Expect(order).To(Equal([]string{"first", "second", "first", "second"}))
	})

	It("should leave position filtering to the hook", func() {
		domain.AcceptHook(hook)

		domain.InvokeHook(HookCtx{Pos: posA})
		domain.InvokeHook(HookCtx{Pos: posB})

		Expect(hook.calls[0].Pos).To(BeIdenticalTo(posA))
		Expect(hook.calls[1].Pos).To(BeIdenticalTo(posB))
	})
})
