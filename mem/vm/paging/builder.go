package paging

import (
	"fmt"

	"github.com/sarchlab/vmswap/mem/frame"
	"github.com/sarchlab/vmswap/mem/vm"
	"github.com/sarchlab/vmswap/mem/vm/eviction"
	"github.com/sarchlab/vmswap/mem/vm/ledger"
	"github.com/sarchlab/vmswap/mem/vm/swap"
	"github.com/sarchlab/vmswap/mem/vm/tlb"
	"github.com/sarchlab/vmswap/sim"
)

// A Builder can build address spaces.
type Builder struct {
	frames          frame.Manager
	policy          eviction.Policy
	swapFactory     swap.Factory
	killOnSwapError bool
	copyOnWrite     bool
	tlbBuilder      tlb.Builder
	hooks           []sim.Hook
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		policy:      eviction.SecondChanceFIFO{},
		swapFactory: swap.MemFactory{NumSlots: ledger.SwapCapacity},
		copyOnWrite: true,
		tlbBuilder:  tlb.MakeBuilder().WithNumSets(4).WithNumWays(4),
	}
}

// WithFrames sets the frame allocator and the physical memory.
func (b Builder) WithFrames(frames frame.Manager) Builder {
	b.frames = frames
	return b
}

// WithPolicy sets the eviction policy. Kernel processes always use the
// disabled policy.
func (b Builder) WithPolicy(policy eviction.Policy) Builder {
	b.policy = policy
	return b
}

// WithSwapFactory sets how swap stores are created.
func (b Builder) WithSwapFactory(f swap.Factory) Builder {
	b.swapFactory = f
	return b
}

// WithKillOnSwapError sets whether a swap I/O failure kills the faulting
// process instead of panicking.
func (b Builder) WithKillOnSwapError(kill bool) Builder {
	b.killOnSwapError = kill
	return b
}

// WithCopyOnWrite sets whether Duplicate shares frames until the first write
// (the default) or copies them eagerly.
func (b Builder) WithCopyOnWrite(cow bool) Builder {
	b.copyOnWrite = cow
	return b
}

// WithTLB sets how the translation cache is built.
func (b Builder) WithTLB(tlbBuilder tlb.Builder) Builder {
	b.tlbBuilder = tlbBuilder
	return b
}

// WithHook registers a hook on every address space built, including the
// children created by Duplicate.
func (b Builder) WithHook(hook sim.Hook) Builder {
	b.hooks = append(b.hooks[:len(b.hooks):len(b.hooks)], hook)
	return b
}

// Build creates an empty address space for process pid.
func (b Builder) Build(pid vm.PID) (*AddressSpace, error) {
	if b.frames == nil {
		panic("frames are not set")
	}

	as := b.buildEmpty(pid)

	if err := as.installFresh(); err != nil {
		return nil, err
	}

	return as, nil
}

func (b Builder) buildEmpty(pid vm.PID) *AddressSpace {
	as := &AddressSpace{
		HookableBase: sim.NewHookableBase(),
		config:       b,
		pid:          pid,
		frames:       b.frames,
		policy:       b.policy,
		tlb:          b.tlbBuilder.Build(),
	}

	if pid <= KernelPIDLimit {
		as.policy = eviction.Disabled{}
	}

	for _, h := range b.hooks {
		as.AcceptHook(h)
	}

	return as
}

// installFresh gives the space a new identity, an empty page table and a
// new swap store.
func (as *AddressSpace) installFresh() error {
	id := sim.GetIDGenerator().Generate()

	pt, err := vm.NewPageTable(as.frames)
	if err != nil {
		return fmt.Errorf("create page table: %w", ErrOutOfFrames)
	}

	store, err := as.config.swapFactory.Create(as.pid, id)
	if err != nil {
		pt.Free()
		return fmt.Errorf("create swap store: %w", err)
	}

	as.id = id
	as.pageTable = pt
	as.store = store
	as.size = 0
	as.ledger.Reset()
	as.stats = Stats{}
	as.tlb.Flush()

	return nil
}
