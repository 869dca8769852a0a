// Package paging implements demand paging with a per-process swap store on
// top of the two-level page table of package vm.
//
// Every page of a paging-enabled address space is tracked by the ledger of
// the space: it is either resident, backed by a frame, or paged out, backed
// by a swap slot. When the resident table is full, the eviction policy of the
// space picks the page that moves to the swap store. Pages are brought back
// on demand by HandlePageFault. Frames shared between a parent and a child
// are copied on the first write by HandleProtectionFault.
package paging

import (
	"errors"

	"github.com/sarchlab/vmswap/mem/frame"
	"github.com/sarchlab/vmswap/mem/vm"
	"github.com/sarchlab/vmswap/sim"
)

// KernelPIDLimit is the largest PID of a kernel-critical process. Paging is
// disabled for those processes.
const KernelPIDLimit vm.PID = 2

var (
	// ErrBudgetExceeded is returned when an address space would track more
	// pages than its ledger can hold.
	ErrBudgetExceeded = errors.New("page budget exceeded")

	// ErrOutOfFrames is returned when no physical frame is left.
	ErrOutOfFrames = errors.New("out of physical frames")

	// ErrAddressOutOfRange is returned for sizes that reach into the kernel
	// part of the address space.
	ErrAddressOutOfRange = errors.New("address out of user range")

	// ErrBadImage is returned when an image cannot be loaded.
	ErrBadImage = errors.New("bad image")

	// ErrKilled is returned by accesses of a killed process.
	ErrKilled = errors.New("process killed")

	// ErrDestroyed is returned when using a destroyed address space.
	ErrDestroyed = errors.New("address space destroyed")
)

// FaultOutcome tells how a fault has been handled.
type FaultOutcome int

// The outcomes of a fault.
const (
	FaultResolved FaultOutcome = iota
	FaultKilled
)

func (o FaultOutcome) String() string {
	switch o {
	case FaultResolved:
		return "resolved"
	case FaultKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// Stats are the paging counters of an address space.
type Stats struct {
	AllocatedPages    uint64
	PageFaults        uint64
	ProtectionFaults  uint64
	CopyOnWriteCopies uint64
	TotalPagedOut     uint64
	CurrentPagedOut   uint64
}

// Hook positions of an address space. The item of the hook context is an
// Event.
var (
	HookPosPageFault       = &sim.HookPos{Name: "PageFault"}
	HookPosProtectionFault = &sim.HookPos{Name: "ProtectionFault"}
	HookPosSwapOut         = &sim.HookPos{Name: "SwapOut"}
	HookPosSwapIn          = &sim.HookPos{Name: "SwapIn"}
	HookPosCopyOnWrite     = &sim.HookPos{Name: "CopyOnWrite"}
	HookPosKill            = &sim.HookPos{Name: "Kill"}
	HookPosImageReplaced   = &sim.HookPos{Name: "ImageReplaced"}
)

// An Event describes what happened at a hook position.
type Event struct {
	Space string
	PID   vm.PID
	VAddr uint64
	Frame frame.Frame
	Slot  int
	Cause string
}
