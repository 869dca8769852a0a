package vm

import (
	"fmt"
	"strings"

	"github.com/sarchlab/vmswap/mem/frame"
)

// PTEFlag describes a flag that can be applied to a page table entry.
type PTEFlag uint64

// The flags of a page table entry. The encoding follows the x86 layout, with
// the paged-out marker stored in one of the bits left to the OS.
const (
	FlagPresent  PTEFlag = 0x001
	FlagWritable PTEFlag = 0x002
	FlagUser     PTEFlag = 0x004
	FlagAccessed PTEFlag = 0x020
	FlagPagedOut PTEFlag = 0x200

	// PermMask selects the permission bits that survive a swap round trip.
	PermMask = FlagWritable | FlagUser

	flagMask    = PTEFlag(PageSize - 1)
	stateFlags  = FlagPresent | FlagPagedOut
	mutableMask = FlagWritable | FlagUser | FlagAccessed
)

// A PTE records the frame that backs a virtual page and the state of the
// page. A PTE is never present and paged-out at the same time; the
// constructors and the transition methods are the only way to change those
// two bits.
type PTE uint64

// NewPresentPTE returns an entry mapping frame f with the given permission.
func NewPresentPTE(f frame.Frame, perm PTEFlag) PTE {
	if uint64(f)&uint64(flagMask) != 0 {
		panic(fmt.Sprintf("frame %#x is not page aligned", f))
	}

	return PTE(uint64(f) | uint64(perm&mutableMask) | uint64(FlagPresent))
}

// NewPagedOutPTE returns an entry for a page whose content lives only in the
// swap store.
func NewPagedOutPTE(perm PTEFlag) PTE {
	return PTE(uint64(perm&PermMask) | uint64(FlagPagedOut))
}

// HasFlags returns true if this entry has all the input flags set.
func (p PTE) HasFlags(flags PTEFlag) bool {
	return PTEFlag(p)&flags == flags
}

// Present tells if the page is backed by a frame.
func (p PTE) Present() bool { return p.HasFlags(FlagPresent) }

// Writable tells if the page can be written from user mode.
func (p PTE) Writable() bool { return p.HasFlags(FlagWritable) }

// User tells if the page is accessible from user mode.
func (p PTE) User() bool { return p.HasFlags(FlagUser) }

// Accessed tells if the page has been touched since the bit was cleared.
func (p PTE) Accessed() bool { return p.HasFlags(FlagAccessed) }

// PagedOut tells if the page content lives in the swap store.
func (p PTE) PagedOut() bool { return p.HasFlags(FlagPagedOut) }

// Empty tells if the entry maps nothing at all.
func (p PTE) Empty() bool { return p == 0 }

// Frame returns the frame the entry points to. It is only meaningful when the
// entry is present.
func (p PTE) Frame() frame.Frame {
	return frame.Frame(uint64(p) &^ uint64(flagMask))
}

// Flags returns all the flag bits of the entry.
func (p PTE) Flags() PTEFlag {
	return PTEFlag(p) & flagMask
}

// Perm returns the permission bits of the entry.
func (p PTE) Perm() PTEFlag {
	return PTEFlag(p) & PermMask
}

// SetFlags sets permission or accessed bits.
func (p *PTE) SetFlags(flags PTEFlag) {
	mustBeMutable(flags)
	*p = PTE(PTEFlag(*p) | flags)
}

// ClearFlags clears permission or accessed bits.
func (p *PTE) ClearFlags(flags PTEFlag) {
	mustBeMutable(flags)
	*p = PTE(PTEFlag(*p) &^ flags)
}

// SetFrame repoints a present entry at another frame.
func (p *PTE) SetFrame(f frame.Frame) {
	if !p.Present() {
		panic("setting the frame of a non-present entry")
	}

	*p = NewPresentPTE(f, p.Flags())
}

// PageOut turns a present entry into a paged-out entry, keeping its
// permission.
func (p *PTE) PageOut() {
	if !p.Present() {
		panic("paging out a non-present entry")
	}

	*p = NewPagedOutPTE(p.Perm())
}

// PageIn turns a paged-out entry into a present entry backed by f, keeping
// its permission.
func (p *PTE) PageIn(f frame.Frame) {
	if !p.PagedOut() {
		panic("paging in an entry that is not paged out")
	}

	*p = NewPresentPTE(f, p.Perm())
}

// Clear removes the mapping.
func (p *PTE) Clear() {
	*p = 0
}

func (p PTE) String() string {
	var names []string

	for _, f := range []struct {
		flag PTEFlag
		name string
	}{
		{FlagPresent, "P"},
		{FlagWritable, "W"},
		{FlagUser, "U"},
		{FlagAccessed, "A"},
		{FlagPagedOut, "PG"},
	} {
		if p.HasFlags(f.flag) {
			names = append(names, f.name)
		}
	}

	return fmt.Sprintf("%#x[%s]", uint64(p.Frame()), strings.Join(names, "|"))
}

func mustBeMutable(flags PTEFlag) {
	if flags&stateFlags != 0 || flags&^mutableMask != 0 {
		panic(fmt.Sprintf("flags %#x cannot be changed directly", flags))
	}
}
