// Package swap provides the per-process backing store that holds the content
// of paged-out pages. A store is a flat array of page-sized slots: slot i
// occupies bytes [i*PageSize, (i+1)*PageSize) with no header.
package swap

import (
	"errors"
	"fmt"

	"github.com/sarchlab/vmswap/mem/vm"
)

var (
	// ErrBadSlot is returned for a negative slot index.
	ErrBadSlot = errors.New("bad swap slot")

	// ErrBadBuffer is returned when the buffer is not exactly one page.
	ErrBadBuffer = errors.New("swap buffer must be one page")

	// ErrClosed is returned when using a store after Close.
	ErrClosed = errors.New("swap store closed")
)

// A Store moves page-sized blocks between memory and a backing store.
type Store interface {
	// ReadSlot fills buf with the content of the slot. A slot that was never
	// written reads as zeros.
	ReadSlot(slot int, buf []byte) error

	// WriteSlot stores buf in the slot.
	WriteSlot(slot int, buf []byte) error

	// Close releases the store and everything it holds.
	Close() error
}

// A Factory creates the stores of a process. A process may hold more than
// one store while it replaces its image, so every store is also named after
// the identity of the address space that owns it.
type Factory interface {
	Create(pid vm.PID, owner string) (Store, error)
}

// Copy moves the content of the slot from one store to another.
func Copy(dst, src Store, slot int) error {
	buf := make([]byte, vm.PageSize)

	if err := src.ReadSlot(slot, buf); err != nil {
		return fmt.Errorf("copy slot %d: %w", slot, err)
	}

	if err := dst.WriteSlot(slot, buf); err != nil {
		return fmt.Errorf("copy slot %d: %w", slot, err)
	}

	return nil
}

func slotOffset(slot int, buf []byte) (int64, error) {
	if slot < 0 {
		return 0, fmt.Errorf("%w: %d", ErrBadSlot, slot)
	}

	if len(buf) != vm.PageSize {
		return 0, fmt.Errorf("%w: got %d bytes", ErrBadBuffer, len(buf))
	}

	return int64(slot) * vm.PageSize, nil
}
