package swap

import (
	"fmt"

	"github.com/sarchlab/vmswap/mem/memory"
	"github.com/sarchlab/vmswap/mem/vm"
)

// A MemStore keeps the slots in a memory.Storage.
type MemStore struct {
	storage *memory.Storage
	closed  bool
}

// NewMemStore creates a store with numSlots slots.
func NewMemStore(numSlots int) *MemStore {
	return &MemStore{
		storage: memory.NewStorageWithUnitSize(
			uint64(numSlots)*vm.PageSize, vm.PageSize),
	}
}

// ReadSlot reads one page.
func (s *MemStore) ReadSlot(slot int, buf []byte) error {
	off, err := slotOffset(slot, buf)
	if err != nil {
		return err
	}

	if s.closed {
		return ErrClosed
	}

	data, err := s.storage.Read(uint64(off), vm.PageSize)
	if err != nil {
		return fmt.Errorf("read swap slot %d: %w", slot, err)
	}

	copy(buf, data)

	return nil
}

// WriteSlot writes one page.
func (s *MemStore) WriteSlot(slot int, buf []byte) error {
	off, err := slotOffset(slot, buf)
	if err != nil {
		return err
	}

	if s.closed {
		return ErrClosed
	}

	if err := s.storage.Write(uint64(off), buf); err != nil {
		return fmt.Errorf("write swap slot %d: %w", slot, err)
	}

	return nil
}

// Close drops the content of every slot.
func (s *MemStore) Close() error {
	if s.closed {
		return nil
	}

	for a := uint64(0); a < s.storage.Capacity(); a += vm.PageSize {
		s.storage.Discard(a)
	}

	s.closed = true

	return nil
}

// NumWrittenSlots returns how many slots hold data.
func (s *MemStore) NumWrittenSlots() int {
	return s.storage.NumAllocatedUnits()
}

// MemFactory creates in-memory stores.
type MemFactory struct {
	NumSlots int
}

// Create returns a new empty store.
func (f MemFactory) Create(vm.PID, string) (Store, error) {
	return NewMemStore(f.NumSlots), nil
}
