package swap

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sarchlab/vmswap/mem/vm"
)

// A FileStore keeps the slots of one process in a file.
type FileStore struct {
	sync.Mutex

	path string
	file *os.File
}

// OpenFileStore creates (or truncates) the swap file at path.
func OpenFileStore(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open swap file: %w", err)
	}

	return &FileStore{path: path, file: f}, nil
}

// Path returns the location of the swap file.
func (s *FileStore) Path() string {
	return s.path
}

// ReadSlot reads one page from the file.
func (s *FileStore) ReadSlot(slot int, buf []byte) error {
	off, err := slotOffset(slot, buf)
	if err != nil {
		return err
	}

	s.Lock()
	defer s.Unlock()

	if s.file == nil {
		return ErrClosed
	}

	n, err := s.file.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read swap slot %d: %w", slot, err)
	}

	clear(buf[n:])

	return nil
}

// WriteSlot writes one page to the file.
func (s *FileStore) WriteSlot(slot int, buf []byte) error {
	off, err := slotOffset(slot, buf)
	if err != nil {
		return err
	}

	s.Lock()
	defer s.Unlock()

	if s.file == nil {
		return ErrClosed
	}

	if _, err := s.file.WriteAt(buf, off); err != nil {
		return fmt.Errorf("write swap slot %d: %w", slot, err)
	}

	return nil
}

// Close closes and removes the swap file.
func (s *FileStore) Close() error {
	s.Lock()
	defer s.Unlock()

	if s.file == nil {
		return nil
	}

	err := s.file.Close()
	s.file = nil

	return errors.Join(err, os.Remove(s.path))
}

// FileFactory creates swap files in Dir. The file of a store is named
// .swap<pid>-<owner>.
type FileFactory struct {
	Dir string
}

// Create opens a swap file.
func (f FileFactory) Create(pid vm.PID, owner string) (Store, error) {
	name := fmt.Sprintf(".swap%d-%s", pid, owner)
	return OpenFileStore(filepath.Join(f.Dir, name))
}
