package colstore

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// pageStore persists page images. Page ids are 1-based; id 0 is reserved as
// the invalid sentinel, so page N lives at file offset (N-1)*PageSize.
type pageStore interface {
	ReadPage(id PageID) ([]byte, error)
	WritePage(id PageID, buf []byte) error
	// NumPages is the allocation high-water mark.
	NumPages() uint64
	Sync() error
	Close() error
}

// fileStore is the disk-backed page store.
type fileStore struct {
	mu       sync.Mutex
	file     *os.File
	numPages uint64
}

func openFileStore(path string) (*fileStore, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open page store: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat page store: %w", err)
	}
	return &fileStore{
		file:     file,
		numPages: uint64(info.Size()) / PageSize,
	}, nil
}

func (s *fileStore) ReadPage(id PageID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == InvalidPageID || uint64(id) > s.numPages {
		return nil, fmt.Errorf("read page %d: %w", id, ErrInvalidOffset)
	}
	buf := make([]byte, PageSize)
	if _, err := s.file.ReadAt(buf, int64(id-1)*PageSize); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("read page %d: %w", id, ErrCorruption)
		}
		return nil, fmt.Errorf("read page %d: %w", id, err)
	}
	return buf, nil
}

func (s *fileStore) WritePage(id PageID, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == InvalidPageID || len(buf) != PageSize {
		return fmt.Errorf("write page %d: %w", id, ErrInvalidOffset)
	}
	if _, err := s.file.WriteAt(buf, int64(id-1)*PageSize); err != nil {
		return fmt.Errorf("write page %d: %w", id, err)
	}
	if uint64(id) > s.numPages {
		s.numPages = uint64(id)
	}
	return nil
}

func (s *fileStore) NumPages() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numPages
}

func (s *fileStore) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return unix.Fdatasync(int(s.file.Fd()))
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// memStore keeps page images in memory. Used for in-memory tables and tests.
type memStore struct {
	mu       sync.Mutex
	pages    map[PageID][]byte
	numPages uint64
}

func newMemStore() *memStore {
	return &memStore{pages: make(map[PageID][]byte)}
}

func (s *memStore) ReadPage(id PageID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.pages[id]
	if !ok {
		return nil, fmt.Errorf("read page %d: %w", id, ErrInvalidOffset)
	}
	return append([]byte(nil), buf...), nil
}

func (s *memStore) WritePage(id PageID, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == InvalidPageID || len(buf) != PageSize {
		return fmt.Errorf("write page %d: %w", id, ErrInvalidOffset)
	}
	s.pages[id] = append([]byte(nil), buf...)
	if uint64(id) > s.numPages {
		s.numPages = uint64(id)
	}
	return nil
}

func (s *memStore) NumPages() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numPages
}

func (s *memStore) Sync() error { return nil }

func (s *memStore) Close() error { return nil }
