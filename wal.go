package colstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// SyncMode controls when the WAL is fsynced to disk.
type SyncMode int

const (
	// SyncEveryAppend fsyncs after every record. Zero loss window, paced by
	// fsync latency.
	SyncEveryAppend SyncMode = iota

	// SyncBytes fsyncs once bytesPerSync bytes have accumulated. Loss window
	// of up to bytesPerSync bytes on power failure.
	SyncBytes

	// SyncOff never fsyncs. Testing and bulk loads only.
	SyncOff
)

// Record types
const (
	recordPage       uint8 = 1 // full page image
	recordCheckpoint uint8 = 2 // all prior images are on the page store
	recordBatch      uint8 = 3 // several page images, applied atomically
)

// PageImage pairs a page id with its full image, for batch records.
type PageImage struct {
	ID   PageID
	Data []byte
}

// Record format: [Type:1][PageID:8][DataLen:4][Data:N][Checksum:8]
// The checksum is xxhash64 over header and data.
const walHeaderSize = 1 + 8 + 4

// WAL is a physical write-ahead log of full page images. Each single-page
// mutation appends the page's new image before the in-memory frame is marked
// dirty; replay on open rebuilds any images that never reached the page
// store.
type WAL struct {
	file   *os.File
	mu     sync.Mutex
	offset int64

	syncMode       SyncMode
	bytesPerSync   int
	bytesSinceSync int
}

// NewWAL opens or creates a WAL file with the given sync mode.
func NewWAL(path string, syncMode SyncMode, bytesPerSync int) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &WAL{
		file:         file,
		offset:       info.Size(),
		syncMode:     syncMode,
		bytesPerSync: bytesPerSync,
	}, nil
}

// AppendPage writes a page image record.
func (w *WAL) AppendPage(id PageID, data []byte) error {
	return w.append(recordPage, id, data)
}

// AppendBatch writes several page images as one record. Multi-page changes
// (splits, page unlinks) go through here so replay applies them all or none.
func (w *WAL) AppendBatch(images []PageImage) error {
	if len(images) == 1 {
		return w.AppendPage(images[0].ID, images[0].Data)
	}
	payload := make([]byte, 0, len(images)*(8+PageSize))
	var idbuf [8]byte
	for _, img := range images {
		binary.LittleEndian.PutUint64(idbuf[:], uint64(img.ID))
		payload = append(payload, idbuf[:]...)
		payload = append(payload, img.Data...)
	}
	return w.append(recordBatch, InvalidPageID, payload)
}

// AppendCheckpoint writes a checkpoint marker. Everything before it is
// durable on the page store and skipped at replay.
func (w *WAL) AppendCheckpoint() error {
	return w.append(recordCheckpoint, InvalidPageID, nil)
}

func (w *WAL) append(typ uint8, id PageID, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf := make([]byte, walHeaderSize+len(data)+8)
	buf[0] = typ
	binary.LittleEndian.PutUint64(buf[1:9], uint64(id))
	binary.LittleEndian.PutUint32(buf[9:13], uint32(len(data)))
	copy(buf[walHeaderSize:], data)
	sum := xxhash.Sum64(buf[:walHeaderSize+len(data)])
	binary.LittleEndian.PutUint64(buf[walHeaderSize+len(data):], sum)

	if _, err := w.file.WriteAt(buf, w.offset); err != nil {
		return err
	}
	w.offset += int64(len(buf))
	w.bytesSinceSync += len(buf)
	return w.maybeSync()
}

// maybeSync fsyncs per the sync mode. Caller holds w.mu.
func (w *WAL) maybeSync() error {
	switch w.syncMode {
	case SyncEveryAppend:
		return w.syncLocked()
	case SyncBytes:
		if w.bytesSinceSync >= w.bytesPerSync {
			return w.syncLocked()
		}
		return nil
	case SyncOff:
		return nil
	default:
		return fmt.Errorf("unknown wal sync mode: %d", w.syncMode)
	}
}

// ForceSync fsyncs regardless of sync mode. Used at close and checkpoint.
func (w *WAL) ForceSync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *WAL) syncLocked() error {
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.bytesSinceSync = 0
	return nil
}

// Replay scans the log and hands each page image after the last checkpoint
// to applyFn, oldest first. A record with a bad checksum or a short read
// marks the torn tail: replay stops there and the log is truncated to the
// last intact record.
func (w *WAL) Replay(applyFn func(PageID, []byte) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	type pageImage struct {
		id   PageID
		data []byte
	}
	var pending []pageImage

	header := make([]byte, walHeaderSize)
	offset := int64(0)
	intact := int64(0)

	for {
		n, err := w.file.ReadAt(header, offset)
		if err == io.EOF && n == 0 {
			break
		}
		if (err != nil && err != io.EOF) || n != walHeaderSize {
			break // torn tail
		}
		typ := header[0]
		id := PageID(binary.LittleEndian.Uint64(header[1:9]))
		dataLen := int(binary.LittleEndian.Uint32(header[9:13]))
		switch typ {
		case recordPage:
			if dataLen != PageSize {
				dataLen = -1
			}
		case recordCheckpoint:
			if dataLen != 0 {
				dataLen = -1
			}
		case recordBatch:
			if dataLen == 0 || dataLen%(8+PageSize) != 0 {
				dataLen = -1
			}
		default:
			dataLen = -1
		}
		if dataLen < 0 {
			break
		}

		rec := make([]byte, walHeaderSize+dataLen+8)
		if _, err := w.file.ReadAt(rec, offset); err != nil {
			break
		}
		sum := binary.LittleEndian.Uint64(rec[walHeaderSize+dataLen:])
		if xxhash.Sum64(rec[:walHeaderSize+dataLen]) != sum {
			break
		}

		switch typ {
		case recordPage:
			data := make([]byte, dataLen)
			copy(data, rec[walHeaderSize:walHeaderSize+dataLen])
			pending = append(pending, pageImage{id: id, data: data})
		case recordBatch:
			for off := walHeaderSize; off < walHeaderSize+dataLen; off += 8 + PageSize {
				bid := PageID(binary.LittleEndian.Uint64(rec[off:]))
				data := make([]byte, PageSize)
				copy(data, rec[off+8:off+8+PageSize])
				pending = append(pending, pageImage{id: bid, data: data})
			}
		case recordCheckpoint:
			pending = pending[:0]
		}
		offset += int64(len(rec))
		intact = offset
	}

	for _, img := range pending {
		if err := applyFn(img.id, img.data); err != nil {
			return fmt.Errorf("wal replay: apply page %d: %w", img.id, err)
		}
	}

	if intact != w.offset {
		if err := w.file.Truncate(intact); err != nil {
			return err
		}
		w.offset = intact
	}
	return nil
}

// Truncate discards the whole log. Only safe right after a checkpoint has
// pushed every image to the page store.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(0); err != nil {
		return err
	}
	w.offset = 0
	w.bytesSinceSync = 0
	return nil
}

// Close fsyncs and closes the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.syncMode != SyncOff {
		if err := w.syncLocked(); err != nil {
			return err
		}
	}
	return w.file.Close()
}
