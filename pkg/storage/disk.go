package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v3"

	"audio-framer/pkg/codec"
	"audio-framer/pkg/models"
)

// FrameArchive persists emitted frames keyed by session and sequence.
type FrameArchive interface {
	StoreFrame(sessionID string, frame models.Frame) error
	GetFrame(sessionID string, sequence uint64) (models.Frame, error)
	// ListFrames returns up to limit frames with sequence >= from, in
	// sequence order.
	ListFrames(sessionID string, from uint64, limit int) ([]models.Frame, error)
	DeleteSession(sessionID string) error
	Close() error
}

type diskStore struct {
	db  *badger.DB
	ttl time.Duration
}

// NewDiskStore opens a badger archive under path. A zero ttl keeps frames
// until their session is deleted.
func NewDiskStore(path string, ttl time.Duration) (FrameArchive, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	opts := badger.DefaultOptions(filepath.Join(path, "badger"))
	opts.Logger = nil
	return openDiskStore(opts, ttl)
}

// NewInMemoryDiskStore opens a badger archive that lives only in memory.
func NewInMemoryDiskStore(ttl time.Duration) (FrameArchive, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return openDiskStore(opts, ttl)
}

func openDiskStore(opts badger.Options, ttl time.Duration) (FrameArchive, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &diskStore{db: db, ttl: ttl}, nil
}

func sessionPrefix(sessionID string) []byte {
	return []byte("frame/" + sessionID + "/")
}

// frameKey appends the big-endian sequence so keys sort in sequence order.
func frameKey(sessionID string, sequence uint64) []byte {
	return binary.BigEndian.AppendUint64(sessionPrefix(sessionID), sequence)
}

func (s *diskStore) StoreFrame(sessionID string, frame models.Frame) error {
	entry := badger.NewEntry(frameKey(sessionID, frame.Sequence), codec.EncodeFrame(frame))
	if s.ttl > 0 {
		entry = entry.WithTTL(s.ttl)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
}

func (s *diskStore) GetFrame(sessionID string, sequence uint64) (models.Frame, error) {
	var frame models.Frame

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(frameKey(sessionID, sequence))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			frame, err = codec.DecodeFrame(val)
			return err
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return models.Frame{}, ErrFrameNotFound
	}
	if err != nil {
		return models.Frame{}, fmt.Errorf("failed to get frame: %w", err)
	}
	return frame, nil
}

func (s *diskStore) ListFrames(sessionID string, from uint64, limit int) ([]models.Frame, error) {
	var frames []models.Frame
	prefix := sessionPrefix(sessionID)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(frameKey(sessionID, from)); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(frames) >= limit {
				break
			}
			err := it.Item().Value(func(val []byte) error {
				frame, err := codec.DecodeFrame(val)
				if err != nil {
					return err
				}
				frames = append(frames, frame)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}
	return frames, nil
}

func (s *diskStore) DeleteSession(sessionID string) error {
	prefix := sessionPrefix(sessionID)
	var keys [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan session frames: %w", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("failed to delete session frames: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("failed to delete session frames: %w", err)
	}
	return nil
}

func (s *diskStore) Close() error {
	return s.db.Close()
}
