package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	transferPrefix = "transfer:"
	receivePrefix  = "receive:"
)

// ErrNotFound is returned when no record exists for the key.
var ErrNotFound = errors.New("record not found")

// TransferRecord is the sender-side journal entry for one transfer. It is
// enough to resume the transfer later; what the receiver holds is always
// asked for again.
type TransferRecord struct {
	TransferID      string `json:"transfer_id"`
	Path            string `json:"path"`
	FileName        string `json:"file_name"`
	FileSize        int64  `json:"file_size"`
	ChunkSize       int64  `json:"chunk_size"`
	DigestAlgorithm string `json:"digest_algorithm"`
	State           string `json:"state"`
	Error           string `json:"error,omitempty"`
	CreatedAt       int64  `json:"created_at"` // Unix timestamp
	UpdatedAt       int64  `json:"updated_at"`
}

// Receive states.
const (
	ReceiveInProgress = "receiving"
	ReceiveVerified   = "verified"
	ReceiveFailed     = "failed"
)

// ReceiveState is the receiver-side record of an incoming transfer.
type ReceiveState struct {
	TransferID      string `json:"transfer_id"`
	FileName        string `json:"file_name"`
	FileSize        int64  `json:"file_size"`
	ChunkSize       int64  `json:"chunk_size"`
	TotalChunks     uint32 `json:"total_chunks"`
	MimeType        string `json:"mime_type,omitempty"`
	DigestAlgorithm string `json:"digest_algorithm"`
	FileDigest      string `json:"file_digest,omitempty"`
	Compression     string `json:"compression,omitempty"`
	ChunksStored    uint32 `json:"chunks_stored"`
	Status          string `json:"status"`
	SavedPath       string `json:"saved_path,omitempty"`
	CreatedAt       int64  `json:"created_at"`
	UpdatedAt       int64  `json:"updated_at"`
}

// Store wraps BadgerDB for transfer bookkeeping.
type Store struct {
	db *badger.DB
}

// OpenStore opens (or creates) a BadgerDB at the given path.
func OpenStore(dbPath string) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(dbPath).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemoryStore opens a BadgerDB that lives only as long as the process.
func OpenInMemoryStore() (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory BadgerDB: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the BadgerDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutTransfer stores a journal entry, stamping its timestamps.
func (s *Store) PutTransfer(rec TransferRecord) error {
	now := time.Now().Unix()
	if rec.CreatedAt == 0 {
		if prev, err := s.GetTransfer(rec.TransferID); err == nil {
			rec.CreatedAt = prev.CreatedAt
		} else {
			rec.CreatedAt = now
		}
	}
	rec.UpdatedAt = now
	return s.put(transferPrefix+rec.TransferID, rec)
}

// GetTransfer retrieves a journal entry by transfer id.
func (s *Store) GetTransfer(transferID string) (TransferRecord, error) {
	var rec TransferRecord
	err := s.get(transferPrefix+transferID, &rec)
	return rec, err
}

// ListTransfers returns every journal entry, oldest first.
func (s *Store) ListTransfers() ([]TransferRecord, error) {
	var recs []TransferRecord
	err := s.scan(transferPrefix, func(val []byte) error {
		var rec TransferRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		recs = append(recs, rec)
		return nil
	})
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreatedAt < recs[j].CreatedAt })
	return recs, err
}

func (s *Store) DeleteTransfer(transferID string) error {
	return s.delete(transferPrefix + transferID)
}

// PutReceiveState stores the receiver's view of a transfer.
func (s *Store) PutReceiveState(state ReceiveState) error {
	now := time.Now().Unix()
	if state.CreatedAt == 0 {
		state.CreatedAt = now
	}
	state.UpdatedAt = now
	return s.put(receivePrefix+state.TransferID, state)
}

// GetReceiveState retrieves the receiver's view of a transfer.
func (s *Store) GetReceiveState(transferID string) (ReceiveState, error) {
	var state ReceiveState
	err := s.get(receivePrefix+transferID, &state)
	return state, err
}

// ListReceiveStates returns every receiver-side record.
func (s *Store) ListReceiveStates() ([]ReceiveState, error) {
	var states []ReceiveState
	err := s.scan(receivePrefix, func(val []byte) error {
		var state ReceiveState
		if err := json.Unmarshal(val, &state); err != nil {
			return err
		}
		states = append(states, state)
		return nil
	})
	return states, err
}

func (s *Store) DeleteReceiveState(transferID string) error {
	return s.delete(receivePrefix + transferID)
}

func (s *Store) put(key string, v any) error {
	val, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), val)
	})
}

func (s *Store) get(key string, v any) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return err
}

func (s *Store) delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (s *Store) scan(prefix string, fn func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}
