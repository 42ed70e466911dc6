package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	ldb_opt "github.com/syndtr/goleveldb/leveldb/opt"
	ldb_util "github.com/syndtr/goleveldb/leveldb/util"
)

// FactStore durably records ledger facts in arrival order
type FactStore interface {
	Append(kind FactKind, data []byte) error
	Replay(fn func(kind FactKind, data []byte) error) error
	Count() uint64
	Close() error
}

const currentFactDBVersion = 1

var (
	factPrefix = []byte("f/")
	versionKey = []byte("v")
)

type storedFact struct {
	Kind FactKind        `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// LevelDBFactStore is an append-only fact log in a LevelDB database.
// Keys are the prefix followed by a big-endian sequence number.
type LevelDBFactStore struct {
	mu  sync.Mutex
	db  *leveldb.DB
	seq uint64
}

// OpenLevelDBFactStore opens or creates the fact log at path
func OpenLevelDBFactStore(path string) (*LevelDBFactStore, error) {
	opt := &ldb_opt.Options{
		ErrorIfExist:   false,
		ErrorIfMissing: false,
	}

	db, err := leveldb.OpenFile(path, opt)
	if err != nil {
		return nil, fmt.Errorf("failed to open fact store %s: %w", path, err)
	}

	versionValue, err := db.Get(versionKey, nil)
	switch {
	case err == leveldb.ErrNotFound:
		if err := putFactDBVersion(db, currentFactDBVersion); err != nil {
			db.Close()
			return nil, err
		}
	case err != nil:
		db.Close()
		return nil, fmt.Errorf("failed to read fact store version: %w", err)
	default:
		if len(versionValue) != 4 {
			db.Close()
			return nil, fmt.Errorf("incompatible fact store version length: expected: %d  actual: %d", 4, len(versionValue))
		}
		if v := binary.BigEndian.Uint32(versionValue); v != currentFactDBVersion {
			db.Close()
			return nil, fmt.Errorf("unsupported fact store version %d", v)
		}
	}

	store := &LevelDBFactStore{db: db}

	iter := db.NewIterator(ldb_util.BytesPrefix(factPrefix), nil)
	if iter.Last() {
		store.seq = binary.BigEndian.Uint64(iter.Key()[len(factPrefix):])
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to scan fact store: %w", err)
	}

	logger.Info("Opened fact store", "path", path, "facts", store.seq)
	return store, nil
}

func putFactDBVersion(db *leveldb.DB, version int) error {
	value := make([]byte, 4)
	binary.BigEndian.PutUint32(value, uint32(version))
	return db.Put(versionKey, value, nil)
}

func factKey(seq uint64) []byte {
	key := make([]byte, len(factPrefix)+8)
	copy(key, factPrefix)
	binary.BigEndian.PutUint64(key[len(factPrefix):], seq)
	return key
}

// Append writes one fact after all previous ones
func (s *LevelDBFactStore) Append(kind FactKind, data []byte) error {
	value, err := json.Marshal(storedFact{Kind: kind, Data: data})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.seq + 1
	if err := s.db.Put(factKey(next), value, &ldb_opt.WriteOptions{Sync: true}); err != nil {
		return err
	}
	s.seq = next
	return nil
}

// Replay calls fn for every fact in arrival order
func (s *LevelDBFactStore) Replay(fn func(kind FactKind, data []byte) error) error {
	iter := s.db.NewIterator(ldb_util.BytesPrefix(factPrefix), nil)
	defer iter.Release()

	for iter.Next() {
		var fact storedFact
		if err := json.Unmarshal(iter.Value(), &fact); err != nil {
			return fmt.Errorf("corrupt fact at sequence %d: %w",
				binary.BigEndian.Uint64(iter.Key()[len(factPrefix):]), err)
		}
		if err := fn(fact.Kind, fact.Data); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Count returns the number of stored facts
func (s *LevelDBFactStore) Count() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Close releases the database
func (s *LevelDBFactStore) Close() error {
	return s.db.Close()
}
