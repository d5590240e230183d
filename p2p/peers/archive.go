package peers

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const banKeyPrefix = "ban:"

// BanEntry is the persisted form of a ban.
type BanEntry struct {
	ID     string    `json:"id"`
	Until  time.Time `json:"until"`
	Reason string    `json:"reason"`
	Score  float64   `json:"score"`
}

// Archive persists bans in LevelDB so they survive restarts.
type Archive struct {
	mu sync.Mutex
	db *leveldb.DB
}

// OpenArchive opens (or creates) an archive at path.
func OpenArchive(path string) (*Archive, error) {
	if path == "" {
		return nil, errors.New("ban archive path required")
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("open ban archive: %w", err)
	}
	return &Archive{db: db}, nil
}

// NewMemoryArchive returns an archive that lives only in memory.
func NewMemoryArchive() (*Archive, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open ban archive: %w", err)
	}
	return &Archive{db: db}, nil
}

// Put stores or replaces a ban.
func (a *Archive) Put(entry BanEntry) error {
	if entry.ID == "" {
		return errors.New("ban entry id required")
	}
	blob, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return errors.New("ban archive closed")
	}
	return a.db.Put([]byte(banKeyPrefix+entry.ID), blob, nil)
}

// Delete removes the ban for id. Missing entries are not an error.
func (a *Archive) Delete(id peer.ID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return errors.New("ban archive closed")
	}
	return a.db.Delete([]byte(banKeyPrefix+id.String()), nil)
}

// Load returns every stored ban.
func (a *Archive) Load() ([]BanEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil, errors.New("ban archive closed")
	}
	iter := a.db.NewIterator(util.BytesPrefix([]byte(banKeyPrefix)), nil)
	defer iter.Release()
	var out []BanEntry
	for iter.Next() {
		var entry BanEntry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			return nil, fmt.Errorf("decode ban %s: %w", iter.Key(), err)
		}
		out = append(out, entry)
	}
	return out, iter.Error()
}

// Close flushes and closes the database.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}
