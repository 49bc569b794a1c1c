package modmail

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
)

const (
	pebbleClosurePrefix  = "closure:"
	pebbleSubsPrefix     = "subs:"
	pebbleSquadPrefix    = "squad:"
	pebbleFallbackKey    = "meta:fallback_category"
	pebbleKeyspaceLow    = "\x00"
	pebbleKeyspaceHigh   = "\xff"
	pebbleDefaultDirName = "modmail-state"
)

// PebbleStateBackend keeps every closure and mention list under its own key
// in an embedded Pebble database. Save replaces the whole keyspace in one
// synced batch.
type PebbleStateBackend struct {
	mu   sync.Mutex
	path string
	db   *pebble.DB
}

func NewPebbleStateBackend(path string) (StateBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = pebbleDefaultDirName
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble state %s: %w", path, err)
	}
	return &PebbleStateBackend{path: path, db: db}, nil
}

func (b *PebbleStateBackend) Load() (*RuntimeSnapshot, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil, fmt.Errorf("pebble state %s is closed", b.path)
	}
	iter, err := b.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	snapshot := newRuntimeSnapshot()
	found := false
	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		value := append([]byte(nil), iter.Value()...)
		found = true
		switch {
		case strings.HasPrefix(key, pebbleClosurePrefix):
			var closure PendingClosure
			if err := json.Unmarshal(value, &closure); err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
			snapshot.Closures[strings.TrimPrefix(key, pebbleClosurePrefix)] = closure
		case strings.HasPrefix(key, pebbleSubsPrefix):
			var mentions []string
			if err := json.Unmarshal(value, &mentions); err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
			snapshot.Subscriptions[strings.TrimPrefix(key, pebbleSubsPrefix)] = mentions
		case strings.HasPrefix(key, pebbleSquadPrefix):
			var mentions []string
			if err := json.Unmarshal(value, &mentions); err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
			snapshot.NotificationSquad[strings.TrimPrefix(key, pebbleSquadPrefix)] = mentions
		case key == pebbleFallbackKey:
			snapshot.FallbackCategoryID = string(bytes.TrimSpace(value))
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &snapshot, nil
}

func (b *PebbleStateBackend) Save(state *RuntimeSnapshot) error {
	if b == nil || state == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return fmt.Errorf("pebble state %s is closed", b.path)
	}
	batch := b.db.NewBatch()
	defer batch.Close()

	if err := batch.DeleteRange([]byte(pebbleKeyspaceLow), []byte(pebbleKeyspaceHigh), nil); err != nil {
		return err
	}
	for key, closure := range state.Closures {
		data, err := json.Marshal(closure)
		if err != nil {
			return err
		}
		if err := batch.Set([]byte(pebbleClosurePrefix+key), data, nil); err != nil {
			return err
		}
	}
	if err := setMentionLists(batch, pebbleSubsPrefix, state.Subscriptions); err != nil {
		return err
	}
	if err := setMentionLists(batch, pebbleSquadPrefix, state.NotificationSquad); err != nil {
		return err
	}
	if state.FallbackCategoryID != "" {
		if err := batch.Set([]byte(pebbleFallbackKey), []byte(state.FallbackCategoryID), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func setMentionLists(batch *pebble.Batch, prefix string, lists map[string][]string) error {
	for threadID, mentions := range lists {
		if len(mentions) == 0 {
			continue
		}
		data, err := json.Marshal(mentions)
		if err != nil {
			return err
		}
		if err := batch.Set([]byte(prefix+threadID), data, nil); err != nil {
			return err
		}
	}
	return nil
}

func (b *PebbleStateBackend) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}
