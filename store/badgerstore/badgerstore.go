// Package badgerstore persists client sessions in BadgerDB.
package badgerstore

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/vitalvas/iotmqtt"
)

var _ iotmqtt.SessionStore = (*Store)(nil)

// DefaultGCInterval is how often the value log is garbage collected.
const DefaultGCInterval = 5 * time.Minute

// Store implements iotmqtt.SessionStore on BadgerDB.
//
// Key format:
//   - Unacknowledged publish: {clientID}/publish/{packetID}, value is the
//     PUBLISH packet in wire form
//   - Subscriptions: {clientID}/subs, value is the CBOR-encoded filter list
type Store struct {
	db *badger.DB

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	// Dir is the data directory. Empty keeps everything in memory.
	Dir string

	// SyncWrites fsyncs every write.
	SyncWrites bool

	// GCInterval overrides DefaultGCInterval.
	GCInterval time.Duration
}

// New opens a BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.Dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = DefaultGCInterval
	}

	s := &Store{
		db:       db,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}

	go s.runGC(interval)

	return s, nil
}

func publishPrefix(clientID string) []byte {
	return []byte(clientID + "/publish/")
}

func publishKey(clientID string, packetID uint16) []byte {
	// Zero padding keeps iteration in packet identifier order.
	return fmt.Appendf(publishPrefix(clientID), "%05d", packetID)
}

func subsKey(clientID string) []byte {
	return []byte(clientID + "/subs")
}

// SavePublish stores pkt until DeletePublish is called for its identifier.
func (s *Store) SavePublish(clientID string, pkt *iotmqtt.PublishPacket) error {
	if pkt == nil || pkt.PacketID == 0 {
		return iotmqtt.ErrPacketIDRequired
	}

	data, err := iotmqtt.Serialize(pkt)
	if err != nil {
		return fmt.Errorf("failed to encode publish: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(publishKey(clientID, pkt.PacketID), data)
	})
}

// DeletePublish removes a stored publish.
func (s *Store) DeletePublish(clientID string, packetID uint16) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(publishKey(clientID, packetID))
	})
}

// Publishes returns the stored publishes of clientID in packet identifier order.
func (s *Store) Publishes(clientID string) ([]*iotmqtt.PublishPacket, error) {
	var out []*iotmqtt.PublishPacket

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = publishPrefix(clientID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				pkt, _, err := iotmqtt.Deserialize(val)
				if err != nil {
					return err
				}
				pub, ok := pkt.(*iotmqtt.PublishPacket)
				if !ok {
					return fmt.Errorf("unexpected %s packet", pkt.Type())
				}
				out = append(out, pub)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to decode publish %q: %w", it.Item().Key(), err)
			}
		}

		return nil
	})

	return out, err
}

// SaveSubscriptions replaces the stored filters of clientID.
func (s *Store) SaveSubscriptions(clientID string, subs []iotmqtt.StoredSubscription) error {
	data, err := cbor.Marshal(subs)
	if err != nil {
		return fmt.Errorf("failed to encode subscriptions: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(subsKey(clientID), data)
	})
}

// Subscriptions returns the stored filters of clientID.
func (s *Store) Subscriptions(clientID string) ([]iotmqtt.StoredSubscription, error) {
	var subs []iotmqtt.StoredSubscription

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(subsKey(clientID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}

		return item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &subs)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load subscriptions: %w", err)
	}

	return subs, nil
}

// Clear removes everything stored for clientID.
func (s *Store) Clear(clientID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = publishPrefix(clientID)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		keys = append(keys, subsKey(clientID))
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}

		return nil
	})
}

// Close stops garbage collection and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// ErrNoRewrite just means there was nothing to reclaim.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}
