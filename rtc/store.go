package rtc

import (
	"sync"

	bolt "go.etcd.io/bbolt"
	"maunium.net/go/mautrix/id"
)

// CallStateStore remembers the last call id acknowledged per room, so the
// same call does not show up as incoming twice.
type CallStateStore interface {
	LastSeenCallID(roomID id.RoomID) string
	SetLastSeenCallID(roomID id.RoomID, callID string)
}

type memoryCallStateStore struct {
	sync.RWMutex
	lastSeen map[id.RoomID]string
}

func NewMemoryCallStateStore() CallStateStore {
	return &memoryCallStateStore{
		lastSeen: make(map[id.RoomID]string),
	}
}

func (s *memoryCallStateStore) LastSeenCallID(roomID id.RoomID) string {
	s.RLock()
	defer s.RUnlock()

	return s.lastSeen[roomID]
}

func (s *memoryCallStateStore) SetLastSeenCallID(roomID id.RoomID, callID string) {
	s.Lock()
	defer s.Unlock()

	s.lastSeen[roomID] = callID
}

var lastSeenBucket = []byte("rtc_last_seen")

// BoltCallStateStore keeps acknowledgements in a bolt database so they
// survive a restart.
type BoltCallStateStore struct {
	db *bolt.DB
}

func NewBoltCallStateStore(db *bolt.DB) (*BoltCallStateStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(lastSeenBucket)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &BoltCallStateStore{db: db}, nil
}

func (s *BoltCallStateStore) LastSeenCallID(roomID id.RoomID) string {
	var callID string

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(lastSeenBucket)
		if v := b.Get([]byte(roomID)); v != nil {
			callID = string(v)
		}
		return nil
	})
	if err != nil {
		logger.Errorf("reading last seen call for %s failed: %s", roomID, err)
	}

	return callID
}

func (s *BoltCallStateStore) SetLastSeenCallID(roomID id.RoomID, callID string) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(lastSeenBucket).Put([]byte(roomID), []byte(callID))
	})
	if err != nil {
		logger.Errorf("storing last seen call %s for %s failed: %s", callID, roomID, err)
	}
}
