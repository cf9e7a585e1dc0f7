package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"z2m-hub/internal/z2m"
)

var bucketTopology = []byte("topology")

const (
	suffixDevices = "/devices"
	suffixGroups  = "/groups"
	suffixInfo    = "/info"
)

// BoltStore implements Store using BoltDB. Values are JSON documents under
// keys of the form <server>/<kind> in a single bucket.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTopology)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

func (s *BoltStore) put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTopology)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketTopology)
		}
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) get(key string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTopology)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketTopology)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) SaveDevices(server string, devices []z2m.Device) error {
	if devices == nil {
		devices = []z2m.Device{}
	}
	return s.put(server+suffixDevices, DeviceSnapshot{SavedAt: s.now(), Devices: devices})
}

func (s *BoltStore) LoadDevices(server string) (*DeviceSnapshot, error) {
	var snap DeviceSnapshot
	if err := s.get(server+suffixDevices, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *BoltStore) SaveGroups(server string, groups []z2m.Group) error {
	if groups == nil {
		groups = []z2m.Group{}
	}
	return s.put(server+suffixGroups, GroupSnapshot{SavedAt: s.now(), Groups: groups})
}

func (s *BoltStore) LoadGroups(server string) (*GroupSnapshot, error) {
	var snap GroupSnapshot
	if err := s.get(server+suffixGroups, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *BoltStore) SaveBridgeInfo(server string, info *z2m.BridgeInfo) error {
	return s.put(server+suffixInfo, InfoSnapshot{SavedAt: s.now(), Info: info})
}

func (s *BoltStore) LoadBridgeInfo(server string) (*InfoSnapshot, error) {
	var snap InfoSnapshot
	if err := s.get(server+suffixInfo, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *BoltStore) Servers() ([]string, error) {
	seen := make(map[string]struct{})
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTopology)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			key := string(k)
			if i := strings.LastIndexByte(key, '/'); i > 0 {
				seen[key[:i]] = struct{}{}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	servers := make([]string, 0, len(seen))
	for id := range seen {
		servers = append(servers, id)
	}
	sort.Strings(servers)
	return servers, nil
}

func (s *BoltStore) DeleteServer(server string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTopology)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketTopology)
		}
		for _, suffix := range []string{suffixDevices, suffixGroups, suffixInfo} {
			if err := b.Delete([]byte(server + suffix)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
