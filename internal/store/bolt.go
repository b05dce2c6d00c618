package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketDevices = []byte("devices")

// openTimeout bounds the wait for the file lock held by another process.
const openTimeout = 5 * time.Second

// BoltStore keeps device records as JSON values keyed by device uuid.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates the database at path. It fails after
// openTimeout if another process holds the file.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fmt.Errorf("open %s: database is locked: %w", path, err)
		}
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDevices)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func devicesBucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	b := tx.Bucket(bucketDevices)
	if b == nil {
		return nil, fmt.Errorf("bucket %q not found", bucketDevices)
	}
	return b, nil
}

func getRecord(b *bolt.Bucket, uuid string) (*Device, error) {
	data := b.Get([]byte(uuid))
	if data == nil {
		return nil, fmt.Errorf("device %s: %w", uuid, ErrNotFound)
	}
	var dev Device
	if err := json.Unmarshal(data, &dev); err != nil {
		return nil, fmt.Errorf("device %s: %w", uuid, err)
	}
	return &dev, nil
}

func putRecord(b *bolt.Bucket, dev *Device) error {
	data, err := json.Marshal(dev)
	if err != nil {
		return fmt.Errorf("encode device %s: %w", dev.UUID, err)
	}
	return b.Put([]byte(dev.UUID), data)
}

func (s *BoltStore) SaveDevice(dev *Device) error {
	if dev.UUID == "" {
		return errors.New("save device: empty uuid")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := devicesBucket(tx)
		if err != nil {
			return err
		}
		return putRecord(b, dev)
	})
}

func (s *BoltStore) GetDevice(uuid string) (*Device, error) {
	var dev *Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := devicesBucket(tx)
		if err != nil {
			return err
		}
		dev, err = getRecord(b, uuid)
		return err
	})
	return dev, err
}

// DeleteDevice removes the record; deleting an absent uuid is not an error.
func (s *BoltStore) DeleteDevice(uuid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := devicesBucket(tx)
		if err != nil {
			return err
		}
		return b.Delete([]byte(uuid))
	})
}

// ListDevices returns every record ordered by uuid.
func (s *BoltStore) ListDevices() ([]*Device, error) {
	var devices []*Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return nil
		}
		devices = make([]*Device, 0, b.Stats().KeyN)
		return b.ForEach(func(k, _ []byte) error {
			dev, err := getRecord(b, string(k))
			if err != nil {
				return err
			}
			devices = append(devices, dev)
			return nil
		})
	})
	return devices, err
}

// UpdateDevice applies fn to the stored record inside one write
// transaction. fn cannot change the key.
func (s *BoltStore) UpdateDevice(uuid string, fn func(dev *Device) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := devicesBucket(tx)
		if err != nil {
			return err
		}
		dev, err := getRecord(b, uuid)
		if err != nil {
			return err
		}
		if err := fn(dev); err != nil {
			return err
		}
		dev.UUID = uuid
		return putRecord(b, dev)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
