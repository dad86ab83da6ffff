package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"sensormon/internal/sensor"
)

const (
	// configBucket stores sensor configurations keyed by sensor ID
	configBucket = "_sensors"

	// readingsBucket holds one nested bucket of readings per sensor
	readingsBucket = "_readings"
)

// BoltStorage is a bbolt implementation of the Storage interface
type BoltStorage struct {
	db *bbolt.DB
}

// NewBoltStorage creates a new BoltStorage instance
// The database file will be created if it doesn't exist
func NewBoltStorage(path string) (*BoltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(configBucket)); err != nil {
			return fmt.Errorf("failed to create config bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(readingsBucket)); err != nil {
			return fmt.Errorf("failed to create readings bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// Sensor Configuration Methods

// SaveConfig creates or replaces a sensor configuration
func (s *BoltStorage) SaveConfig(cfg sensor.Config) error {
	if cfg.ID == "" {
		return fmt.Errorf("sensor id is empty")
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal sensor config: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(configBucket))
		if bucket == nil {
			return fmt.Errorf("config bucket not found")
		}
		return bucket.Put([]byte(cfg.ID), data)
	})
}

// GetConfig returns the configuration of a sensor
func (s *BoltStorage) GetConfig(id string) (sensor.Config, error) {
	var cfg sensor.Config
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(configBucket))
		if bucket == nil {
			return fmt.Errorf("config bucket not found")
		}

		data := bucket.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}

		if err := json.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("failed to unmarshal sensor config: %w", err)
		}
		return nil
	})

	return cfg, err
}

// ListConfigs returns all configurations ordered by ID
func (s *BoltStorage) ListConfigs() ([]sensor.Config, error) {
	configs := []sensor.Config{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(configBucket))
		if bucket == nil {
			return fmt.Errorf("config bucket not found")
		}

		return bucket.ForEach(func(k, v []byte) error {
			var cfg sensor.Config
			if err := json.Unmarshal(v, &cfg); err != nil {
				return fmt.Errorf("failed to unmarshal sensor config %s: %w", k, err)
			}
			configs = append(configs, cfg)
			return nil
		})
	})

	return configs, err
}

// DeleteConfig removes a configuration
func (s *BoltStorage) DeleteConfig(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(configBucket))
		if bucket == nil {
			return fmt.Errorf("config bucket not found")
		}
		return bucket.Delete([]byte(id))
	})
}

// Reading Methods

// readingKey orders readings by time; seq keeps equal timestamps distinct
func readingKey(ts time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d-%010d", ts.UnixNano(), seq))
}

// AppendReading stores a reading in the bucket of its sensor
func (s *BoltStorage) AppendReading(r sensor.Reading) error {
	if r.SensorID == "" {
		return fmt.Errorf("%w: sensor id is empty", ErrInvalidReading)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is zero", ErrInvalidReading)
	}

	data, err := json.Marshal(storedReading{Timestamp: r.Timestamp, Values: r.Values})
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(readingsBucket))
		if bucket == nil {
			return fmt.Errorf("readings bucket not found")
		}

		sensorBucket, err := bucket.CreateBucketIfNotExists([]byte(r.SensorID))
		if err != nil {
			return fmt.Errorf("failed to create sensor bucket: %w", err)
		}

		seq, err := sensorBucket.NextSequence()
		if err != nil {
			return err
		}
		return sensorBucket.Put(readingKey(r.Timestamp, seq), data)
	})
}

// QueryReadings returns up to limit readings of a sensor, newest first
func (s *BoltStorage) QueryReadings(id string, limit int) ([]sensor.Reading, error) {
	readings := []sensor.Reading{}
	if limit <= 0 {
		return readings, nil
	}

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(readingsBucket))
		if bucket == nil {
			return fmt.Errorf("readings bucket not found")
		}

		sensorBucket := bucket.Bucket([]byte(id))
		if sensorBucket == nil {
			// Sensor has no readings yet
			return nil
		}

		cursor := sensorBucket.Cursor()
		for k, v := cursor.Last(); k != nil && len(readings) < limit; k, v = cursor.Prev() {
			var stored storedReading
			if err := json.Unmarshal(v, &stored); err != nil {
				continue // Skip corrupted entries
			}
			readings = append(readings, sensor.Reading{
				SensorID:  id,
				Timestamp: stored.Timestamp,
				Values:    stored.Values,
			})
		}
		return nil
	})

	return readings, err
}

// CountReadings returns the number of stored readings of a sensor
func (s *BoltStorage) CountReadings(id string) (int, error) {
	var count int
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(readingsBucket))
		if bucket == nil {
			return fmt.Errorf("readings bucket not found")
		}

		if sensorBucket := bucket.Bucket([]byte(id)); sensorBucket != nil {
			count = sensorBucket.Stats().KeyN
		}
		return nil
	})

	return count, err
}

// TrimReadings keeps only the newest keep readings of a sensor
func (s *BoltStorage) TrimReadings(id string, keep int) (int, error) {
	var removed int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(readingsBucket))
		if bucket == nil {
			return fmt.Errorf("readings bucket not found")
		}

		sensorBucket := bucket.Bucket([]byte(id))
		if sensorBucket == nil {
			return nil
		}

		// Count total entries
		var count int
		cursor := sensorBucket.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			count++
		}

		if count <= keep {
			return nil
		}

		// Delete oldest entries
		toDelete := count - keep
		cursor = sensorBucket.Cursor()
		for k, _ := cursor.First(); k != nil && toDelete > 0; k, _ = cursor.First() {
			if err := cursor.Delete(); err != nil {
				return fmt.Errorf("failed to delete old reading: %w", err)
			}
			toDelete--
			removed++
		}
		return nil
	})

	return removed, err
}

// DeleteReadings removes every reading of a sensor
func (s *BoltStorage) DeleteReadings(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(readingsBucket))
		if bucket == nil {
			return fmt.Errorf("readings bucket not found")
		}

		if bucket.Bucket([]byte(id)) == nil {
			return nil
		}
		return bucket.DeleteBucket([]byte(id))
	})
}

// Close closes the storage
func (s *BoltStorage) Close() error {
	return s.db.Close()
}
