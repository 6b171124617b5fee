package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/pierrec/lz4/v4"
	bolt "go.etcd.io/bbolt"
)

var bucketTablets = []byte("tablets")

// block is the stored form of one block before compression.
type block struct {
	Rows [][]byte `json:"rows"`
}

// BoltStore implements Store on BoltDB. Every tablet is a nested bucket
// under "tablets"; values are lz4 compressed JSON blocks keyed by their
// big endian block number.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates <dataDir>/scansched.db.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "scansched.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTablets); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketTablets, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) AppendBlock(tablet string, rows [][]byte) (uint64, error) {
	data, err := encodeBlock(rows)
	if err != nil {
		return 0, fmt.Errorf("failed to encode block for tablet %s: %w", tablet, err)
	}

	var seq uint64
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketTablets).CreateBucketIfNotExists([]byte(tablet))
		if err != nil {
			return fmt.Errorf("failed to create tablet %s: %w", tablet, err)
		}
		seq, err = b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(blockKey(seq), data)
	})
	return seq, err
}

func (s *BoltStore) ReadBlock(tablet string, seq uint64) ([][]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTablets).Bucket([]byte(tablet))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrTabletNotFound, tablet)
		}
		v := b.Get(blockKey(seq))
		if v == nil {
			return fmt.Errorf("%w: %s/%d", ErrBlockNotFound, tablet, seq)
		}
		// v is only valid inside the transaction.
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	rows, err := decodeBlock(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode block %s/%d: %w", tablet, seq, err)
	}
	return rows, nil
}

func (s *BoltStore) Blocks(tablet string) ([]uint64, error) {
	var seqs []uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTablets).Bucket([]byte(tablet))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrTabletNotFound, tablet)
		}
		return b.ForEach(func(k, _ []byte) error {
			seqs = append(seqs, binary.BigEndian.Uint64(k))
			return nil
		})
	})
	return seqs, err
}

func (s *BoltStore) ListTablets() ([]string, error) {
	var tablets []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTablets).ForEachBucket(func(k []byte) error {
			tablets = append(tablets, string(k))
			return nil
		})
	})
	return tablets, err
}

func (s *BoltStore) DeleteTablet(tablet string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketTablets).DeleteBucket([]byte(tablet))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("%w: %s", ErrTabletNotFound, tablet)
		}
		return err
	})
}

func blockKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func encodeBlock(rows [][]byte) ([]byte, error) {
	raw, err := json.Marshal(block{Rows: rows})
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	zw := lz4.NewWriter(&out)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func decodeBlock(data []byte) ([][]byte, error) {
	raw, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, err
	}
	var b block
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	return b.Rows, nil
}
