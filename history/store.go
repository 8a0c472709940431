// Package history persists per-identity transaction history in a local bbolt
// database. Records are zstd-compressed JSON keyed by an append sequence, with
// a BLAKE3 content fingerprint index so replayed transactions deduplicate.
// This is best-effort local state; durability beyond the process lifetime is
// not guaranteed or required by the registry.
package history

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"go.etcd.io/bbolt"

	identitycache "github.com/walletkit/identity-cache"
)

// MaxRecordSize is the maximum allowed decompressed record size, a hard cap
// during decode to prevent decompression bombs.
const MaxRecordSize = 1 * 1024 * 1024

var (
	// Top-level buckets. Each holds one nested bucket per identity.
	bucketTxns         = []byte("txns")         // identity -> seq(8B BE) -> zstd(JSON Transaction)
	bucketFingerprints = []byte("fingerprints") // identity -> blake3 hex -> seq(8B BE)

	// ErrDuplicate is returned by Append when the transaction's content
	// fingerprint is already recorded for the identity.
	ErrDuplicate = errors.New("history: duplicate transaction")

	// ErrRecordTooLarge is returned when a decoded record exceeds MaxRecordSize.
	ErrRecordTooLarge = errors.New("history: record exceeds maximum size")
)

// Store is a bbolt-backed transaction log, one bucket per identity.
type Store struct {
	db      *bbolt.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  *slog.Logger
	noSync  bool
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: faster writes, data loss on crash. Testing only.
func WithNoSync(noSync bool) StoreOption {
	return func(s *Store) {
		s.noSync = noSync
	}
}

// Open opens (creating if needed) the history database at path.
func Open(path string, opts ...StoreOption) (*Store, error) {
	s := &Store{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	s.db = db

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketTxns, bucketFingerprints} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	if s.encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	if s.decoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxRecordSize)); err != nil {
		s.encoder.Close()
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	s.logger.Debug("opened history store", "path", path, "noSync", s.noSync)
	return s, nil
}

// Close closes the database and releases codec resources.
func (s *Store) Close() error {
	if s.encoder != nil {
		s.encoder.Close()
		s.encoder = nil
	}
	if s.decoder != nil {
		s.decoder.Close()
		s.decoder = nil
	}
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Append records one transaction for the identity. Transactions whose content
// fingerprint is already stored return ErrDuplicate and leave the log
// unchanged.
func (s *Store) Append(id identitycache.IdentityID, txn identitycache.Transaction) error {
	data, err := json.Marshal(txn)
	if err != nil {
		return fmt.Errorf("encoding transaction: %w", err)
	}
	fp := fingerprint(data)

	return s.db.Update(func(tx *bbolt.Tx) error {
		fps, err := tx.Bucket(bucketFingerprints).CreateBucketIfNotExists([]byte(id))
		if err != nil {
			return fmt.Errorf("creating fingerprint bucket: %w", err)
		}
		if fps.Get([]byte(fp)) != nil {
			return ErrDuplicate
		}

		txns, err := tx.Bucket(bucketTxns).CreateBucketIfNotExists([]byte(id))
		if err != nil {
			return fmt.Errorf("creating txn bucket: %w", err)
		}

		seq, err := txns.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating sequence: %w", err)
		}
		key := encodeSeq(seq)

		if err := txns.Put(key, s.encoder.EncodeAll(data, nil)); err != nil {
			return fmt.Errorf("writing transaction: %w", err)
		}
		if err := fps.Put([]byte(fp), key); err != nil {
			return fmt.Errorf("writing fingerprint: %w", err)
		}
		return nil
	})
}

// Recent returns up to n transactions for the identity, newest first. An
// identity with no history returns an empty slice.
func (s *Store) Recent(id identitycache.IdentityID, n int) ([]identitycache.Transaction, error) {
	if n <= 0 {
		return nil, nil
	}

	var out []identitycache.Transaction
	err := s.db.View(func(tx *bbolt.Tx) error {
		txns := tx.Bucket(bucketTxns).Bucket([]byte(id))
		if txns == nil {
			return nil
		}

		c := txns.Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			txn, err := s.decode(v)
			if err != nil {
				s.logger.Warn("skipping corrupt history record",
					"identity", id,
					"seq", decodeSeq(k),
					"error", err,
				)
				continue
			}
			out = append(out, txn)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns the number of stored transactions for the identity.
func (s *Store) Count(id identitycache.IdentityID) (int, error) {
	var count int
	err := s.db.View(func(tx *bbolt.Tx) error {
		if txns := tx.Bucket(bucketTxns).Bucket([]byte(id)); txns != nil {
			count = txns.Stats().KeyN
		}
		return nil
	})
	return count, err
}

// Prune removes all but the newest keep transactions for the identity and
// returns the number removed. Fingerprints of pruned records are dropped so
// the same transaction could be re-appended afterwards.
func (s *Store) Prune(id identitycache.IdentityID, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}

	pruned := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		txns := tx.Bucket(bucketTxns).Bucket([]byte(id))
		if txns == nil {
			return nil
		}
		total := txns.Stats().KeyN
		excess := total - keep
		if excess <= 0 {
			return nil
		}

		fps := tx.Bucket(bucketFingerprints).Bucket([]byte(id))

		c := txns.Cursor()
		for k, v := c.First(); k != nil && pruned < excess; k, v = c.Next() {
			if data, err := s.decodeBytes(v); err == nil && fps != nil {
				if err := fps.Delete([]byte(fingerprint(data))); err != nil {
					return fmt.Errorf("deleting fingerprint: %w", err)
				}
			}
			if err := c.Delete(); err != nil {
				return fmt.Errorf("deleting transaction: %w", err)
			}
			pruned++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return pruned, nil
}

func (s *Store) decode(v []byte) (identitycache.Transaction, error) {
	data, err := s.decodeBytes(v)
	if err != nil {
		return identitycache.Transaction{}, err
	}

	var txn identitycache.Transaction
	if err := json.Unmarshal(data, &txn); err != nil {
		return identitycache.Transaction{}, fmt.Errorf("decoding transaction: %w", err)
	}
	return txn, nil
}

func (s *Store) decodeBytes(v []byte) ([]byte, error) {
	data, err := s.decoder.DecodeAll(v, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing record: %w", err)
	}
	if len(data) > MaxRecordSize {
		return nil, ErrRecordTooLarge
	}
	return data, nil
}

// fingerprint returns the hex BLAKE3 digest of the canonical record bytes.
func fingerprint(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func encodeSeq(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

func decodeSeq(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
