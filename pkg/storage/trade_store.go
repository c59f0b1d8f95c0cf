package storage

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// TradeStore keeps trades ordered by (pair, second bucket, arrival).
// With an empty path the database lives on an in-memory filesystem and
// disappears with the process.
type TradeStore struct {
	db  *pebble.DB
	seq atomic.Uint64
}

func NewTradeStore(path string) (*TradeStore, error) {
	opts := &pebble.Options{}
	if path == "" {
		opts.FS = vfs.NewMem()
		path = "trades"
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open trade store: %w", err)
	}
	s := &TradeStore{db: db}
	// seq must not restart below keys left by an earlier process on disk
	s.seq.Store(uint64(time.Now().UnixNano()))
	return s, nil
}

func (s *TradeStore) Close() error { return s.db.Close() }

// Append stores v under bucket. Trades within one bucket keep append order.
func (s *TradeStore) Append(pair string, bucket int64, v any) error {
	if bucket < 0 {
		return fmt.Errorf("negative bucket %d", bucket)
	}
	data, err := encodeJSON(v)
	if err != nil {
		return fmt.Errorf("failed to marshal trade: %w", err)
	}
	key := tradeKey(pair, bucket, s.seq.Add(1))
	if err := s.db.Set(key, data, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	return nil
}

// Decoder decodes the current value into v.
type Decoder func(v any) error

// Scan visits every trade of pair with from <= bucket <= to in key order.
// Returning an error from fn stops the scan and is returned as is.
func (s *TradeStore) Scan(pair string, from, to int64, fn func(bucket int64, dec Decoder) error) error {
	if to < from {
		return nil
	}
	if from < 0 {
		from = 0
	}
	upper := keyUpperBound(tradePrefix(pair))
	if to < math.MaxInt64 {
		upper = bucketBound(pair, to+1)
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: bucketBound(pair, from),
		UpperBound: upper,
	})
	if err != nil {
		return fmt.Errorf("open iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		raw := iter.Value()
		dec := func(v any) error { return decodeJSON(raw, v) }
		if err := fn(bucketOf(pair, iter.Key()), dec); err != nil {
			return err
		}
	}
	return iter.Error()
}

// LastBucket reports the highest bucket holding a trade for pair.
func (s *TradeStore) LastBucket(pair string) (int64, bool, error) {
	prefix := tradePrefix(pair)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return 0, false, fmt.Errorf("open iterator: %w", err)
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, false, iter.Error()
	}
	return bucketOf(pair, iter.Key()), true, nil
}

// Count returns how many trades pair has stored.
func (s *TradeStore) Count(pair string) (int, error) {
	n := 0
	err := s.Scan(pair, 0, math.MaxInt64, func(int64, Decoder) error {
		n++
		return nil
	})
	return n, err
}
