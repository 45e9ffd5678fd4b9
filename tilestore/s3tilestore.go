package tilestore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/swarmguard/lambdapack/objectstore"
	"github.com/swarmguard/lambdapack/tile"
)

// S3TileStore backs Store with an object store (S3 in production),
// retrying transient get/put failures with exponential backoff. The
// retry shape and initial 200ms backoff are grounded on the original
// scheduler's RemoteLoad/RemoteWrite __call__ methods, which retried
// matrix.get_block_async/put_block_async on TimeoutError starting at a
// 0.2s backoff doubled each attempt.
type S3TileStore struct {
	blobs      objectstore.Store
	maxRetries int
}

// NewS3TileStore wraps blobs with bounded retry for transient failures.
func NewS3TileStore(blobs objectstore.Store) *S3TileStore {
	return &S3TileStore{blobs: blobs, maxRetries: 5}
}

// backOff builds this store's retry policy: exponential, doubling,
// capped at 60s between attempts, bounded to maxRetries total tries.
func (s *S3TileStore) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 60 * time.Second
	b.MaxElapsedTime = 0
	retries := s.maxRetries - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

func (s *S3TileStore) Get(ctx context.Context, ref tile.Ref) (*tile.Dense, error) {
	return backoff.RetryWithData(func() (*tile.Dense, error) {
		raw, err := s.blobs.Get(ctx, ref.Key())
		if err != nil {
			return nil, fmt.Errorf("tilestore: get %s: %w", ref.Key(), err)
		}
		return decodeDense(raw)
	}, s.backOff(ctx))
}

func (s *S3TileStore) Put(ctx context.Context, ref tile.Ref, val *tile.Dense) error {
	raw, err := encodeDense(val)
	if err != nil {
		return fmt.Errorf("tilestore: encode %s: %w", ref.Key(), err)
	}
	return backoff.Retry(func() error {
		return s.blobs.Put(ctx, ref.Key(), raw)
	}, s.backOff(ctx))
}

func encodeDense(d *tile.Dense) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, int64(d.Rows)); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, int64(d.Cols)); err != nil {
		return nil, err
	}
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(d.Data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeDense(raw []byte) (*tile.Dense, error) {
	buf := bytes.NewReader(raw)
	var rows, cols int64
	if err := binary.Read(buf, binary.BigEndian, &rows); err != nil {
		return nil, err
	}
	if err := binary.Read(buf, binary.BigEndian, &cols); err != nil {
		return nil, err
	}
	var data []float64
	dec := gob.NewDecoder(buf)
	if err := dec.Decode(&data); err != nil {
		return nil, err
	}
	return &tile.Dense{Rows: int(rows), Cols: int(cols), Data: data}, nil
}
