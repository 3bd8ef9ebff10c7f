// Package redis provides a projection document store and an idempotency
// store on Redis. Documents are hashes; positions are hash fields updated in
// the same MULTI as the content, guarded by WATCH.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fortium/eventserver/adapters"
)

const (
	fieldData      = "data"
	fieldUpdatedAt = "updated_at"
	positionPrefix = "pos:"

	defaultPrefix     = "eventserver"
	defaultMaxRetries = 10
)

var _ adapters.DocumentStore = (*DocumentStore)(nil)

// ErrTooMuchContention is returned when optimistic transactions keep losing
// to concurrent writers.
var ErrTooMuchContention = errors.New("eventserver/redis: too much contention on document")

// Option configures the stores.
type Option func(*options)

type options struct {
	prefix     string
	maxRetries int
}

// WithKeyPrefix namespaces every key. The default is "eventserver".
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithMaxRetries bounds WATCH retries per write.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		o.maxRetries = n
	}
}

func newOptions(opts []Option) options {
	o := options{prefix: defaultPrefix, maxRetries: defaultMaxRetries}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Connect creates a client for addr and verifies it with a ping.
func Connect(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, adapters.NewStorageError("redis ping", err)
	}
	return rdb, nil
}

// DocumentStore stores projection documents in Redis.
type DocumentStore struct {
	rdb  goredis.UniversalClient
	opts options
}

// NewDocumentStore creates a document store on rdb.
func NewDocumentStore(rdb goredis.UniversalClient, opts ...Option) *DocumentStore {
	return &DocumentStore{rdb: rdb, opts: newOptions(opts)}
}

func (s *DocumentStore) docKey(projection, key string) string {
	return fmt.Sprintf("%s:doc:%s:%s", s.opts.prefix, projection, key)
}

func (s *DocumentStore) indexKey(projection string) string {
	return fmt.Sprintf("%s:docs:%s", s.opts.prefix, projection)
}

func (s *DocumentStore) positionsKey(projection string) string {
	return fmt.Sprintf("%s:positions:%s", s.opts.prefix, projection)
}

// GetDocument returns the stored document or ErrDocumentNotFound.
func (s *DocumentStore) GetDocument(ctx context.Context, projection, key string) (*adapters.DocumentRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, s.docKey(projection, key)).Result()
	if err != nil {
		return nil, adapters.NewStorageError("get document", err)
	}
	if len(fields) == 0 {
		return nil, adapters.ErrDocumentNotFound
	}
	return decodeDocument(projection, key, fields)
}

func decodeDocument(projection, key string, fields map[string]string) (*adapters.DocumentRecord, error) {
	doc := &adapters.DocumentRecord{
		Projection: projection,
		Key:        key,
		Data:       []byte(fields[fieldData]),
		Positions:  make(map[string]int64),
	}
	if ts, ok := fields[fieldUpdatedAt]; ok {
		nanos, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("eventserver/redis: bad %s on %s/%s: %w", fieldUpdatedAt, projection, key, err)
		}
		doc.UpdatedAt = time.Unix(0, nanos).UTC()
	}
	for f, v := range fields {
		streamID, ok := strings.CutPrefix(f, positionPrefix)
		if !ok {
			continue
		}
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("eventserver/redis: bad position for %s on %s/%s: %w", streamID, projection, key, err)
		}
		doc.Positions[streamID] = seq
	}
	return doc, nil
}

// SaveDocument writes the content and the stream position in one MULTI.
// WATCH on the document and the projection positions makes a concurrent
// writer abort the transaction, which is then retried.
func (s *DocumentStore) SaveDocument(ctx context.Context, w adapters.DocumentWrite) error {
	docKey := s.docKey(w.Projection, w.Key)
	posKey := s.positionsKey(w.Projection)
	posField := positionPrefix + w.StreamID

	txf := func(tx *goredis.Tx) error {
		current, err := tx.HGet(ctx, docKey, posField).Int64()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return err
		}
		if current >= w.Sequence {
			return adapters.ErrStalePosition
		}

		highest, err := tx.HGet(ctx, posKey, w.StreamID).Int64()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, docKey,
				fieldData, w.Data,
				fieldUpdatedAt, time.Now().UnixNano(),
				posField, w.Sequence)
			pipe.SAdd(ctx, s.indexKey(w.Projection), w.Key)
			if w.Sequence > highest {
				pipe.HSet(ctx, posKey, w.StreamID, w.Sequence)
			}
			return nil
		})
		return err
	}

	for i := 0; i < s.opts.maxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, docKey, posKey)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, goredis.TxFailedErr):
			continue
		case errors.Is(err, adapters.ErrStalePosition):
			return err
		default:
			return adapters.NewStorageError("save document", err)
		}
	}
	return adapters.NewStorageError("save document", ErrTooMuchContention)
}

// StreamPosition returns the highest applied sequence of streamID in the projection.
func (s *DocumentStore) StreamPosition(ctx context.Context, projection, streamID string) (int64, error) {
	pos, err := s.rdb.HGet(ctx, s.positionsKey(projection), streamID).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, adapters.NewStorageError("stream position", err)
	}
	return pos, nil
}

// CountDocuments returns the number of documents in the projection.
func (s *DocumentStore) CountDocuments(ctx context.Context, projection string) (int64, error) {
	n, err := s.rdb.SCard(ctx, s.indexKey(projection)).Result()
	if err != nil {
		return 0, adapters.NewStorageError("count documents", err)
	}
	return n, nil
}

// DeleteProjection removes every document, the index and the positions.
func (s *DocumentStore) DeleteProjection(ctx context.Context, projection string) error {
	keys, err := s.rdb.SMembers(ctx, s.indexKey(projection)).Result()
	if err != nil {
		return adapters.NewStorageError("delete projection", err)
	}

	toDelete := make([]string, 0, len(keys)+2)
	for _, k := range keys {
		toDelete = append(toDelete, s.docKey(projection, k))
	}
	toDelete = append(toDelete, s.indexKey(projection), s.positionsKey(projection))

	if err := s.rdb.Del(ctx, toDelete...).Err(); err != nil {
		return adapters.NewStorageError("delete projection", err)
	}
	return nil
}

// Close closes the client.
func (s *DocumentStore) Close() error {
	return s.rdb.Close()
}
