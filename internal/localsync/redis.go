package localsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// blobTTL bounds how long an abandoned blob survives in Redis.
const blobTTL = 24 * time.Hour

// RedisBackend shares blobs between machines. Writes publish the writer's
// origin id on a per-session channel so watchers can skip their own writes.
type RedisBackend struct {
	client *redis.Client
	prefix string
	origin string
}

func NewRedisBackend(redisURL string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisBackendWithClient(client), nil
}

func NewRedisBackendWithClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{
		client: client,
		prefix: "formsync:",
		origin: uuid.NewString(),
	}
}

func (b *RedisBackend) key(k string) string     { return b.prefix + k }
func (b *RedisBackend) channel(k string) string { return b.prefix + "changed:" + k }

func (b *RedisBackend) Load(ctx context.Context, sessionID string) (Blob, error) {
	data, err := b.client.Get(ctx, b.key(BlobKey(sessionID))).Bytes()
	if errors.Is(err, redis.Nil) {
		return EmptyBlob(), nil
	}
	if err != nil {
		return EmptyBlob(), fmt.Errorf("get blob: %w", err)
	}
	return decodeBlob(data)
}

// Save checks the stored revision under WATCH and writes in MULTI, so a
// concurrent writer aborts the transaction.
func (b *RedisBackend) Save(ctx context.Context, sessionID string, blob Blob) error {
	expect := blob.Rev
	blob.Rev++
	data, err := encodeBlob(blob)
	if err != nil {
		return err
	}
	key := BlobKey(sessionID)
	rk := b.key(key)

	err = b.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, rk).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if storedRev(cur) != expect {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rk, data, blobTTL)
			pipe.Publish(ctx, b.channel(key), b.origin)
			return nil
		})
		return err
	}, rk)
	switch {
	case errors.Is(err, ErrConflict), errors.Is(err, redis.TxFailedErr):
		return ErrConflict
	case err != nil:
		return fmt.Errorf("save blob: %w", err)
	}
	return nil
}

func (b *RedisBackend) Watch(ctx context.Context, sessionID string) (<-chan struct{}, error) {
	ps := b.client.Subscribe(ctx, b.channel(BlobKey(sessionID)))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := newNotifier()
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				if m.Payload == b.origin {
					continue
				}
				out.signal()
			}
		}
	}()
	return out, nil
}

func (b *RedisBackend) SaveForm(ctx context.Context, sessionID string, f SavedForm) error {
	data, err := jsonBytes(f)
	if err != nil {
		return err
	}
	if err := b.client.Set(ctx, b.key(FormKey(sessionID)), data, 0).Err(); err != nil {
		return fmt.Errorf("save form: %w", err)
	}
	return nil
}

func (b *RedisBackend) LoadForm(ctx context.Context, sessionID string) (SavedForm, error) {
	data, err := b.client.Get(ctx, b.key(FormKey(sessionID))).Bytes()
	if errors.Is(err, redis.Nil) {
		return SavedForm{}, ErrFormNotFound
	}
	if err != nil {
		return SavedForm{}, fmt.Errorf("get form: %w", err)
	}
	return decodeForm(data)
}

func (b *RedisBackend) FormExists(ctx context.Context, sessionID string) (bool, error) {
	n, err := b.client.Exists(ctx, b.key(FormKey(sessionID))).Result()
	if err != nil {
		return false, fmt.Errorf("exists form: %w", err)
	}
	return n > 0, nil
}

func (b *RedisBackend) Close() error {
	if err := b.client.Close(); err != nil {
		log.Printf("SYNC: close redis: %v", err)
		return err
	}
	return nil
}
