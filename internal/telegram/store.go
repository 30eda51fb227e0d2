package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
)

// Blob is the persistent sink state: guild-name to forum-topic mappings and
// message-timestamp to Telegram-message-id mappings, saved as one JSON
// document so a restart resumes with the same topics.
type Blob struct {
	Topics      map[string]int64 `json:"topics"`
	Messages    map[string]int64 `json:"messages"`
	LastUpdated time.Time        `json:"last_updated"`
}

func newBlob() *Blob {
	return &Blob{
		Topics:   make(map[string]int64),
		Messages: make(map[string]int64),
	}
}

// normalize backfills nil maps after decoding.
func (b *Blob) normalize() {
	if b.Topics == nil {
		b.Topics = make(map[string]int64)
	}
	if b.Messages == nil {
		b.Messages = make(map[string]int64)
	}
}

// Store persists the sink state blob. A missing blob loads as empty, never
// as an error.
type Store interface {
	Load(ctx context.Context) (*Blob, error)
	Save(ctx context.Context, b *Blob) error
}

// FileStore keeps the blob in a local JSON file. Writes go through a
// temporary file and rename so a crash mid-write cannot corrupt the blob.
type FileStore struct {
	path string
}

// DefaultStorePath is where the file store lives when Redis is not
// configured.
const DefaultStorePath = "telegram_data.json"

// NewFileStore creates a file-backed store at path.
func NewFileStore(path string) *FileStore {
	if path == "" {
		path = DefaultStorePath
	}
	return &FileStore{path: path}
}

func (s *FileStore) Load(_ context.Context) (*Blob, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return newBlob(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}

	b := &Blob{}
	if err := json.Unmarshal(data, b); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	b.normalize()
	return b, nil
}

func (s *FileStore) Save(_ context.Context, b *Blob) error {
	b.LastUpdated = time.Now()

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// redisKey is the single key the blob lives under.
const redisKey = "telegram_data"

// RedisStore keeps the blob in Redis under one key with a TTL, refreshed on
// every save.
type RedisStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewRedisStore creates a Redis-backed store. ttl bounds how long a blob
// survives without a refresh.
func NewRedisStore(rdb redis.Cmdable, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Load(ctx context.Context) (*Blob, error) {
	data, err := s.rdb.Get(ctx, redisKey).Bytes()
	if err == redis.Nil {
		return newBlob(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", redisKey, err)
	}

	b := &Blob{}
	if err := json.Unmarshal(data, b); err != nil {
		return nil, fmt.Errorf("decode %s: %w", redisKey, err)
	}
	b.normalize()
	return b, nil
}

func (s *RedisStore) Save(ctx context.Context, b *Blob) error {
	b.LastUpdated = time.Now()

	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, redisKey, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", redisKey, err)
	}
	return nil
}
