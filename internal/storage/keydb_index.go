package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strings"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/onexay/hgrev/internal/types"
)

const (
	docKeyPrefix  = "rev:doc:"
	id12KeyPrefix = "rev:id12:"
	scanBatch     = 500
)

// Config defines KeyDB connection settings.
type Config struct {
	Addr     string
	Username string
	Password string
	Database int
}

type keydbIndex struct {
	client *redis.Client
}

// NewKeyDBIndex initializes an Index backed by KeyDB.
func NewKeyDBIndex(cfg Config) (Index, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.Database,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to keydb: %w", classify(err))
	}

	return &keydbIndex{client: client}, nil
}

func (s *keydbIndex) Search(ctx context.Context, q Query) ([]Hit, error) {
	ids, err := s.candidates(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Hit{}, nil
	}
	slices.Sort(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = docKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, classify(err)
	}

	size := q.size()
	hits := make([]Hit, 0)
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var rev types.Revision
		if err := json.Unmarshal([]byte(raw), &rev); err != nil {
			return nil, fmt.Errorf("decode document %s: %w", ids[i], err)
		}
		if !q.Matches(rev) {
			continue
		}
		hits = append(hits, Hit{ID: ids[i], Revision: rev})
		if len(hits) >= size {
			break
		}
	}
	return hits, nil
}

// candidates narrows the documents to decode. Document ids start with the
// id12, so shorter prefixes can be matched against the document keys directly.
func (s *keydbIndex) candidates(ctx context.Context, q Query) ([]string, error) {
	prefix := q.seekPrefix()
	if len(prefix) >= 12 {
		ids, err := s.client.SMembers(ctx, id12Key(prefix[:12])).Result()
		if err != nil {
			return nil, classify(err)
		}
		return ids, nil
	}

	var ids []string
	iter := s.client.Scan(ctx, 0, docKeyPrefix+escapeGlob(prefix)+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), docKeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, classify(err)
	}
	return ids, nil
}

func (s *keydbIndex) Upsert(ctx context.Context, id string, rev types.Revision) error {
	if id == "" {
		return &ValidationError{Message: "document id is required"}
	}
	payload, err := json.Marshal(rev)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, docKey(id), payload, 0)
	if rev.Changeset.ID12 != "" {
		pipe.SAdd(ctx, id12Key(rev.Changeset.ID12), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func (s *keydbIndex) Close() error {
	return s.client.Close()
}

// classify maps datastore failures onto TransientError where a retry may help.
func classify(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		msg := redisErr.Error()
		for _, prefix := range []string{"BUSY", "LOADING", "TRYAGAIN", "MASTERDOWN"} {
			if strings.HasPrefix(msg, prefix) {
				return &TransientError{Kind: TransientThrottled, Err: err}
			}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, redis.ErrClosed) {
		return &TransientError{Kind: TransientLostNode, Err: err}
	}
	return err
}

func docKey(id string) string {
	return docKeyPrefix + id
}

func id12Key(id12 string) string {
	return id12KeyPrefix + id12
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)
	return r.Replace(s)
}
