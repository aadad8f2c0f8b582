package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/onexay/hgrev/internal/types"
)

// Index defines the persistence operations the resolvers rely on: filtered
// search and upsert by document id.
type Index interface {
	Search(ctx context.Context, q Query) ([]Hit, error)
	Upsert(ctx context.Context, id string, rev types.Revision) error
	Close() error
}

// NotFoundError signals missing records.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return e.Resource + " " + e.Key + " not found"
}

// ValidationError represents invalid input supplied by clients.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// TransientKind classifies index failures worth retrying.
type TransientKind int

const (
	// TransientLostNode means a datastore node went away; recovery may take minutes.
	TransientLostNode TransientKind = iota
	// TransientThrottled means the datastore rejected the request under load.
	TransientThrottled
)

func (k TransientKind) String() string {
	switch k {
	case TransientLostNode:
		return "lost node"
	case TransientThrottled:
		return "throttled"
	default:
		return fmt.Sprintf("transient(%d)", int(k))
	}
}

// TransientError wraps an index failure that may succeed on retry.
type TransientError struct {
	Kind TransientKind
	Err  error
}

func (e *TransientError) Error() string {
	return "index " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// memoryIndex provides an in-memory index for development and testing.
type memoryIndex struct {
	mu    sync.RWMutex
	docs  map[string]types.Revision
	order []string
}

// NewMemoryIndex initializes an empty in-memory index.
func NewMemoryIndex() Index {
	return &memoryIndex{docs: make(map[string]types.Revision)}
}

func (m *memoryIndex) Search(ctx context.Context, q Query) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	size := q.size()
	result := make([]Hit, 0)
	for _, id := range m.order {
		rev := m.docs[id]
		if !q.Matches(rev) {
			continue
		}
		result = append(result, Hit{ID: id, Revision: rev.Clone()})
		if len(result) >= size {
			break
		}
	}
	return result, nil
}

func (m *memoryIndex) Upsert(ctx context.Context, id string, rev types.Revision) error {
	if id == "" {
		return &ValidationError{Message: "document id is required"}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.docs[id]; !exists {
		m.order = append(m.order, id)
	}
	m.docs[id] = rev.Clone()
	return nil
}

func (m *memoryIndex) Close() error { return nil }
