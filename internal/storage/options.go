package storage

import (
	"fmt"
	"strings"
)

// Backend enumerates supported index implementations.
type Backend string

const (
	// BackendMemory keeps documents in-process.
	BackendMemory Backend = "memory"
	// BackendKeyDB persists documents to KeyDB/Redis.
	BackendKeyDB Backend = "keydb"
	// BackendBolt persists documents to a local BoltDB file.
	BackendBolt Backend = "bolt"
)

// Options select and configure an index backend.
type Options struct {
	Backend  Backend
	KeyDB    Config
	BoltPath string
}

// Open builds the index selected by opts.
func Open(opts Options) (Index, error) {
	switch Backend(strings.ToLower(string(opts.Backend))) {
	case BackendKeyDB:
		return NewKeyDBIndex(opts.KeyDB)
	case BackendBolt:
		return NewBoltIndex(opts.BoltPath)
	case BackendMemory, "":
		return NewMemoryIndex(), nil
	default:
		return nil, &ValidationError{Message: fmt.Sprintf("unknown index backend %q", opts.Backend)}
	}
}
