// Package branches keeps the catalog of known repositories ("branches") and
// the URL each one was last reached at.
package branches

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/text/cases"

	"github.com/onexay/hgrev/internal/types"
)

// DefaultMaxAge is how long a loaded catalog is considered fresh.
const DefaultMaxAge = time.Hour

// BranchUnresolvedError reports a branch missing from the catalog.
type BranchUnresolvedError struct {
	Name   string
	Locale string
}

func (e *BranchUnresolvedError) Error() string {
	return fmt.Sprintf("can not find branch %s (locale %s)", e.Name, e.Locale)
}

// Options configures a Catalog.
type Options struct {
	Source Source
	MaxAge time.Duration
	Logger logr.Logger
	Clock  func() time.Time
}

type key struct {
	name   string
	locale string
}

type snapshot struct {
	byKey map[key]types.Branch
	all   []types.Branch
}

// Catalog resolves branch names to branches. Reads see a consistent snapshot
// which Refresh replaces as a whole.
type Catalog struct {
	source Source
	maxAge time.Duration
	logger logr.Logger
	clock  func() time.Time

	current    atomic.Pointer[snapshot]
	urls       sync.Map // key -> string
	refreshing atomic.Bool
}

// New creates a Catalog and performs the initial load.
func New(ctx context.Context, opts Options) (*Catalog, error) {
	if opts.Source == nil {
		opts.Source = DefaultBranches()
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	c := &Catalog{
		source: opts.Source,
		maxAge: opts.MaxAge,
		logger: opts.Logger,
		clock:  opts.Clock,
	}
	c.current.Store(&snapshot{byKey: map[key]types.Branch{}})
	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func makeKey(name, locale string) key {
	if locale == "" {
		locale = types.DefaultLocale
	}
	return key{name: cases.Fold().String(strings.TrimSpace(name)), locale: locale}
}

// Get returns the branch with the given name and locale.
func (c *Catalog) Get(name, locale string) (types.Branch, bool) {
	k := makeKey(name, locale)
	b, ok := c.current.Load().byKey[k]
	if !ok {
		return types.Branch{}, false
	}
	if url, ok := c.urls.Load(k); ok {
		b.URL = url.(string)
	}
	return b, true
}

// Lookup returns the branch for name in locale, falling back to the default
// locale.
func (c *Catalog) Lookup(name, locale string) (types.Branch, error) {
	if b, ok := c.Get(name, locale); ok {
		return b, nil
	}
	if b, ok := c.Get(name, types.DefaultLocale); ok {
		return b, nil
	}
	return types.Branch{}, &BranchUnresolvedError{Name: name, Locale: locale}
}

// IsStale reports whether the branch comes from a catalog older than MaxAge.
func (c *Catalog) IsStale(b types.Branch) bool {
	return c.clock().Sub(b.RefreshedAt) > c.maxAge
}

// Refresh reloads the catalog from its source.
func (c *Catalog) Refresh(ctx context.Context) error {
	loaded, err := c.source.Load(ctx)
	if err != nil {
		return fmt.Errorf("load branches: %w", err)
	}

	now := c.clock()
	next := &snapshot{byKey: make(map[key]types.Branch, len(loaded))}
	for _, b := range loaded {
		if b.Locale == "" {
			b.Locale = types.DefaultLocale
		}
		b.RefreshedAt = now
		next.byKey[makeKey(b.Name, b.Locale)] = b
	}
	for _, b := range next.byKey {
		next.all = append(next.all, b)
	}
	slices.SortFunc(next.all, func(a, b types.Branch) int {
		if n := strings.Compare(a.Name, b.Name); n != 0 {
			return n
		}
		return strings.Compare(a.Locale, b.Locale)
	})

	c.current.Store(next)
	c.logger.V(1).Info("branch catalog refreshed", "branches", len(next.all))
	return nil
}

// RefreshAsync starts a background refresh unless one is already running.
func (c *Catalog) RefreshAsync() {
	if !c.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.refreshing.Store(false)
		if err := c.Refresh(context.Background()); err != nil {
			c.logger.Error(err, "background branch refresh failed")
		}
	}()
}

// All returns every branch, ordered by name and locale.
func (c *Catalog) All() []types.Branch {
	snap := c.current.Load()
	out := make([]types.Branch, len(snap.all))
	for i, b := range snap.all {
		if url, ok := c.urls.Load(makeKey(b.Name, b.Locale)); ok {
			b.URL = url.(string)
		}
		out[i] = b
	}
	return out
}

// Landing returns the default locale branches for names, skipping unknown ones.
func (c *Catalog) Landing(names []string) []types.Branch {
	out := make([]types.Branch, 0, len(names))
	for _, name := range names {
		b, ok := c.Get(name, types.DefaultLocale)
		if !ok {
			c.logger.V(1).Info("landing branch not in catalog", "branch", name)
			continue
		}
		out = append(out, b)
	}
	return out
}

// RecordURL remembers the URL a branch was last reached at. Later reads of the
// branch use it in place of the catalog URL.
func (c *Catalog) RecordURL(b types.Branch) {
	if b.Name == "" || b.URL == "" {
		return
	}
	c.urls.Store(makeKey(b.Name, b.Locale), b.URL)
}
