package resolver

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/onexay/hgrev/internal/cache"
	"github.com/onexay/hgrev/internal/types"
)

// DefaultFinderWorkers is the number of branches searched concurrently.
const DefaultFinderWorkers = 3

// DefaultLandingBranches are where changesets of unknown origin usually land first.
var DefaultLandingBranches = []string{"try", "mozilla-inbound", "autoland"}

type revisionResolver interface {
	Resolve(ctx context.Context, req types.RevisionRequest) (*types.Revision, error)
}

// FinderOptions configures a Finder.
type FinderOptions struct {
	Resolver revisionResolver
	Catalog  Catalog
	// Branches names the landing branches searched, in the default locale.
	Branches  []string
	Workers   int
	TTL       time.Duration
	CacheSize int
	Logger    logr.Logger
}

// Finder looks for a revision on every landing branch.
type Finder struct {
	resolver revisionResolver
	catalog  Catalog
	branches []string
	workers  int
	memo     *cache.Memo[[]types.Revision]
	logger   logr.Logger
}

// NewFinder creates a Finder.
func NewFinder(opts FinderOptions) *Finder {
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	if len(opts.Branches) == 0 {
		opts.Branches = DefaultLandingBranches
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultFinderWorkers
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultRevisionTTL
	}
	return &Finder{
		resolver: opts.Resolver,
		catalog:  opts.Catalog,
		branches: opts.Branches,
		workers:  opts.Workers,
		memo:     cache.New[[]types.Revision](cache.Options{Name: "finds", Size: opts.CacheSize, TTL: opts.TTL}),
		logger:   opts.Logger.WithName("finder"),
	}
}

// Find returns the revisions with id found on the landing branches. Branches
// that do not know the revision are skipped; the result may be empty.
func (f *Finder) Find(ctx context.Context, id string) []types.Revision {
	found, err := f.memo.Get(ctx, id, func(ctx context.Context) ([]types.Revision, error) {
		return f.find(ctx, id)
	})
	if err != nil {
		f.logger.V(1).Info("find abandoned", "changeset", id, "error", err.Error())
		return []types.Revision{}
	}
	out := make([]types.Revision, len(found))
	for i, rev := range found {
		out[i] = rev.Clone()
	}
	return out
}

func (f *Finder) find(ctx context.Context, id string) ([]types.Revision, error) {
	branches := f.catalog.Landing(f.branches)
	queue := make(chan types.Branch, len(branches))
	for _, b := range branches {
		queue <- b
	}
	close(queue)

	var (
		mu       sync.Mutex
		output   = []types.Revision{}
		problems []error
		wg       sync.WaitGroup
	)
	for range f.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range queue {
				if ctx.Err() != nil {
					return
				}
				rev, err := f.resolver.Resolve(ctx, types.RevisionRequest{Branch: b, ChangesetID: id, Locale: types.DefaultLocale})
				if err != nil {
					mu.Lock()
					problems = append(problems, err)
					mu.Unlock()
					continue
				}
				if rev == nil {
					continue
				}
				f.logger.Info("revision found", "changeset", id, "branch", b.Name, "url", b.URL)
				mu.Lock()
				output = append(output, *rev)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for _, p := range problems {
		f.logger.V(1).Info("branch does not hold revision", "changeset", id, "error", p.Error())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return output, nil
}
