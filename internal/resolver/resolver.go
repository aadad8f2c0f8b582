// Package resolver turns partial revision requests into complete revision
// records, reading through the persistent index to the hosting service, and
// runs the background discovery of neighbouring revisions.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/onexay/hgrev/internal/cache"
	"github.com/onexay/hgrev/internal/hg"
	"github.com/onexay/hgrev/internal/metrics"
	"github.com/onexay/hgrev/internal/storage"
	"github.com/onexay/hgrev/internal/types"
)

const (
	// DefaultRevisionTTL is how long resolved revisions and pushes stay memoized.
	DefaultRevisionTTL = time.Hour
	// DefaultDiffTTL is how long parsed diffs stay memoized.
	DefaultDiffTTL = time.Minute

	maxDescriptionLength = 2000
	searchAttempts       = 3
	lostNodeMaxDelay     = 5 * time.Minute
	throttledMaxDelay    = 30 * time.Second
)

// Hosting is the subset of the hosting service client the resolvers use.
type Hosting interface {
	Info(ctx context.Context, branch *types.Branch, node string) (hg.RawRevision, error)
	PushLog(ctx context.Context, branch *types.Branch, changesetID string) ([]hg.PushEntry, error)
	RawDiff(ctx context.Context, branch types.Branch, rev string) (string, error)
	RawFile(ctx context.Context, branch types.Branch, rev, path string) (string, error)
}

// Catalog is the subset of the branch catalog the resolvers use.
type Catalog interface {
	Lookup(name, locale string) (types.Branch, error)
	IsStale(b types.Branch) bool
	RefreshAsync()
	RecordURL(b types.Branch)
	Landing(names []string) []types.Branch
}

// Options configures a Resolver.
type Options struct {
	Index   storage.Index
	Hosting Hosting
	Catalog Catalog
	Queue   *Queue

	Logger      logr.Logger
	RevisionTTL time.Duration
	DiffTTL     time.Duration
	CacheSize   int
	// Machine is recorded in the ETL section of every revision produced.
	Machine string
	Clock   func() time.Time
}

// Resolver resolves full revisions. It is safe for concurrent use.
type Resolver struct {
	index   storage.Index
	hosting Hosting
	catalog Catalog
	queue   *Queue
	pushes  *PushResolver
	logger  logr.Logger
	machine string
	clock   func() time.Time

	revisions *cache.Memo[*types.Revision]
	diffs     *cache.Memo[[]types.FileDiff]

	// writeMu serializes index writes.
	writeMu sync.Mutex

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

// New creates a Resolver.
func New(opts Options) (*Resolver, error) {
	if opts.Index == nil || opts.Hosting == nil || opts.Catalog == nil || opts.Queue == nil {
		return nil, errors.New("resolver needs an index, a hosting client, a catalog and a queue")
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	if opts.RevisionTTL <= 0 {
		opts.RevisionTTL = DefaultRevisionTTL
	}
	if opts.DiffTTL <= 0 {
		opts.DiffTTL = DefaultDiffTTL
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Machine == "" {
		opts.Machine, _ = os.Hostname()
	}

	return &Resolver{
		index:     opts.Index,
		hosting:   opts.Hosting,
		catalog:   opts.Catalog,
		queue:     opts.Queue,
		pushes:    newPushResolver(opts),
		logger:    opts.Logger.WithName("resolver"),
		machine:   opts.Machine,
		clock:     opts.Clock,
		revisions: cache.New[*types.Revision](cache.Options{Name: "revisions", Size: opts.CacheSize, TTL: opts.RevisionTTL}),
		diffs:     cache.New[[]types.FileDiff](cache.Options{Name: "diffs", Size: opts.CacheSize, TTL: opts.DiffTTL}),
		sleep:     sleepContext,
		jitter:    func(max time.Duration) time.Duration { return rand.N(max) },
	}, nil
}

// Pushes returns the push resolver sharing this resolver's index and queue.
func (r *Resolver) Pushes() *PushResolver {
	return r.pushes
}

// Resolve completes req into a full revision. It returns (nil, nil) when there
// is nothing to resolve or the hosting service does not know the revision.
func (r *Resolver) Resolve(ctx context.Context, req types.RevisionRequest) (*types.Revision, error) {
	id := req.ChangesetID
	if id == "" || id == "None" || req.Branch.Name == "" {
		return nil, nil
	}
	locale := coalesce(req.Locale, req.Branch.Locale, types.DefaultLocale)
	key := strings.ToLower(req.Branch.Name) + "|" + locale + "|" + id

	rev, err := r.revisions.Get(ctx, key, func(ctx context.Context) (*types.Revision, error) {
		return r.resolve(ctx, req.Branch.Name, id, locale)
	})
	var notFound *hg.NotFoundError
	if errors.As(err, &notFound) {
		r.logger.V(1).Info("unknown revision", "branch", req.Branch.Name, "changeset", id)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := rev.Clone()
	return &out, nil
}

func (r *Resolver) resolve(ctx context.Context, branchName, id, locale string) (*types.Revision, error) {
	start := time.Now()
	rev, err := r.fromIndex(ctx, branchName, id, locale)
	if err != nil {
		return nil, err
	}
	if rev != nil {
		metrics.SetDurationObserver(metrics.ResolutionDuration.WithLabelValues("index"), start)
		return rev, nil
	}

	branch, err := r.catalog.Lookup(branchName, locale)
	if err != nil {
		return nil, err
	}
	if r.catalog.IsStale(branch) {
		r.catalog.RefreshAsync()
	}

	push, err := r.pushes.Resolve(ctx, branch, id)
	if err != nil {
		return nil, err
	}
	// the push log may have reached the branch at a rewritten URL
	if b, err := r.catalog.Lookup(branch.Name, branch.Locale); err == nil {
		branch = b
	}

	raw, err := r.hosting.Info(ctx, &branch, id)
	if err != nil {
		return nil, fmt.Errorf("revision info for %s: %w", id, err)
	}
	r.catalog.RecordURL(branch)

	rev, err = r.normalize(ctx, raw, branch, push)
	if err != nil {
		return nil, err
	}
	r.persist(ctx, storage.DocumentID(*rev), *rev)
	r.enqueueNeighbours(*rev)
	metrics.SetDurationObserver(metrics.ResolutionDuration.WithLabelValues("remote"), start)
	return rev, nil
}

// fromIndex returns the stored revision when it is complete. A stored
// revision missing its diff gets the diff backfilled under its own document
// id. Index failures are logged and answered with nil so the caller falls
// back to the hosting service; only context errors are returned.
func (r *Resolver) fromIndex(ctx context.Context, branchName, id, locale string) (*types.Revision, error) {
	hits, err := r.searchWithRetry(ctx, storage.Query{
		ID12:       types.Short(id),
		BranchName: branchName,
		Locale:     locale,
		Size:       storage.MaxQuerySize,
	})
	if err != nil {
		if isContextErr(err) {
			return nil, err
		}
		r.logger.Info("index search failed, falling back to hosting service", "branch", branchName, "changeset", id, "error", err.Error())
		return nil, nil
	}
	if len(hits) == 0 {
		return nil, nil
	}

	best := hits[0]
	if len(hits) > 1 {
		for _, h := range hits {
			if strings.HasSuffix(h.ID, locale) {
				best = h
				break
			}
		}
		r.logger.Info("expecting no more than one document", "branch", branchName, "changeset", id, "documents", len(hits))
	}

	rev := best.Revision
	if len(rev.Changeset.Diff) == 0 && len(rev.Changeset.Files) > 0 {
		diff, err := r.diff(ctx, rev)
		if err != nil {
			return nil, err
		}
		rev.Changeset.Diff = diff
		r.persist(ctx, best.ID, rev)
	}
	r.logger.V(1).Info("revision found in index", "branch", rev.Branch.Name, "locale", locale, "changeset", rev.Changeset.ID)
	r.enqueueNeighbours(rev)
	return &rev, nil
}

// searchWithRetry retries transient index failures with a random delay.
func (r *Resolver) searchWithRetry(ctx context.Context, q storage.Query) ([]storage.Hit, error) {
	var err error
	for attempt := 0; attempt < searchAttempts; attempt++ {
		var hits []storage.Hit
		hits, err = r.index.Search(ctx, q)
		if err == nil {
			return hits, nil
		}

		var transient *storage.TransientError
		if !errors.As(err, &transient) {
			return nil, err
		}
		metrics.IndexRetries.WithLabelValues(transient.Kind.String()).Inc()

		maxDelay := throttledMaxDelay
		if transient.Kind == storage.TransientLostNode {
			maxDelay = lostNodeMaxDelay
		}
		delay := r.jitter(maxDelay)
		r.logger.V(1).Info("transient index failure, retrying", "kind", transient.Kind.String(), "attempt", attempt+1, "delay", delay.String())
		if serr := r.sleep(ctx, delay); serr != nil {
			return nil, serr
		}
	}
	return nil, err
}

func (r *Resolver) normalize(ctx context.Context, raw hg.RawRevision, branch types.Branch, push types.Push) (*types.Revision, error) {
	if len(raw.Unknown) > 0 && len(raw.Tags) == 0 {
		r.logger.Info("hosting service is returning new property names", "names", raw.Unknown)
	}

	rev := &types.Revision{
		Branch: branch,
		Index:  raw.Rev,
		Changeset: types.Changeset{
			ID:          raw.Node,
			ID12:        types.Short(raw.Node),
			Author:      raw.User,
			Description: types.LimitText(raw.Description, maxDescriptionLength),
			Date:        int64(raw.Date),
			Files:       raw.Files,
			BackedOutBy: raw.BackedOutBy,
		},
		Parents:       raw.Parents,
		Children:      raw.Children,
		Push:          push,
		Phase:         raw.Phase,
		LandingSystem: raw.LandingSystem,
		ETL:           &types.ETL{Timestamp: r.clock().Unix(), Machine: r.machine},
	}
	if bug, ok := hg.ExtractBugID(raw.Description); ok {
		rev.Changeset.Bug = bug
	}
	diff, err := r.diff(ctx, *rev)
	if err != nil {
		return nil, err
	}
	rev.Changeset.Diff = diff
	return rev, nil
}

// diff returns the structured diff of rev, from the index when available.
// Failures produce a placeholder entry per file; context errors are returned
// so that no placeholder is remembered for them.
func (r *Resolver) diff(ctx context.Context, rev types.Revision) ([]types.FileDiff, error) {
	diff, err := r.diffs.Get(ctx, rev.Changeset.ID, func(ctx context.Context) ([]types.FileDiff, error) {
		hits, err := r.index.Search(ctx, storage.Query{ChangesetPrefix: rev.Changeset.ID12, Size: 1})
		if err == nil && len(hits) > 0 && len(hits[0].Revision.Changeset.Diff) > 0 {
			return hits[0].Revision.Changeset.Diff, nil
		}

		text, err := r.hosting.RawDiff(ctx, rev.Branch, rev.Changeset.ID)
		if isContextErr(err) {
			return nil, err
		}
		if err != nil {
			r.logger.Info("could not get unified diff", "changeset", rev.Changeset.ID, "error", err.Error())
			return hg.Placeholder(rev.Changeset.Files), nil
		}
		if parsed := hg.ParseDiff(text); len(parsed) > 0 {
			return parsed, nil
		}
		return hg.Placeholder(rev.Changeset.Files), nil
	})
	if isContextErr(err) {
		return nil, err
	}
	if err != nil {
		return hg.Placeholder(rev.Changeset.Files), nil
	}
	return diff, nil
}

func (r *Resolver) persist(ctx context.Context, id string, rev types.Revision) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.index.Upsert(context.WithoutCancel(ctx), id, rev); err != nil {
		r.logger.Error(err, "failed to persist revision", "id", id)
	}
}

func (r *Resolver) enqueueNeighbours(rev types.Revision) {
	r.queue.Add(types.Task{Branch: rev.Branch, Revisions: rev.Parents, PushDate: rev.Push.Date})
	r.queue.Add(types.Task{Branch: rev.Branch, Revisions: rev.Children, PushDate: rev.Push.Date})
}

// Source returns the content of path at rev on a branch.
func (r *Resolver) Source(ctx context.Context, branchName, locale, rev, path string) (string, error) {
	branch, err := r.catalog.Lookup(branchName, locale)
	if err != nil {
		return "", err
	}
	return r.hosting.RawFile(ctx, branch, rev, path)
}

// CompareFile returns the unified diff of path between revisions from and to.
func (r *Resolver) CompareFile(ctx context.Context, branchName, locale, from, to, path string) (string, error) {
	before, err := r.Source(ctx, branchName, locale, from, path)
	if err != nil {
		return "", fmt.Errorf("source of %s at %s: %w", path, from, err)
	}
	after, err := r.Source(ctx, branchName, locale, to, path)
	if err != nil {
		return "", fmt.Errorf("source of %s at %s: %w", path, to, err)
	}
	name := strings.TrimPrefix(path, "/")
	return hg.CompareFile(types.Short(from)+"/"+name, before, types.Short(to)+"/"+name, after)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
