package resolver

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/onexay/hgrev/internal/cache"
	"github.com/onexay/hgrev/internal/storage"
	"github.com/onexay/hgrev/internal/types"
)

// AmbiguousPushError reports a push log that does not hold exactly one push
// for a changeset.
type AmbiguousPushError struct {
	Branch      string
	ChangesetID string
	Count       int
}

func (e *AmbiguousPushError) Error() string {
	return fmt.Sprintf("expected one push for %s on %s, got %d", e.ChangesetID, e.Branch, e.Count)
}

// PushResolver finds the push a changeset landed in.
type PushResolver struct {
	index   storage.Index
	hosting Hosting
	catalog Catalog
	queue   *Queue
	memo    *cache.Memo[types.Push]
	logger  logr.Logger
}

func newPushResolver(opts Options) *PushResolver {
	return &PushResolver{
		index:   opts.Index,
		hosting: opts.Hosting,
		catalog: opts.Catalog,
		queue:   opts.Queue,
		memo:    cache.New[types.Push](cache.Options{Name: "pushes", Size: opts.CacheSize, TTL: opts.RevisionTTL}),
		logger:  opts.Logger.WithName("push"),
	}
}

// Resolve returns the push of changesetID on branch.
func (p *PushResolver) Resolve(ctx context.Context, branch types.Branch, changesetID string) (types.Push, error) {
	key := branch.Name + "|" + branch.LocaleOrDefault() + "|" + changesetID
	return p.memo.Get(ctx, key, func(ctx context.Context) (types.Push, error) {
		return p.resolve(ctx, branch, changesetID)
	})
}

func (p *PushResolver) resolve(ctx context.Context, branch types.Branch, changesetID string) (types.Push, error) {
	hits, err := p.index.Search(ctx, storage.Query{
		BranchName:      branch.Name,
		ChangesetPrefix: types.Short(changesetID),
		Size:            1,
	})
	switch {
	case err != nil:
		p.logger.V(1).Info("index lookup failed, reading push log", "branch", branch.Name, "changeset", changesetID, "error", err.Error())
	case len(hits) > 0:
		return hits[0].Revision.Push, nil
	}

	p.logger.V(1).Info("reading push log", "branch", branch.Name, "changeset", changesetID)
	entries, err := p.hosting.PushLog(ctx, &branch, changesetID)
	if err != nil {
		return types.Push{}, fmt.Errorf("push log for %s: %w", changesetID, err)
	}
	p.catalog.RecordURL(branch)

	pushes := make([]types.Push, 0, len(entries))
	for _, entry := range entries {
		p.queue.Add(types.Task{Branch: branch, Revisions: entry.Changesets, PushDate: entry.Date})
		pushes = append(pushes, types.Push{ID: entry.ID, Date: entry.Date, User: entry.User})
	}
	if len(pushes) != 1 {
		return types.Push{}, &AmbiguousPushError{Branch: branch.Name, ChangesetID: changesetID, Count: len(pushes)}
	}
	return pushes[0], nil
}
