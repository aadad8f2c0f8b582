package resolver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/onexay/hgrev/internal/branches"
	"github.com/onexay/hgrev/internal/storage"
	"github.com/onexay/hgrev/internal/types"
)

func TestResolvePushScenario(t *testing.T) {
	h := newHarness(t)

	rev, err := h.resolver.Resolve(context.Background(), centralRequest("b6b8e616de32"))
	require.NoError(t, err)
	require.NotNil(t, rev)

	require.Equal(t, types.Push{ID: 32390, Date: 1503659542, User: "archaeopteryx@coole-files.de"}, rev.Push)
	require.Equal(t, pushScenarioID, rev.Changeset.ID)
	require.Equal(t, "b6b8e616de32", rev.Changeset.ID12)
	require.Equal(t, 1549641, rev.Changeset.Bug)
	require.Equal(t, "en-US", rev.Branch.Locale)
	require.Equal(t, []string{parentID}, rev.Parents)
	require.NotNil(t, rev.ETL)
	require.Equal(t, "test-machine", rev.ETL.Machine)
	require.Equal(t, fixtureNow.Unix(), rev.ETL.Timestamp)

	require.Len(t, rev.Changeset.Diff, 1)
	require.Equal(t, []types.LineChange{
		{Action: "-", Line: 2, Content: "second"},
		{Action: "+", Line: 2, Content: "2nd"},
	}, rev.Changeset.Diff[0].Changes)

	hits, err := h.index.Search(context.Background(), storage.Query{ID12: "b6b8e616de32"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "b6b8e616de32-mozilla-central-en-US", hits[0].ID)

	// the push siblings, the parents and the children were queued
	require.Equal(t, 3, h.queue.Len())
}

func TestResolveBackoutScenario(t *testing.T) {
	h := newHarness(t)

	rev, err := h.resolver.Resolve(context.Background(), centralRequest("de7aa6b08234"))
	require.NoError(t, err)
	require.NotNil(t, rev)
	require.Equal(t, backoutBy, rev.Changeset.BackedOutBy)
	require.Equal(t, 1374785, rev.Changeset.Bug)

	// no raw diff is served for this revision, so every file gets a placeholder
	require.Equal(t, []types.FileDiff{{Old: "layout/base/nsLayoutUtils.cpp", New: "layout/base/nsLayoutUtils.cpp"}}, rev.Changeset.Diff)
}

func TestResolveIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.resolver.Resolve(ctx, centralRequest(pushScenarioID))
	require.NoError(t, err)
	second, err := h.resolver.Resolve(ctx, centralRequest(pushScenarioID))
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, h.hg.count("mozilla-central", "json-info"))

	// a fresh resolver over the same index answers from the index
	fresh := newHarnessWith(t, h.hg, h.index)
	third, err := fresh.resolver.Resolve(ctx, centralRequest(pushScenarioID))
	require.NoError(t, err)
	require.Equal(t, first, third)
	require.Equal(t, 1, h.hg.count("mozilla-central", "json-info"))
}

func TestResolveReturnsCopies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.resolver.Resolve(ctx, centralRequest(pushScenarioID))
	require.NoError(t, err)
	first.Parents[0] = "mutated"
	first.Changeset.Diff[0].Changes[0].Content = "mutated"

	second, err := h.resolver.Resolve(ctx, centralRequest(pushScenarioID))
	require.NoError(t, err)
	require.Equal(t, parentID, second.Parents[0])
	require.Equal(t, "second", second.Changeset.Diff[0].Changes[0].Content)
}

func TestResolveSingleFlight(t *testing.T) {
	h := newHarness(t)
	h.hg.delay = 50 * time.Millisecond

	const callers = 10
	var wg sync.WaitGroup
	results := make([]*types.Revision, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = h.resolver.Resolve(context.Background(), centralRequest(pushScenarioID))
		}()
	}
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		require.Equal(t, results[0], results[i])
	}
	require.Equal(t, 1, h.hg.count("mozilla-central", "json-info"))
	require.Equal(t, 1, h.hg.count("mozilla-central", "json-pushes"))
}

func TestResolveJoinedCallerSurvivesCancellation(t *testing.T) {
	h := newHarness(t)
	h.hg.mu.Lock()
	h.hg.delay = 100 * time.Millisecond
	h.hg.mu.Unlock()

	first, cancel := context.WithCancel(context.Background())
	defer cancel()
	firstErr := make(chan error, 1)
	go func() {
		_, err := h.resolver.Resolve(first, centralRequest(pushScenarioID))
		firstErr <- err
	}()

	type result struct {
		rev *types.Revision
		err error
	}
	joined := make(chan result, 1)
	time.Sleep(20 * time.Millisecond)
	go func() {
		rev, err := h.resolver.Resolve(context.Background(), centralRequest(pushScenarioID))
		joined <- result{rev, err}
	}()

	// json-pushes answers after 100ms, json-info is in flight at 150ms
	time.Sleep(130 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	res := <-joined
	require.NoError(t, res.err)
	require.NotNil(t, res.rev)
	require.Len(t, res.rev.Changeset.Diff, 1)
	require.Len(t, res.rev.Changeset.Diff[0].Changes, 2)
	require.Equal(t, 1, h.hg.count("mozilla-central", "raw-rev"))

	hits, err := h.index.Search(context.Background(), storage.Query{ID12: types.Short(pushScenarioID)})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "b6b8e616de32-mozilla-central-en-US", hits[0].ID)

	again, err := h.resolver.Resolve(context.Background(), centralRequest(pushScenarioID))
	require.NoError(t, err)
	require.Len(t, again.Changeset.Diff[0].Changes, 2)
	require.Equal(t, 1, h.hg.count("mozilla-central", "json-info"))
}

func TestDiffIsNotRememberedForCancelledCaller(t *testing.T) {
	h := newHarness(t)
	rev := types.Revision{
		Branch: types.Branch{Name: "mozilla-central", Locale: "en-US", URL: h.hg.srv.URL + "/mozilla-central"},
		Changeset: types.Changeset{
			ID:    pushScenarioID,
			ID12:  types.Short(pushScenarioID),
			Files: []string{"dom/base/nsDocument.cpp"},
		},
		Push: types.Push{ID: 32390, Date: scenarioPushDate},
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.resolver.diff(cancelled, rev)
	require.ErrorIs(t, err, context.Canceled)

	diff, err := h.resolver.diff(context.Background(), rev)
	require.NoError(t, err)
	require.Len(t, diff, 1)
	require.Len(t, diff[0].Changes, 2, "a placeholder was remembered")
	require.Equal(t, 1, h.hg.count("mozilla-central", "raw-rev"))
}

func TestPersistOutlivesCancelledCaller(t *testing.T) {
	h := newHarness(t)
	rev := types.Revision{
		Branch:    types.Branch{Name: "mozilla-central", Locale: "en-US"},
		Changeset: types.Changeset{ID: pushScenarioID, ID12: types.Short(pushScenarioID)},
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	h.resolver.persist(cancelled, storage.DocumentID(rev), rev)

	hits, err := h.index.Search(context.Background(), storage.Query{ID12: types.Short(pushScenarioID)})
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestResolvePrefersLocaleSuffixedDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stored := func(pushID int) types.Revision {
		return types.Revision{
			Branch: types.Branch{Name: "mozilla-central", Locale: "en-US", URL: h.hg.srv.URL + "/mozilla-central"},
			Changeset: types.Changeset{
				ID:    pushScenarioID,
				ID12:  types.Short(pushScenarioID),
				Files: []string{"dom/base/nsDocument.cpp"},
				Diff:  []types.FileDiff{{Old: "dom/base/nsDocument.cpp", New: "dom/base/nsDocument.cpp"}},
			},
			Push: types.Push{ID: pushID, Date: scenarioPushDate},
		}
	}
	require.NoError(t, h.index.Upsert(ctx, "legacy-b6b8e616de32", stored(1)))
	require.NoError(t, h.index.Upsert(ctx, "b6b8e616de32-mozilla-central-en-US", stored(32390)))

	rev, err := h.resolver.Resolve(ctx, centralRequest(pushScenarioID))
	require.NoError(t, err)
	require.Equal(t, 32390, rev.Push.ID)
	require.Zero(t, h.hg.total("json-info"))
	require.Zero(t, h.hg.total("json-pushes"))
}

func TestResolveUsesURLLearnedFromPushLog(t *testing.T) {
	fake := newFakeHG(t)
	fake.aliases = []types.Branch{{Name: "l10n-central", Locale: "tr", URL: fake.srv.URL + "/l10n-central/tr"}}
	h := newHarnessWith(t, fake, storage.NewMemoryIndex())

	rev, err := h.resolver.Resolve(context.Background(), types.RevisionRequest{
		Branch:      types.Branch{Name: "l10n-central"},
		ChangesetID: pushScenarioID,
		Locale:      "tr",
	})
	require.NoError(t, err)
	require.NotNil(t, rev)
	require.Equal(t, 32390, rev.Push.ID)
	require.Equal(t, fake.srv.URL+"/mozilla-central", rev.Branch.URL)

	// https and http attempts of the push log only; json-info goes straight
	// to the rewritten URL
	require.Equal(t, 2, h.hg.count("l10n-central", "tr"))
	require.Equal(t, 1, h.hg.count("mozilla-central", "json-info"))
	require.Equal(t, 1, h.hg.count("mozilla-central", "json-pushes"))
}

func TestResolveNothingToResolve(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, req := range []types.RevisionRequest{
		centralRequest(""),
		centralRequest("None"),
		{ChangesetID: pushScenarioID},
	} {
		rev, err := h.resolver.Resolve(ctx, req)
		require.NoError(t, err)
		require.Nil(t, rev)
	}
	require.Zero(t, h.hg.total("json-info"))
}

func TestResolveUnknownRevision(t *testing.T) {
	h := newHarness(t)

	rev, err := h.resolver.Resolve(context.Background(), centralRequest("ffffffffffff"))
	require.NoError(t, err)
	require.Nil(t, rev)
	require.Equal(t, 1, h.hg.count("mozilla-central", "json-pushes"))

	// not found is not memoized
	_, _ = h.resolver.Resolve(context.Background(), centralRequest("ffffffffffff"))
	require.Equal(t, 2, h.hg.count("mozilla-central", "json-pushes"))
}

func TestResolveUnknownBranch(t *testing.T) {
	h := newHarness(t)

	_, err := h.resolver.Resolve(context.Background(), types.RevisionRequest{
		Branch:      types.Branch{Name: "comm-central"},
		ChangesetID: pushScenarioID,
		Locale:      "fr",
	})
	var unresolved *branches.BranchUnresolvedError
	require.ErrorAs(t, err, &unresolved)
	require.Equal(t, "comm-central", unresolved.Name)
}

func TestResolveAmbiguousPush(t *testing.T) {
	h := newHarness(t)

	_, err := h.resolver.Resolve(context.Background(), centralRequest(ambiguousID))
	var ambiguous *AmbiguousPushError
	require.ErrorAs(t, err, &ambiguous)
	require.Equal(t, 2, ambiguous.Count)
	require.Zero(t, h.hg.count("mozilla-central", "json-info"))
}

func TestResolveBackfillsMissingDiff(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stored := types.Revision{
		Branch: types.Branch{Name: "mozilla-central", Locale: "en-US", URL: h.hg.srv.URL + "/mozilla-central"},
		Changeset: types.Changeset{
			ID:    pushScenarioID,
			ID12:  types.Short(pushScenarioID),
			Files: []string{"dom/base/nsDocument.cpp"},
		},
		Push: types.Push{ID: 32390, Date: scenarioPushDate, User: "archaeopteryx@coole-files.de"},
	}
	require.NoError(t, h.index.Upsert(ctx, "legacy-document-id", stored))

	rev, err := h.resolver.Resolve(ctx, centralRequest(pushScenarioID))
	require.NoError(t, err)
	require.Len(t, rev.Changeset.Diff, 1)
	require.Zero(t, h.hg.count("mozilla-central", "json-info"))
	require.Equal(t, 1, h.hg.count("mozilla-central", "raw-rev"))

	hits, err := h.index.Search(ctx, storage.Query{ID12: types.Short(pushScenarioID)})
	require.NoError(t, err)
	require.Len(t, hits, 1, "diff must be patched in place, not written as a second document")
	require.Equal(t, "legacy-document-id", hits[0].ID)
	require.Len(t, hits[0].Revision.Changeset.Diff, 1)
}

// flakyIndex fails the first searches with a transient error.
type flakyIndex struct {
	storage.Index
	mu       sync.Mutex
	failures int
	kind     storage.TransientKind
	calls    int
}

func (f *flakyIndex) Search(ctx context.Context, q storage.Query) ([]storage.Hit, error) {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return nil, &storage.TransientError{Kind: f.kind, Err: errors.New("node went away")}
	}
	return f.Index.Search(ctx, q)
}

func TestSearchRetriesTransientFailures(t *testing.T) {
	fake := newFakeHG(t)
	index := &flakyIndex{Index: storage.NewMemoryIndex(), failures: 2, kind: storage.TransientLostNode}
	h := newHarnessWith(t, fake, index)

	var delays []time.Duration
	h.resolver.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	h.resolver.jitter = func(max time.Duration) time.Duration { return max }

	hits, err := h.resolver.searchWithRetry(context.Background(), storage.Query{ID12: "b6b8e616de32"})
	require.NoError(t, err)
	require.Empty(t, hits)
	require.Equal(t, []time.Duration{lostNodeMaxDelay, lostNodeMaxDelay}, delays)
	require.Equal(t, 3, index.calls)
}

func TestSearchGivesUpAfterThreeAttempts(t *testing.T) {
	fake := newFakeHG(t)
	index := &flakyIndex{Index: storage.NewMemoryIndex(), failures: 10, kind: storage.TransientThrottled}
	h := newHarnessWith(t, fake, index)
	h.resolver.jitter = func(max time.Duration) time.Duration { return max }

	_, err := h.resolver.searchWithRetry(context.Background(), storage.Query{ID12: "b6b8e616de32"})
	var transient *storage.TransientError
	require.ErrorAs(t, err, &transient)
	require.Equal(t, 3, index.calls)

	// the resolver falls back to the hosting service
	index.mu.Lock()
	index.failures = 3
	index.mu.Unlock()
	rev, err := h.resolver.Resolve(context.Background(), centralRequest(pushScenarioID))
	require.NoError(t, err)
	require.NotNil(t, rev)
	require.Equal(t, 1, fake.count("mozilla-central", "json-info"))
}

func TestSourceAndCompareFile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	src, err := h.resolver.Source(ctx, "mozilla-central", "", parentID, "/dom/base/nsDocument.cpp")
	require.NoError(t, err)
	require.Equal(t, "first\nsecond\nthird\n", src)

	diff, err := h.resolver.CompareFile(ctx, "mozilla-central", "", parentID, pushScenarioID, "dom/base/nsDocument.cpp")
	require.NoError(t, err)
	require.Contains(t, diff, "-second")
	require.Contains(t, diff, "+2nd")
}
