package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/onexay/hgrev/internal/branches"
	"github.com/onexay/hgrev/internal/hg"
	"github.com/onexay/hgrev/internal/storage"
	"github.com/onexay/hgrev/internal/types"
)

const (
	pushScenarioID   = "b6b8e616de320123456789abcdef012345678901"
	backoutID        = "de7aa6b082340123456789abcdef012345678901"
	backoutBy        = "f384789a29dcfd514d25d4a16a97ec5309612d78"
	siblingID        = "5151b1b151510123456789abcdef012345678901"
	parentID         = "aaaaaaaaaaaa0123456789abcdef012345678901"
	childID          = "cccccccccccc0123456789abcdef012345678901"
	autolandOnlyID   = "ad0be5ad0be50123456789abcdef012345678901"
	ambiguousID      = "a3b1960059a50123456789abcdef012345678901"
	scenarioPushDate = int64(1503659542)
)

// fixtureNow is shortly after the scenario pushes, so their neighbours are
// still young enough to be queued.
var fixtureNow = time.Unix(scenarioPushDate+3600, 0).UTC()

const scenarioDiff = `diff --git a/dom/base/nsDocument.cpp b/dom/base/nsDocument.cpp
--- a/dom/base/nsDocument.cpp
+++ b/dom/base/nsDocument.cpp
@@ -1,3 +1,3 @@
 first
-second
+2nd
 third
`

type fixtureRevision struct {
	Node        string
	User        string
	Description string
	Files       []string
	BackedOutBy string
	Parents     []string
	Children    []string
	Extra       map[string]any
	PushID      int
	PushUser    string
	Siblings    []string
	SecondPush  bool
	Diff        string
}

// fakeHG serves json-info, json-pushes, raw-rev and raw-file for a set of
// repositories mounted at /<name>.
type fakeHG struct {
	mu       sync.Mutex
	repos    map[string]map[string]fixtureRevision
	files    map[string]string
	requests map[string]int
	delay    time.Duration
	srv      *httptest.Server
	// aliases are extra catalog entries whose URLs need not be served
	aliases  []types.Branch
}

func newFakeHG(t *testing.T) *fakeHG {
	t.Helper()
	f := &fakeHG{
		repos: map[string]map[string]fixtureRevision{
			"mozilla-central": {},
			"mozilla-inbound": {},
			"autoland":        {},
			"try":             {},
		},
		files:    map[string]string{},
		requests: map[string]int{},
	}
	f.add("mozilla-central", fixtureRevision{
		Node:        pushScenarioID,
		User:        "Jan Henning <jh+bugzilla@buttercookie.de>",
		Description: "Bug 1549641 - Keep the session store up to date. r=sebastian",
		Files:       []string{"dom/base/nsDocument.cpp"},
		Parents:     []string{parentID},
		Children:    []string{childID},
		PushID:      32390,
		PushUser:    "archaeopteryx@coole-files.de",
		Siblings:    []string{siblingID},
		Diff:        scenarioDiff,
	})
	f.add("mozilla-central", fixtureRevision{
		Node:        backoutID,
		User:        "Dev <dev@example.org>",
		Description: "Bug 1374785 - land something that gets backed out",
		Files:       []string{"layout/base/nsLayoutUtils.cpp"},
		BackedOutBy: backoutBy,
		PushID:      32391,
		PushUser:    "dev@example.org",
		Extra:       map[string]any{"pushhead": true},
	})
	f.add("mozilla-central", fixtureRevision{
		Node:       ambiguousID,
		User:       "Dev <dev@example.org>",
		PushID:     32392,
		PushUser:   "dev@example.org",
		SecondPush: true,
	})
	f.add("autoland", fixtureRevision{
		Node:        autolandOnlyID,
		User:        "Dev <dev@example.org>",
		Description: "No bug - tidy up",
		PushID:      77,
		PushUser:    "lando@example.org",
	})
	f.files["mozilla-central@"+types.Short(parentID)+"/dom/base/nsDocument.cpp"] = "first\nsecond\nthird\n"
	f.files["mozilla-central@"+types.Short(pushScenarioID)+"/dom/base/nsDocument.cpp"] = "first\n2nd\nthird\n"

	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeHG) add(repo string, rev fixtureRevision) {
	f.repos[repo][types.Short(rev.Node)] = rev
}

func (f *fakeHG) count(repo, endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[repo+" "+endpoint]
}

func (f *fakeHG) total(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k, v := range f.requests {
		if strings.HasSuffix(k, " "+endpoint) {
			n += v
		}
	}
	return n
}

func (f *fakeHG) serve(w http.ResponseWriter, r *http.Request) {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 3)
	if len(parts) < 2 {
		http.NotFound(w, r)
		return
	}
	repo, endpoint := parts[0], parts[1]

	f.mu.Lock()
	f.requests[repo+" "+endpoint]++
	revs, ok := f.repos[repo]
	delay := f.delay
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	if delay > 0 && strings.HasPrefix(endpoint, "json-") {
		time.Sleep(delay)
	}

	unknown := func(id string) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(fmt.Sprintf("unknown revision '%s'", id))
	}

	switch endpoint {
	case "json-info":
		node := r.URL.Query().Get("node")
		rev, ok := revs[types.Short(node)]
		if !ok {
			unknown(node)
			return
		}
		info := map[string]any{
			"rev":         371950,
			"node":        rev.Node,
			"user":        rev.User,
			"description": rev.Description,
			"date":        []any{float64(scenarioPushDate - 60), 0},
			"files":       rev.Files,
			"parents":     rev.Parents,
			"children":    rev.Children,
			"branch":      "default",
			"tags":        []string{},
			"phase":       "public",
		}
		if rev.BackedOutBy != "" {
			info["backedoutby"] = rev.BackedOutBy
		}
		for k, v := range rev.Extra {
			info[k] = v
		}
		_ = json.NewEncoder(w).Encode(map[string]any{rev.Node: info})
	case "json-pushes":
		id := r.URL.Query().Get("changeset")
		rev, ok := revs[types.Short(id)]
		if !ok {
			unknown(id)
			return
		}
		changesets := []map[string]string{{"node": rev.Node}}
		for _, s := range rev.Siblings {
			changesets = append(changesets, map[string]string{"node": s})
		}
		pushes := map[string]any{
			fmt.Sprint(rev.PushID): map[string]any{"changesets": changesets, "date": scenarioPushDate, "user": rev.PushUser},
		}
		if rev.SecondPush {
			pushes[fmt.Sprint(rev.PushID+1)] = map[string]any{"changesets": changesets, "date": scenarioPushDate, "user": rev.PushUser}
		}
		_ = json.NewEncoder(w).Encode(pushes)
	case "raw-rev":
		if len(parts) < 3 {
			http.NotFound(w, r)
			return
		}
		rev, ok := revs[types.Short(parts[2])]
		if !ok || rev.Diff == "" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(rev.Diff))
	case "raw-file":
		if len(parts) < 3 {
			http.NotFound(w, r)
			return
		}
		rev, path, _ := strings.Cut(parts[2], "/")
		content, ok := f.files[repo+"@"+types.Short(rev)+"/"+path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(content))
	default:
		http.NotFound(w, r)
	}
}

type harness struct {
	hg       *fakeHG
	index    storage.Index
	catalog  *branches.Catalog
	queue    *Queue
	resolver *Resolver
	finder   *Finder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fake := newFakeHG(t)
	return newHarnessWith(t, fake, storage.NewMemoryIndex())
}

func newHarnessWith(t *testing.T, fake *fakeHG, index storage.Index) *harness {
	t.Helper()
	clock := func() time.Time { return fixtureNow }

	var source branches.StaticSource
	for name := range fake.repos {
		source = append(source, types.Branch{Name: name, URL: fake.srv.URL + "/" + name})
	}
	source = append(source, fake.aliases...)
	catalog, err := branches.New(context.Background(), branches.Options{Source: source, Clock: clock})
	require.NoError(t, err)

	fetcher := hg.NewFetcher(hg.FetcherOptions{Client: fake.srv.Client(), RetryDelay: time.Millisecond, Timeout: 5 * time.Second})
	queue := NewQueue(DefaultMaxTodoAge, clock)
	res, err := New(Options{
		Index:   index,
		Hosting: hg.NewClient(fetcher, logr.Discard()),
		Catalog: catalog,
		Queue:   queue,
		Machine: "test-machine",
		Clock:   clock,
	})
	require.NoError(t, err)
	res.sleep = func(context.Context, time.Duration) error { return nil }

	finder := NewFinder(FinderOptions{Resolver: res, Catalog: catalog})
	return &harness{hg: fake, index: index, catalog: catalog, queue: queue, resolver: res, finder: finder}
}

func centralRequest(id string) types.RevisionRequest {
	return types.RevisionRequest{Branch: types.Branch{Name: "mozilla-central"}, ChangesetID: id}
}
