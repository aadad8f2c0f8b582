package hg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/onexay/hgrev/internal/types"
)

// knownInfoFields are the json-info properties the normalizer understands.
var knownInfoFields = map[string]struct{}{
	"rev": {}, "node": {}, "user": {}, "description": {}, "date": {}, "files": {},
	"backedoutby": {}, "parents": {}, "children": {}, "branch": {}, "tags": {},
	"phase": {}, "landingsystem": {},
}

// Timestamp is a hosting service date: either unix seconds or a
// [seconds, tz offset] pair.
type Timestamp int64

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = 0
		return nil
	}
	if len(data) > 0 && data[0] == '[' {
		var pair []float64
		if err := json.Unmarshal(data, &pair); err != nil {
			return fmt.Errorf("decode date pair: %w", err)
		}
		if len(pair) > 0 {
			*t = Timestamp(int64(pair[0]))
		}
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("decode date: %w", err)
	}
	*t = Timestamp(int64(f))
	return nil
}

// RawRevision is one entry of the json-info endpoint.
type RawRevision struct {
	Rev           int       `json:"rev"`
	Node          string    `json:"node"`
	User          string    `json:"user"`
	Description   string    `json:"description"`
	Date          Timestamp `json:"date"`
	Files         []string  `json:"files"`
	BackedOutBy   string    `json:"backedoutby"`
	Parents       []string  `json:"parents"`
	Children      []string  `json:"children"`
	Branch        string    `json:"branch"`
	Tags          []string  `json:"tags"`
	Phase         string    `json:"phase"`
	LandingSystem string    `json:"landingsystem"`

	// Unknown lists property names the normalizer does not understand.
	Unknown []string `json:"-"`
}

// PushEntry is one push of the json-pushes endpoint.
type PushEntry struct {
	ID         int
	Date       int64
	User       string
	Changesets []string
}

// Client exposes the hosting service endpoints used by the resolvers.
type Client struct {
	fetcher *Fetcher
	logger  logr.Logger
}

// NewClient creates a Client on top of fetcher.
func NewClient(fetcher *Fetcher, logger logr.Logger) *Client {
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	return &Client{fetcher: fetcher, logger: logger}
}

// InfoURL is the json-info endpoint of node on a repository.
func InfoURL(repoURL, node string) string {
	return strings.TrimRight(repoURL, "/") + "/json-info?node=" + node
}

// PushLogURL is the json-pushes endpoint for the push containing changesetID.
func PushLogURL(repoURL, changesetID string) string {
	return strings.TrimRight(repoURL, "/") + "/json-pushes?full=1&changeset=" + changesetID
}

// RawDiffURL is the unified diff endpoint of rev.
func RawDiffURL(repoURL, rev string) string {
	return strings.TrimRight(repoURL, "/") + "/raw-rev/" + rev
}

// RawFileURL is the raw file endpoint of path at rev.
func RawFileURL(repoURL, rev, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimRight(repoURL, "/") + "/raw-file/" + rev + path
}

// Info fetches the metadata of node. branch.URL is updated with the
// repository URL that answered.
func (c *Client) Info(ctx context.Context, branch *types.Branch, node string) (RawRevision, error) {
	data, err := c.fetcher.FetchJSON(ctx, InfoURL(branch.URL, types.Short(node)), branch)
	if err != nil {
		return RawRevision{}, err
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return RawRevision{}, fmt.Errorf("decode json-info: %w", err)
	}
	if len(entries) != 1 {
		return RawRevision{}, fmt.Errorf("json-info for %s returned %d revisions, expected 1", node, len(entries))
	}

	for _, entry := range entries {
		return decodeRawRevision(entry)
	}
	return RawRevision{}, nil
}

func decodeRawRevision(entry json.RawMessage) (RawRevision, error) {
	var rev RawRevision
	if err := json.Unmarshal(entry, &rev); err != nil {
		return RawRevision{}, fmt.Errorf("decode revision: %w", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(entry, &fields); err != nil {
		return RawRevision{}, fmt.Errorf("decode revision fields: %w", err)
	}
	for name := range fields {
		if _, ok := knownInfoFields[name]; !ok {
			rev.Unknown = append(rev.Unknown, name)
		}
	}
	slices.Sort(rev.Unknown)
	return rev, nil
}

type rawPush struct {
	Date       Timestamp `json:"date"`
	User       string    `json:"user"`
	Changesets []struct {
		Node string `json:"node"`
	} `json:"changesets"`
}

// PushLog fetches the pushes containing changesetID, ordered by push id.
func (c *Client) PushLog(ctx context.Context, branch *types.Branch, changesetID string) ([]PushEntry, error) {
	data, err := c.fetcher.FetchJSON(ctx, PushLogURL(branch.URL, changesetID), branch)
	if err != nil {
		return nil, err
	}

	var raw map[string]rawPush
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode json-pushes: %w", err)
	}

	pushes := make([]PushEntry, 0, len(raw))
	for key, p := range raw {
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("decode push id %q: %w", key, err)
		}
		entry := PushEntry{ID: id, Date: int64(p.Date), User: p.User}
		for _, cs := range p.Changesets {
			entry.Changesets = append(entry.Changesets, cs.Node)
		}
		pushes = append(pushes, entry)
	}
	slices.SortFunc(pushes, func(a, b PushEntry) int { return a.ID - b.ID })
	return pushes, nil
}

// RawDiff fetches the unified diff of rev.
func (c *Client) RawDiff(ctx context.Context, branch types.Branch, rev string) (string, error) {
	url := RawDiffURL(branch.URL, rev)
	c.logger.V(1).Info("get unified diff", "url", url)
	return c.fetcher.FetchText(ctx, url)
}

// RawFile fetches the content of path at rev.
func (c *Client) RawFile(ctx context.Context, branch types.Branch, rev, path string) (string, error) {
	return c.fetcher.FetchText(ctx, RawFileURL(branch.URL, rev, path))
}
