package types

import (
	"slices"
	"time"
)

// DefaultLocale is used whenever neither the request nor the branch names one.
const DefaultLocale = "en-US"

// Branch is a named, localized mount of the hosting service.
type Branch struct {
	Name        string    `json:"name"`
	Locale      string    `json:"locale"`
	URL         string    `json:"url"`
	Description string    `json:"description,omitempty"`
	ParentName  string    `json:"parent_name,omitempty"`
	RefreshedAt time.Time `json:"refreshed_at,omitempty"`
}

// LocaleOrDefault returns the branch locale, falling back to DefaultLocale.
func (b Branch) LocaleOrDefault() string {
	if b.Locale == "" {
		return DefaultLocale
	}
	return b.Locale
}

// LineChange is a single added or removed line inside a file diff.
type LineChange struct {
	Action  string `json:"action"`
	Line    int    `json:"line"`
	Content string `json:"content"`
}

// FileDiff describes the changes made to one file by a changeset.
type FileDiff struct {
	Old     string       `json:"old"`
	New     string       `json:"new"`
	Changes []LineChange `json:"changes,omitempty"`
}

// Changeset captures the commit itself, independent of the branch it landed on.
type Changeset struct {
	ID          string     `json:"id"`
	ID12        string     `json:"id12"`
	Author      string     `json:"author"`
	Description string     `json:"description,omitempty"`
	Date        int64      `json:"date"`
	Files       []string   `json:"files,omitempty"`
	BackedOutBy string     `json:"backedoutby,omitempty"`
	Bug         int        `json:"bug,omitempty"`
	Diff        []FileDiff `json:"diff,omitempty"`
}

// Push groups the changesets that landed together.
type Push struct {
	ID   int    `json:"id"`
	Date int64  `json:"date"`
	User string `json:"user"`
}

// ETL records when and where a revision document was produced.
type ETL struct {
	Timestamp int64  `json:"timestamp"`
	Machine   string `json:"machine,omitempty"`
}

// Revision is the full record of one changeset on one branch and locale.
type Revision struct {
	Branch        Branch    `json:"branch"`
	Index         int       `json:"index"`
	Changeset     Changeset `json:"changeset"`
	Parents       []string  `json:"parents,omitempty"`
	Children      []string  `json:"children,omitempty"`
	Push          Push      `json:"push"`
	Phase         string    `json:"phase,omitempty"`
	LandingSystem string    `json:"landingsystem,omitempty"`
	ETL           *ETL      `json:"etl,omitempty"`
}

// Clone returns a deep copy of the revision.
func (r Revision) Clone() Revision {
	out := r
	out.Parents = slices.Clone(r.Parents)
	out.Children = slices.Clone(r.Children)
	out.Changeset.Files = slices.Clone(r.Changeset.Files)
	if r.Changeset.Diff != nil {
		out.Changeset.Diff = make([]FileDiff, len(r.Changeset.Diff))
		for i, d := range r.Changeset.Diff {
			d.Changes = slices.Clone(d.Changes)
			out.Changeset.Diff[i] = d
		}
	}
	if r.ETL != nil {
		etl := *r.ETL
		out.ETL = &etl
	}
	return out
}

// RevisionRequest is the partial input handed to the resolver. Only Branch.Name
// and ChangesetID are required; ChangesetID may be a 12 character prefix.
type RevisionRequest struct {
	Branch      Branch
	ChangesetID string
	Locale      string
}

// Task is a unit of discovery work: revision ids to look for on a branch.
type Task struct {
	Branch    Branch
	Revisions []string
	PushDate  int64
	Enqueued  time.Time
}

// Short returns the 12 character prefix of a changeset id.
func Short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// LimitText shortens s to at most max runes, marking the cut with "...".
func LimitText(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max < 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
