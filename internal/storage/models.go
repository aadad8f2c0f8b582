package storage

import (
	"strings"
	"time"

	"github.com/onexay/hgrev/internal/types"
)

// MaxQuerySize caps the number of hits a single search may return.
const MaxQuerySize = 2000

// minimizedDescriptionLength bounds descriptions kept by Minimize.
const minimizedDescriptionLength = 1000

// Query filters revision documents. Empty fields do not filter.
type Query struct {
	// ID12 matches changeset.id12 exactly.
	ID12 string
	// ChangesetPrefix matches documents whose changeset.id starts with it.
	ChangesetPrefix string
	// BranchName matches branch.name exactly.
	BranchName string
	// Locale matches branch.locale exactly.
	Locale string
	// Size limits the number of hits; zero means MaxQuerySize.
	Size int
}

// Hit is one matching document.
type Hit struct {
	ID       string
	Revision types.Revision
}

// Matches reports whether rev satisfies every filter of the query.
func (q Query) Matches(rev types.Revision) bool {
	if q.ID12 != "" && rev.Changeset.ID12 != q.ID12 {
		return false
	}
	if q.ChangesetPrefix != "" && !strings.HasPrefix(rev.Changeset.ID, q.ChangesetPrefix) {
		return false
	}
	if q.BranchName != "" && rev.Branch.Name != q.BranchName {
		return false
	}
	if q.Locale != "" && rev.Branch.Locale != q.Locale {
		return false
	}
	return true
}

// seekPrefix returns the longest changeset prefix implied by the query.
func (q Query) seekPrefix() string {
	if len(q.ChangesetPrefix) >= len(q.ID12) {
		return q.ChangesetPrefix
	}
	return q.ID12
}

func (q Query) size() int {
	if q.Size <= 0 || q.Size > MaxQuerySize {
		return MaxQuerySize
	}
	return q.Size
}

// DocumentID builds the index key of a revision: id12, branch name and locale.
func DocumentID(rev types.Revision) string {
	return rev.Changeset.ID12 + "-" + rev.Branch.Name + "-" + rev.Branch.LocaleOrDefault()
}

// Minimize strips the bulky and bookkeeping fields of a revision so it can be
// embedded in other documents.
func Minimize(rev types.Revision) types.Revision {
	out := rev
	out.Changeset.Files = nil
	out.Changeset.Diff = nil
	out.Changeset.Description = types.LimitText(rev.Changeset.Description, minimizedDescriptionLength)
	out.ETL = nil
	out.Branch.Description = ""
	out.Branch.RefreshedAt = time.Time{}
	out.Parents = nil
	out.Children = nil
	return out
}
