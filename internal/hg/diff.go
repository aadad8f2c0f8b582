package hg

import (
	"strconv"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/onexay/hgrev/internal/types"
)

const devNull = "/dev/null"

// ParseDiff converts a git-style unified diff into per-file line changes.
// Added lines carry their line number in the new file, removed lines their
// line number in the old file.
func ParseDiff(text string) []types.FileDiff {
	var (
		files     []types.FileDiff
		current   *types.FileDiff
		gitOld    string
		gitNew    string
		sawHeader bool
		oldLine   int
		newLine   int
		inHunk    bool
	)

	flush := func() {
		if current == nil {
			return
		}
		if !sawHeader {
			current.Old, current.New = gitOld, gitNew
		}
		files = append(files, *current)
		current = nil
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case strings.HasPrefix(line, "diff --git "):
			flush()
			gitOld, gitNew = splitGitHeader(strings.TrimPrefix(line, "diff --git "))
			current = &types.FileDiff{}
			sawHeader = false
			inHunk = false
		case current == nil:
			continue
		case !inHunk && strings.HasPrefix(line, "--- "):
			current.Old = diffPath(strings.TrimPrefix(line, "--- "), "a/")
			sawHeader = true
		case !inHunk && strings.HasPrefix(line, "+++ "):
			current.New = diffPath(strings.TrimPrefix(line, "+++ "), "b/")
			sawHeader = true
		case strings.HasPrefix(line, "@@"):
			var ok bool
			oldLine, newLine, ok = parseHunkHeader(line)
			inHunk = ok
		case !inHunk:
			continue
		case strings.HasPrefix(line, "+"):
			current.Changes = append(current.Changes, types.LineChange{Action: "+", Line: newLine, Content: line[1:]})
			newLine++
		case strings.HasPrefix(line, "-"):
			current.Changes = append(current.Changes, types.LineChange{Action: "-", Line: oldLine, Content: line[1:]})
			oldLine++
		case strings.HasPrefix(line, " "):
			oldLine++
			newLine++
		}
	}
	flush()
	return files
}

// Placeholder lists the files of a changeset with no line changes, used when
// the diff cannot be fetched.
func Placeholder(files []string) []types.FileDiff {
	out := make([]types.FileDiff, 0, len(files))
	for _, f := range files {
		out = append(out, types.FileDiff{Old: f, New: f})
	}
	return out
}

// CompareFile returns the unified diff between two versions of a file, or an
// empty string when they are equal.
func CompareFile(fromName, from, toName, to string) (string, error) {
	if from == to {
		return "", nil
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(from),
		B:        difflib.SplitLines(to),
		FromFile: fromName,
		ToFile:   toName,
		Context:  3,
	})
}

func splitGitHeader(rest string) (string, string) {
	idx := strings.Index(rest, " b/")
	if idx < 0 {
		return "", ""
	}
	return strings.TrimPrefix(rest[:idx], "a/"), rest[idx+3:]
}

func diffPath(p, prefix string) string {
	if tab := strings.IndexByte(p, '\t'); tab >= 0 {
		p = p[:tab]
	}
	if p == devNull {
		return ""
	}
	return strings.TrimPrefix(p, prefix)
}

// parseHunkHeader reads "@@ -a,b +c,d @@" and returns the starting line numbers.
func parseHunkHeader(line string) (int, int, bool) {
	fields := strings.Fields(line)
	if len(fields) < 3 || !strings.HasPrefix(fields[1], "-") || !strings.HasPrefix(fields[2], "+") {
		return 0, 0, false
	}
	oldStart, ok1 := hunkStart(fields[1][1:])
	newStart, ok2 := hunkStart(fields[2][1:])
	return oldStart, newStart, ok1 && ok2
}

func hunkStart(s string) (int, bool) {
	s, _, _ = strings.Cut(s, ",")
	n, err := strconv.Atoi(s)
	return n, err == nil
}
