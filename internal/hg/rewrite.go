package hg

import "strings"

// rewriteRule maps a failing URL of a localized or renamed repository onto
// the repository that actually hosts its changesets.
type rewriteRule struct {
	name  string
	match func(path []string) bool
	apply func(path []string) []string
}

// rewriteRules are tried in order; only the first match applies.
var rewriteRules = []rewriteRule{
	{
		// https://hg.mozilla.org/l10n-central/tr/json-pushes?... -> https://hg.mozilla.org/mozilla-central/json-pushes?...
		name:  "l10n-central",
		match: func(p []string) bool { return len(p) > 3 && p[3] == "l10n-central" },
		apply: func(p []string) []string { return splice(p[:3], []string{"mozilla-central"}, tail(p, 5)) },
	},
	{
		// https://hg.mozilla.org/releases/l10n/mozilla-aurora/pt-PT/... -> https://hg.mozilla.org/releases/mozilla-aurora/...
		name:  "mozilla-aurora",
		match: func(p []string) bool { return len(p) > 5 && p[5] == "mozilla-aurora" },
		apply: func(p []string) []string { return splice(p[:4], []string{"mozilla-aurora"}, tail(p, 7)) },
	},
	{
		name:  "mozilla-beta",
		match: func(p []string) bool { return len(p) > 5 && p[5] == "mozilla-beta" },
		apply: func(p []string) []string { return splice(p[:4], []string{"mozilla-beta"}, tail(p, 7)) },
	},
	{
		name:  "mozilla-release",
		match: func(p []string) bool { return len(p) > 7 && p[5] == "mozilla-release" },
		apply: func(p []string) []string { return splice(p[:4], []string{"mozilla-release"}, tail(p, 7)) },
	},
	{
		// https://hg.mozilla.org/build/autoland/... -> https://hg.mozilla.org/try/...
		name:  "autoland",
		match: func(p []string) bool { return len(p) > 5 && p[4] == "autoland" },
		apply: func(p []string) []string { return splice(p[:3], []string{"try"}, tail(p, 5)) },
	},
}

// Rewrite returns the URL produced by the first matching rewrite rule.
func Rewrite(rawURL string) (string, bool) {
	path := strings.Split(rawURL, "/")
	for _, rule := range rewriteRules {
		if rule.match(path) {
			return strings.Join(rule.apply(path), "/"), true
		}
	}
	return "", false
}

// Trim strips the endpoint part of a hosting URL, leaving the repository URL.
func Trim(rawURL string) string {
	rawURL, _, _ = strings.Cut(rawURL, "/json-pushes?")
	rawURL, _, _ = strings.Cut(rawURL, "/json-info?")
	return rawURL
}

func tail(p []string, from int) []string {
	if from >= len(p) {
		return nil
	}
	return p[from:]
}

func splice(parts ...[]string) []string {
	var out []string
	for _, part := range parts {
		out = append(out, part...)
	}
	return out
}
