package branches

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/onexay/hgrev/internal/types"
)

// Source loads the full list of branches.
type Source interface {
	Load(ctx context.Context) ([]types.Branch, error)
}

// StaticSource serves a fixed list of branches.
type StaticSource []types.Branch

func (s StaticSource) Load(context.Context) ([]types.Branch, error) {
	out := make([]types.Branch, len(s))
	copy(out, s)
	return out, nil
}

// FileSource reads branches from a YAML file of the form
//
//	branches:
//	  - name: mozilla-central
//	    url: https://hg.mozilla.org/mozilla-central
//	    locale: en-US
type FileSource struct {
	Path string
}

type fileBranch struct {
	Name        string `yaml:"name"`
	Locale      string `yaml:"locale"`
	URL         string `yaml:"url"`
	Description string `yaml:"description"`
	Parent      string `yaml:"parent"`
}

type fileDocument struct {
	Branches []fileBranch `yaml:"branches"`
}

func (s FileSource) Load(ctx context.Context) ([]types.Branch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read branch catalog: %w", err)
	}

	var doc fileDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse branch catalog %s: %w", s.Path, err)
	}

	out := make([]types.Branch, 0, len(doc.Branches))
	for i, b := range doc.Branches {
		if b.Name == "" || b.URL == "" {
			return nil, fmt.Errorf("branch catalog %s: entry %d needs name and url", s.Path, i)
		}
		out = append(out, types.Branch{
			Name:        b.Name,
			Locale:      b.Locale,
			URL:         b.URL,
			Description: b.Description,
			ParentName:  b.Parent,
		})
	}
	return out, nil
}

// DefaultBranches is the catalog used when no file is configured.
func DefaultBranches() StaticSource {
	const host = "https://hg.mozilla.org"
	return StaticSource{
		{Name: "mozilla-central", URL: host + "/mozilla-central", Description: "main development repository"},
		{Name: "mozilla-inbound", URL: host + "/integration/mozilla-inbound", ParentName: "mozilla-central"},
		{Name: "autoland", URL: host + "/integration/autoland", ParentName: "mozilla-central"},
		{Name: "try", URL: host + "/try", ParentName: "mozilla-central"},
		{Name: "mozilla-beta", URL: host + "/releases/mozilla-beta"},
		{Name: "mozilla-release", URL: host + "/releases/mozilla-release"},
		{Name: "mozilla-esr60", URL: host + "/releases/mozilla-esr60"},
	}
}
