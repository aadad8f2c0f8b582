package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/onexay/hgrev/internal/types"
)

func newRevisionCmd(opts *options) *cobra.Command {
	var minimal bool
	cmd := &cobra.Command{
		Use:   "revision <branch> <changeset>",
		Short: "Resolve a revision on a branch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if opts.locale != "" {
				query.Set("locale", opts.locale)
			}
			if minimal {
				query.Set("minimal", "1")
			}
			var rev types.Revision
			if err := opts.call(http.MethodGet, "/revisions/"+url.PathEscape(args[0])+"/"+url.PathEscape(args[1]), query, &rev); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), rev, func() string { return revisionTable([]types.Revision{rev}) })
		},
	}
	cmd.Flags().BoolVar(&minimal, "minimal", false, "Drop files, diff and neighbours")
	return cmd
}

func newPushCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "push <branch> <changeset>",
		Short: "Show the push that landed a changeset",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if opts.locale != "" {
				query.Set("locale", opts.locale)
			}
			var push types.Push
			if err := opts.call(http.MethodGet, "/pushes/"+url.PathEscape(args[0])+"/"+url.PathEscape(args[1]), query, &push); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), push, func() string { return pushTable(args[0], args[1], push) })
		},
	}
}

func newFindCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "find <changeset>",
		Short: "Look for a changeset on the landing branches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var revs []types.Revision
			if err := opts.call(http.MethodGet, "/find/"+url.PathEscape(args[0]), nil, &revs); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), revs, func() string { return revisionTable(revs) })
		},
	}
}

func newBranchesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "branches",
		Short: "List the branch catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var list []types.Branch
			if err := opts.call(http.MethodGet, "/branches", nil, &list); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), list, func() string { return branchTable(list) })
		},
	}
}

func newRefreshCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Reload the branch catalog on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var list []types.Branch
			if err := opts.call(http.MethodPost, "/branches/refresh", nil, &list); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), list, func() string { return branchTable(list) })
		},
	}
}

func newSourceCmd(opts *options) *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "source <branch> <rev> <path>",
		Short: "Print a file at a revision, or its diff against --from",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{"branch": {args[0]}, "path": {args[2]}}
			if opts.locale != "" {
				query.Set("locale", opts.locale)
			}
			endpoint := "/source"
			if from != "" {
				endpoint = "/compare"
				query.Set("from", from)
				query.Set("to", args[1])
			} else {
				query.Set("rev", args[1])
			}
			var text string
			if err := opts.call(http.MethodGet, endpoint, query, &text); err != nil {
				return err
			}
			_, err := io.WriteString(cmd.OutOrStdout(), text)
			return err
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Show the unified diff from this revision")
	return cmd
}

// call performs one request against the API. JSON answers are decoded into
// out; plain text answers require out to be a *string.
func (o *options) call(method, path string, query url.Values, out any) error {
	endpoint := strings.TrimRight(o.api, "/") + "/api/v1" + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequest(method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return errors.New(resp.Status)
	}

	if text, ok := out.(*string); ok {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		*text = string(body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (o *options) render(w io.Writer, v any, table func() string) error {
	if o.dumpJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := io.WriteString(w, table())
	return err
}
