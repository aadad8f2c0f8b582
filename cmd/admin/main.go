package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultAPI = "http://localhost:8080"

type options struct {
	api      string
	locale   string
	dumpJSON bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "hgrev-admin",
		Short: "Command line interface to the hgrev REST API",
		Long: `hgrev-admin queries a running hgrev server for revisions, pushes and
the branch catalog.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&opts.api, "api", envDefault("HGREV_API", defaultAPI), "Base URL of the hgrev REST API")
	root.PersistentFlags().StringVar(&opts.locale, "locale", "", "Branch locale (default en-US)")
	root.PersistentFlags().BoolVar(&opts.dumpJSON, "json", false, "Output JSON instead of table")

	root.AddCommand(
		newRevisionCmd(opts),
		newPushCmd(opts),
		newFindCmd(opts),
		newBranchesCmd(opts),
		newRefreshCmd(opts),
		newSourceCmd(opts),
	)
	return root
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
