// Command imgdump is a read-only companion that prints selected sections
// of a backup image, grounded on the teacher's cmd/parquet-tool: a cobra
// root command, go-humanize for sizes, tablewriter for tabular sections.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR: "+err.Error())
		os.Exit(1)
	}
}

type dumpOptions struct {
	catalogSummary     bool
	catalogDetails     bool
	metadataStatements bool
	metadataExtra      bool
	snapshots          bool
	dataChunks         bool
	dataTotals         bool
	summary            bool
	all                bool
	exact              bool
	imageOrder         bool
	search             string
}

func newRootCmd() *cobra.Command {
	var opts dumpOptions

	cmd := &cobra.Command{
		Use:   "imgdump <image-path>",
		Short: "Print selected sections of a backup image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(cmd.OutOrStdout(), args[0], opts)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.catalogSummary, "catalog-summary", false, "print counts of each item type")
	flags.BoolVar(&opts.catalogDetails, "catalog-details", false, "print all catalogue items")
	flags.BoolVar(&opts.metadataStatements, "metadata-statements", false, "print DDL-like create statements from metadata")
	flags.BoolVar(&opts.metadataExtra, "metadata-extra", false, "print extra-blob sizes")
	flags.BoolVar(&opts.snapshots, "snapshots", false, "print snapshot descriptors")
	flags.BoolVar(&opts.dataChunks, "data-chunks", false, "print per-chunk sizes")
	flags.BoolVar(&opts.dataTotals, "data-totals", false, "print per-table totals")
	flags.BoolVar(&opts.summary, "summary", false, "print the summary section")
	flags.BoolVar(&opts.all, "all", false, "everything except --snapshots and --data-chunks")
	flags.BoolVar(&opts.exact, "exact", false, "print byte counts in raw form, not humanized")
	flags.BoolVar(&opts.imageOrder, "image-order", false, "list items in image (emission) order")
	flags.StringVar(&opts.search, "search", "", "find object by name or db.name, allowing SQL-style wildcards % and _, and quoting by ', \", `")

	return cmd
}
