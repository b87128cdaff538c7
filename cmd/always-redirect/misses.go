package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/always-cache/always-redirect/config"
	"github.com/always-cache/always-redirect/miss"

	"github.com/spf13/cobra"
)

func newMissesCmd(loadConfig func() (config.Config, error)) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "misses",
		Short: "Show the most frequent requests without a rule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if c.SQLite == "" {
				return fmt.Errorf("please specify a sqlite database")
			}
			rec, err := miss.NewSQLiteRecorder(c.SQLiteFilename())
			if err != nil {
				return err
			}
			defer rec.Close()
			misses, err := rec.Top(n)
			if err != nil {
				return err
			}
			return printMisses(cmd.OutOrStdout(), misses)
		},
	}
	cmd.Flags().IntVarP(&n, "number", "n", 20, "Number of misses to show")
	return cmd
}

func printMisses(w io.Writer, misses []miss.Miss) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HITS\tPATH\tREFERER\tLAST SEEN")
	for _, m := range misses {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", m.Hits, m.Path, m.Referer, m.LastSeen.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}
