package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sigreer/zfcpgod/internal/journal"
	"github.com/sigreer/zfcpgod/internal/zfcp"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded operations and change events",
	Long: `Show the operation and event journal.

By default the most recent activation operations are listed. Use --events to
list hardware change events instead, optionally filtered by --kind.`,
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		events, _ := cmd.Flags().GetBool("events")
		kind, _ := cmd.Flags().GetString("kind")
		jsonOut, _ := cmd.Flags().GetBool("json")
		prune, _ := cmd.Flags().GetDuration("prune")

		e := newEnv()
		defer e.close()
		if e.journal == nil {
			e.close()
			fatal("opening journal", fmt.Errorf("journal is disabled"))
		}

		if prune > 0 {
			n, err := e.journal.Prune(time.Now().Add(-prune))
			if err != nil {
				e.close()
				fatal("pruning journal", err)
			}
			fmt.Printf("Pruned %d journal entries older than %s\n", n, prune)
			return
		}

		if events || kind != "" {
			showEvents(e.journal, zfcp.Kind(kind), limit, jsonOut)
			return
		}
		showOperations(e.journal, limit, jsonOut)
	},
}

func showOperations(j *journal.Journal, limit int, jsonOut bool) {
	ops, err := j.RecentOperations(limit)
	if err != nil {
		fatal("reading operations", err)
	}
	if jsonOut {
		if err := printJSON(os.Stdout, ops); err != nil {
			fatal("writing output", err)
		}
		return
	}
	if len(ops) == 0 {
		fmt.Println("No operations recorded")
		return
	}
	fmt.Printf("%-16s %-20s %-34s %-12s %-10s %s\n", "WHEN", "OPERATION", "DEVICE", "RESULT", "TOOK", "REASON")
	for _, op := range ops {
		fmt.Printf("%-16s %-20s %-34s %-12s %-10s %s\n",
			humanize.Time(op.Time), op.Op, dash(op.Path.String()), op.Result,
			op.Duration.Round(time.Millisecond), op.Reason)
	}
}

func showEvents(j *journal.Journal, kind zfcp.Kind, limit int, jsonOut bool) {
	var (
		recs []*journal.EventRecord
		err  error
	)
	if kind != "" {
		recs, err = j.EventsByKind(kind, limit)
	} else {
		recs, err = j.RecentEvents(limit)
	}
	if err != nil {
		fatal("reading events", err)
	}
	if jsonOut {
		if err := printJSON(os.Stdout, recs); err != nil {
			fatal("writing output", err)
		}
		return
	}
	if len(recs) == 0 {
		fmt.Println("No events recorded")
		return
	}
	fmt.Printf("%-16s %-12s %-8s %-50s %-18s %s\n", "WHEN", "KIND", "ACTION", "DEVICE", "STATE", "NAME")
	for _, r := range recs {
		fmt.Printf("%-16s %-12s %-8s %-50s %-18s %s\n",
			humanize.Time(r.Time), r.Kind, r.Action, r.Path, dash(string(r.State)), dash(r.Device))
	}
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 20, "Number of entries to show")
	historyCmd.Flags().Bool("events", false, "Show change events instead of operations")
	historyCmd.Flags().String("kind", "", "Only show events of this kind (controller or disk)")
	historyCmd.Flags().Bool("json", false, "Output as JSON")
	historyCmd.Flags().Duration("prune", 0, "Delete journal entries older than this age and exit")
}
