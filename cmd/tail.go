package cmd

import (
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scalpel-puppet/internal/recorder"
)

func newTailCmd(a *app) *cobra.Command {
	var (
		follow    bool
		fromStart bool
		eventTags []string
		session   string
		raw       bool
	)
	tailCmd := &cobra.Command{
		Use:   "tail [file]",
		Short: "Prints the records of a JSONL recording",
		Long: `Prints the records of a JSONL recording, by default the configured
recorder.path. With --follow it keeps printing records as they are appended.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.Recorder().Path
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" || path == "-" {
				return fmt.Errorf("no recording file given")
			}
			out := cmd.OutOrStdout()
			return recorder.Follow(cmd.Context(), path, recorder.FollowOptions{
				FromStart: fromStart,
				Follow:    follow,
				Events:    eventTags,
				Logger:    a.logger,
			}, func(rec recorder.Record) {
				if session != "" && rec.SessionID != session {
					return
				}
				printRecord(out, rec, raw)
			})
		},
	}

	flags := tailCmd.Flags()
	flags.BoolVarP(&follow, "follow", "f", false, "keep printing appended records")
	flags.BoolVar(&fromStart, "from-start", true, "print the records already in the file")
	flags.StringSliceVarP(&eventTags, "event", "e", nil, "only print these event names")
	flags.StringVar(&session, "session", "", "only print records of this session")
	flags.BoolVar(&raw, "raw", false, "print each record as a JSON line")
	return tailCmd
}

func printRecord(w io.Writer, rec recorder.Record, raw bool) {
	if raw {
		line, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(rec)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "%s\n", line)
		return
	}
	tab := rec.TabID
	if tab == "" {
		tab = "-"
	}
	fmt.Fprintf(w, "%s %-18s session=%s tab=%s %s\n",
		rec.Timestamp.Format("15:04:05.000"), rec.Event, rec.SessionID, tab, rec.Payload)
}
