package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/esta-kernel/pkg/replay"
)

func newReplayCmd(g *globals) *cobra.Command {
	var (
		runs int
		out  string
	)
	cmd := &cobra.Command{
		Use:   "replay SCRIPT",
		Short: "Run a scripted session and check it replays byte for byte",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			logger := g.logger(cfg)
			script, err := replay.LoadScript(args[0])
			if err != nil {
				return err
			}
			tr, err := replay.NewRunner().WithLogger(logger).Verify(cmd.Context(), script, runs)
			if err != nil {
				return err
			}

			w := g.stdout
			if out != "" {
				f, err := os.Create(out) //nolint:gosec // operator-chosen path
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				w = f
			}
			if err := tr.WriteJSONL(w); err != nil {
				return err
			}
			logger.Info("replay verified", "runs", runs, "events", len(tr.Events), "audit", len(tr.Audit))
			if out != "" {
				_, err = fmt.Fprintf(g.stderr, "transcript written to %s\n", out)
			}
			return err
		},
	}
	cmd.Flags().IntVarP(&runs, "runs", "n", 2, "number of runs that must agree")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the transcript here instead of stdout")
	return cmd
}
