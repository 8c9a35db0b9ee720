package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"example.com/dbcgate"
	"example.com/dbcgate/internal/candump"
	"example.com/dbcgate/internal/common"
)

type replayLine struct {
	Time    time.Time          `json:"ts"`
	ID      uint32             `json:"id"`
	Name    string             `json:"name,omitempty"`
	Verdict string             `json:"verdict,omitempty"`
	Values  map[string]float64 `json:"values,omitempty"`
	Labels  map[string]string  `json:"labels,omitempty"`
	Error   string             `json:"error,omitempty"`
}

func newReplayCmd(a *app) *cobra.Command {
	var (
		in       string
		out      string
		speed    float64
		progress bool
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Decode and check every frame of a candump -L log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if in == "" {
				return errors.New("--in is required")
			}
			f, err := os.Open(in)
			if err != nil {
				return err
			}
			recs, err := candump.NewReader(f).ReadAll()
			f.Close()
			if err != nil {
				return fmt.Errorf("%s: %w", in, err)
			}

			var sink io.Writer = io.Discard
			if out != "" {
				of, cerr := os.Create(out)
				if cerr != nil {
					return cerr
				}
				defer func() { err = multierr.Append(err, of.Close()) }()
				sink = of
			}
			enc := json.NewEncoder(sink)

			metrics := common.NewMetrics()
			sess, err := dbcgate.NewSession(a.db,
				dbcgate.WithSessionLogger(a.log),
				dbcgate.WithObserver(metrics))
			if err != nil {
				return err
			}
			metrics.Start()
			stop := func() {}
			if progress {
				stop = common.StartProgressPrinter(cmd.ErrOrStderr(), metrics, time.Second)
			}
			err = candump.Play(recs, speed, nil, func(rec candump.Record) error {
				line := replayLine{Time: rec.Time, ID: rec.ID}
				d, derr := sess.Decode(rec.ID, rec.Data)
				if derr != nil {
					line.Error = derr.Error()
					a.log.Debug("frame rejected", zap.Uint32("id", rec.ID), zap.Error(derr))
				} else {
					line.Name, line.Verdict = d.Name, d.Verdict.String()
					line.Values, line.Labels = d.Values, d.Labels
				}
				return enc.Encode(line)
			})
			metrics.Stop()
			stop()
			if err != nil {
				return err
			}

			snap := metrics.Snapshot()
			a.log.Info("replay finished",
				zap.String("session", sess.ID()),
				zap.Int64("frames", snap.Frames),
				zap.Int64("errors", snap.Errors))
			fmt.Fprintf(cmd.OutOrStdout(), "frames=%d errors=%d %s\n", snap.Frames, snap.Errors, snap.VerdictSummary())
			return nil
		},
	}
	cmd.Flags().StringVarP(&in, "in", "i", "", "candump -L log to replay")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write one NDJSON line per frame here")
	cmd.Flags().Float64Var(&speed, "speed", 0, "replay speed relative to the log timing (0 = as fast as possible)")
	cmd.Flags().BoolVar(&progress, "progress", false, "print a live progress line on stderr")
	return cmd
}
