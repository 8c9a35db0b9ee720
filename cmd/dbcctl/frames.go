package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"example.com/dbcgate"
	"example.com/dbcgate/internal/candump"
	"example.com/dbcgate/internal/dbc"
)

// parseHex accepts "0A1B", "0a 1b" and "0A:1B".
func parseHex(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "", "\t", "").Replace(s)
	return hex.DecodeString(s)
}

func newDecodeCmd(a *app) *cobra.Command {
	var id, data string
	cmd := &cobra.Command{
		Use:   "decode",
		Short: "Decode one frame payload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mid, err := a.messageID(id)
			if err != nil {
				return err
			}
			payload, err := parseHex(data)
			if err != nil {
				return fmt.Errorf("--data: %w", err)
			}
			out, err := dbcgate.Decode(a.db, nil, mid, payload)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "message id (decimal, 0x hex or name)")
	cmd.Flags().StringVar(&data, "data", "", "payload as hex")
	return cmd
}

// signalValues turns NAME=VALUE pairs into physical values. A value that is
// not a number is looked up in the signal's value table.
func signalValues(db *dbc.Database, m *dbc.Message, pairs []string) (map[string]float64, error) {
	values := make(map[string]float64, len(pairs))
	for _, p := range pairs {
		name, raw, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("--set %q: want NAME=VALUE", p)
		}
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			values[name] = v
			continue
		}
		sig := m.Signal(name)
		if sig == nil {
			return nil, fmt.Errorf("--set %q: message %s has no signal %s", p, m.Name, name)
		}
		r, ok := db.RawFor(m.ID, name, raw)
		if !ok {
			return nil, fmt.Errorf("--set %q: %s has no label %q", p, name, raw)
		}
		values[name] = float64(r)*sig.Scale + sig.Offset
	}
	return values, nil
}

func newEncodeCmd(a *app) *cobra.Command {
	var (
		id       string
		sets     []string
		count    int
		asDump   bool
		iface    string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Encode signal values into frame payloads",
		Long: `Encode packs the given signal values. The bound checksum is computed and,
when the counter is left out, it advances from frame to frame, so --count N
prints a valid sequence of N frames.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return errors.New("--count must be >= 1")
			}
			mid, err := a.messageID(id)
			if err != nil {
				return err
			}
			m, ok := a.db.Message(mid)
			if !ok {
				return fmt.Errorf("unknown message %d", mid)
			}
			values, err := signalValues(a.db, m, sets)
			if err != nil {
				return err
			}
			sess, err := dbcgate.NewSession(a.db, dbcgate.WithClamp(a.cfg.Codec.Clamp), dbcgate.WithSessionLogger(a.log))
			if err != nil {
				return err
			}
			w := candump.NewWriter(cmd.OutOrStdout())
			start := time.Now().UTC()
			for i := 0; i < count; i++ {
				data, err := sess.Encode(mid, values)
				if err != nil {
					return err
				}
				if !asDump {
					fmt.Fprintln(cmd.OutOrStdout(), strings.ToUpper(hex.EncodeToString(data)))
					continue
				}
				rec := candump.Record{
					Time:      start.Add(time.Duration(i) * interval),
					Interface: iface,
					ID:        mid,
					Data:      data,
				}
				if err := w.Write(rec); err != nil {
					return err
				}
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "message id (decimal, 0x hex or name)")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "signal value as NAME=VALUE or NAME=LABEL (repeatable)")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of frames to emit")
	cmd.Flags().BoolVar(&asDump, "candump", false, "emit candump -L lines instead of bare hex")
	cmd.Flags().StringVar(&iface, "iface", "can0", "interface name for --candump")
	cmd.Flags().DurationVar(&interval, "interval", 10*time.Millisecond, "frame spacing for --candump")
	return cmd
}

func newLabelCmd(a *app) *cobra.Command {
	var (
		id, signal, label string
		raw               int64
	)
	cmd := &cobra.Command{
		Use:   "label",
		Short: "Look up a value table label or its raw value",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mid, err := a.messageID(id)
			if err != nil {
				return err
			}
			if signal == "" {
				return errors.New("--signal is required")
			}
			if label != "" {
				r, ok := a.db.RawFor(mid, signal, label)
				if !ok {
					return fmt.Errorf("%s has no label %q", signal, label)
				}
				fmt.Fprintln(cmd.OutOrStdout(), r)
				return nil
			}
			if !cmd.Flags().Changed("raw") {
				return errors.New("one of --raw or --label is required")
			}
			l, ok := dbcgate.LabelFor(a.db, mid, signal, raw)
			if !ok {
				return fmt.Errorf("%s has no label for %d", signal, raw)
			}
			fmt.Fprintln(cmd.OutOrStdout(), l)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "message id (decimal, 0x hex or name)")
	cmd.Flags().StringVar(&signal, "signal", "", "signal name")
	cmd.Flags().Int64Var(&raw, "raw", 0, "raw value to label")
	cmd.Flags().StringVar(&label, "label", "", "label to resolve to its raw value")
	return cmd
}
