package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"example.com/dbcgate/internal/common"
	"example.com/dbcgate/internal/config"
	"example.com/dbcgate/internal/dbc"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds what every subcommand needs once the configuration has loaded.
type app struct {
	configPath string
	logLevel   string

	cfg      config.Config
	log      *zap.Logger
	closeLog func() error
	db       *dbc.Database
}

func (a *app) load() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logs.Level = a.logLevel
	}
	cfg.Logs.StderrOnly = true
	log, closeLog, err := common.NewLogger("dbcctl", cfg.Logs)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	db, err := cfg.LoadDatabase(log)
	if err != nil {
		_ = closeLog()
		return err
	}
	a.cfg, a.log, a.closeLog, a.db = cfg, log, closeLog, db
	return nil
}

func (a *app) close() error {
	if a.closeLog == nil {
		return nil
	}
	return a.closeLog()
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "dbcctl",
		Short:        "Compile, lint and exercise CAN databases built from DBC fragments",
		Version:      fmt.Sprintf("%s (%s)", version, buildDate),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "vehicle.yaml", "vehicle configuration file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "warn", "override logs.level (debug, info, warn, error, none)")

	root.AddCommand(
		newCompileCmd(a),
		newDecodeCmd(a),
		newEncodeCmd(a),
		newLabelCmd(a),
		newLintCmd(a),
		newReportCmd(a),
		newManifestCmd(a),
		newReplayCmd(a),
		newVerifyCmd(),
	)
	return root
}

// messageID resolves a decimal id, a 0x-prefixed hex id or a message name.
func (a *app) messageID(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("--id is required")
	}
	if v, err := strconv.ParseUint(s, 0, 32); err == nil {
		return uint32(v), nil
	}
	if m, ok := a.db.MessageByName(s); ok {
		return m.ID, nil
	}
	return 0, fmt.Errorf("unknown message %q", s)
}
