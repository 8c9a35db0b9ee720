// Package config loads the YAML vehicle configuration used by dbcctl and dbcd.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"example.com/dbcgate/internal/checksum"
	"example.com/dbcgate/internal/common"
	"example.com/dbcgate/internal/dbc"
	"example.com/dbcgate/internal/merge"
)

type Config struct {
	Database  DatabaseConfig   `yaml:"database"`
	Integrity IntegrityConfig  `yaml:"integrity"`
	Codec     CodecConfig      `yaml:"codec"`
	Logs      common.LogConfig `yaml:"logs"`
	Server    ServerConfig     `yaml:"server"`
}

type DatabaseConfig struct {
	// Root names the top level fragment; it is searched for in Dirs.
	Root string   `yaml:"root" validate:"required"`
	Dirs []string `yaml:"dirs" validate:"dive,required"`
}

type IntegrityConfig struct {
	DefaultScheme  string             `yaml:"defaultScheme"`
	ChecksumSignal string             `yaml:"checksumSignal"`
	CounterSignal  string             `yaml:"counterSignal"`
	Messages       []MessageIntegrity `yaml:"messages" validate:"dive"`
}

// MessageIntegrity binds the fields of one message. An entry naming neither
// field uses the default field names; an empty scheme uses the default scheme.
type MessageIntegrity struct {
	ID       uint32 `yaml:"id" validate:"lte=536870911"`
	Scheme   string `yaml:"scheme"`
	Checksum string `yaml:"checksum"`
	Counter  string `yaml:"counter"`
}

type CodecConfig struct {
	Clamp bool `yaml:"clamp"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"readTimeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"writeTimeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" validate:"gte=0"`
	MaxSessions     int           `yaml:"maxSessions" validate:"gte=0"`
	MaxBodyBytes    int64         `yaml:"maxBodyBytes" validate:"gte=0"`
	Metrics         *bool         `yaml:"metrics"`
}

// MetricsEnabled reports whether /metrics is served. It defaults to true.
func (s ServerConfig) MetricsEnabled() bool {
	return s.Metrics == nil || *s.Metrics
}

// Load reads the configuration at path, applies defaults and validates it.
// Relative directories resolve against the directory of path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := Parse(b)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	cfg.resolve(filepath.Dir(path))
	return cfg, nil
}

// Parse decodes and validates a configuration document. Relative directories
// are left as written.
func Parse(b []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if len(c.Database.Dirs) == 0 {
		c.Database.Dirs = []string{"."}
	}
	if c.Integrity.ChecksumSignal == "" {
		c.Integrity.ChecksumSignal = "CHECKSUM"
	}
	if c.Integrity.CounterSignal == "" {
		c.Integrity.CounterSignal = "COUNTER"
	}
	if c.Logs.Level == "" {
		c.Logs.Level = "info"
	}
	if c.Logs.MaxSizeMB <= 0 {
		c.Logs.MaxSizeMB = 25
	}
	if c.Logs.MaxAgeDays <= 0 {
		c.Logs.MaxAgeDays = 7
	}
	if c.Logs.MaxBackups <= 0 {
		c.Logs.MaxBackups = 5
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.MaxSessions == 0 {
		c.Server.MaxSessions = 1024
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 8 << 20
	}
}

func (c *Config) resolve(baseDir string) {
	resolvePath := func(p string) string {
		p = strings.TrimSpace(p)
		if p == "" || filepath.IsAbs(p) {
			return filepath.Clean(p)
		}
		return filepath.Clean(filepath.Join(baseDir, p))
	}
	for i, d := range c.Database.Dirs {
		c.Database.Dirs[i] = resolvePath(d)
	}
	if c.Logs.Directory != "" {
		c.Logs.Directory = resolvePath(c.Logs.Directory)
	}
}

// Validate checks struct constraints and the integrity table. Every violation
// is reported.
func (c Config) Validate() error {
	var err error
	v := validator.New(validator.WithRequiredStructEnabled())
	if verr := v.Struct(c); verr != nil {
		var fields validator.ValidationErrors
		if !errors.As(verr, &fields) {
			return verr
		}
		for _, fe := range fields {
			err = multierr.Append(err, fmt.Errorf("%s: failed %q constraint", fe.Namespace(), fe.Tag()))
		}
	}

	if c.Integrity.DefaultScheme != "" {
		if _, serr := checksum.Lookup(c.Integrity.DefaultScheme); serr != nil {
			err = multierr.Append(err, fmt.Errorf("integrity.defaultScheme: %w", serr))
		}
	}
	seen := make(map[uint32]bool)
	for i, m := range c.Integrity.Messages {
		if seen[m.ID] {
			err = multierr.Append(err, fmt.Errorf("integrity.messages[%d]: duplicate id %d", i, m.ID))
		}
		seen[m.ID] = true
		if m.Scheme != "" {
			if _, serr := checksum.Lookup(m.Scheme); serr != nil {
				err = multierr.Append(err, fmt.Errorf("integrity.messages[%d]: %w", i, serr))
			}
		} else if c.Integrity.DefaultScheme == "" && m.Checksum != "" {
			err = multierr.Append(err, fmt.Errorf("integrity.messages[%d]: checksum %s has no scheme", i, m.Checksum))
		}
	}
	return err
}

// IntegrityRules converts the integrity section into resolver rules. Explicit
// messages come first; a default scheme adds a rule for every other message
// carrying the default field names.
func (c Config) IntegrityRules() []dbc.IntegrityRule {
	in := c.Integrity
	var rules []dbc.IntegrityRule
	for _, m := range in.Messages {
		r := dbc.IntegrityRule{
			MessageID: m.ID,
			Scheme:    m.Scheme,
			Checksum:  m.Checksum,
			Counter:   m.Counter,
		}
		if r.Scheme == "" {
			r.Scheme = in.DefaultScheme
		}
		if r.Checksum == "" && r.Counter == "" {
			r.Checksum, r.Counter = in.ChecksumSignal, in.CounterSignal
		}
		if r.Checksum == "" {
			r.Scheme = ""
		}
		rules = append(rules, r)
	}
	if in.DefaultScheme != "" {
		rules = append(rules, dbc.IntegrityRule{
			Any:      true,
			Scheme:   in.DefaultScheme,
			Checksum: in.ChecksumSignal,
			Counter:  in.CounterSignal,
		})
	}
	return rules
}

// LoadDatabase compiles the configured root fragment with the configured
// integrity table.
func (c Config) LoadDatabase(log *zap.Logger) (*dbc.Database, error) {
	return merge.Load(c.Database.Root, c.Source(),
		merge.WithLogger(log),
		merge.WithIntegrity(c.IntegrityRules()))
}

// Source searches the configured fragment directories.
func (c Config) Source() merge.DirSource {
	return merge.DirSource(c.Database.Dirs)
}
