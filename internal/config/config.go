// Package config loads the sysreplay configuration file.
package config

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/stealthrocket/sysreplay/internal/log"
	"github.com/stealthrocket/sysreplay/internal/print/human"
	"github.com/stealthrocket/sysreplay/internal/record"
	"github.com/stealthrocket/sysreplay/internal/scheduler"
	"github.com/stealthrocket/sysreplay/internal/trace"
)

const (
	defaultConfigPath = "~/.sysreplay/config.yaml"
	// EnvVar names the environment variable overriding the default location
	// of the configuration file.
	EnvVar = "SYSREPLAYCONFIG"
)

// Path is the path to the configuration file. When empty, the value of
// $SYSREPLAYCONFIG is used, or the default location.
var Path human.Path

// Location returns the resolved path of the configuration file.
func Location() (string, error) {
	path := Path
	if path == "" {
		path = human.Path(os.Getenv(EnvVar))
	}
	if path == "" {
		path = defaultConfigPath
	}
	return path.Resolve()
}

// Load opens and reads the configuration file. A missing file yields the
// default configuration.
func Load() (*Config, error) {
	r, _, err := Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return Read(r)
}

// Open opens the configuration file. When the file does not exist, the
// returned reader produces the default configuration.
func Open() (io.ReadCloser, string, error) {
	path, err := Location()
	if err != nil {
		return nil, path, err
	}
	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, path, err
		}
		b, _ := yaml.Marshal(Default())
		return io.NopCloser(bytes.NewReader(b)), path, nil
	}
	return f, path, nil
}

// Read reads and parses configuration. Unknown fields are rejected.
func Read(r io.Reader) (*Config, error) {
	c := Default()
	d := yaml.NewDecoder(r)
	d.KnownFields(true)
	if err := d.Decode(c); err != nil {
		if errors.Is(err, io.EOF) {
			return c, nil
		}
		return nil, err
	}
	return c, nil
}

// Default is the default configuration.
func Default() *Config {
	c := new(Config)
	c.Replay.BatchSize = scheduler.DefaultBatchSize
	c.Replay.MaxPending = scheduler.DefaultMaxPending
	c.Replay.ValidateEvery = 10000
	c.Replay.Ordering = scheduler.Overlap
	c.Replay.Pattern = record.Zero
	c.Replay.Mismatch = scheduler.Count
	c.Log.Level = log.InfoLevel
	c.Convert.Compression = trace.Zstd
	c.Convert.BatchRows = trace.DefaultBatchRows
	return c
}

// Config is the sysreplay configuration.
type Config struct {
	Replay struct {
		BatchSize     int                      `json:"batch_size"     yaml:"batch_size"`
		MaxPending    int                      `json:"max_pending"    yaml:"max_pending"`
		ValidateEvery int                      `json:"validate_every" yaml:"validate_every"`
		Ordering      scheduler.OrderingPolicy `json:"ordering"       yaml:"ordering"`
		Pattern       record.Pattern           `json:"pattern"        yaml:"pattern"`
		Mismatch      scheduler.MismatchPolicy `json:"mismatch"       yaml:"mismatch"`
	} `json:"replay" yaml:"replay"`
	Log struct {
		Level log.Level            `json:"level" yaml:"level"`
		File  Nullable[human.Path] `json:"file"  yaml:"file"`
	} `json:"log" yaml:"log"`
	Convert struct {
		Compression trace.Compression `json:"compression" yaml:"compression"`
		BatchRows   int               `json:"batch_rows"  yaml:"batch_rows"`
	} `json:"convert" yaml:"convert"`
}
