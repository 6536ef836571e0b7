// Package config holds the settings shared by the devtap commands: where
// the browser's debugging endpoint is, the optional .devtaprc file and the
// diagnostics logger.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Defaults for the debugging endpoint.
const (
	DefaultHost = "localhost"
	DefaultPort = 9222
)

// Environment variables consulted when a flag is not given.
const (
	EnvHost = "DEVTAP_HOST"
	EnvPort = "DEVTAP_PORT"
)

// RCName is the config file looked up in the working directory, then the
// home directory.
const RCName = ".devtaprc"

// File is the JSON structure of a .devtaprc file. Absent fields leave the
// command's value alone.
type File struct {
	Host     *string `json:"host,omitempty"`
	Port     *int    `json:"port,omitempty"`
	Timeout  *string `json:"timeout,omitempty"` // duration string, e.g. "5s"
	Log      *string `json:"log,omitempty"`
	Follow   *bool   `json:"follow,omitempty"`
	Scenario *string `json:"scenario,omitempty"`
}

// LoadFile returns the first .devtaprc found, or nil when there is none.
// A malformed file is an error, unlike a missing one.
func LoadFile(dirs ...string) (*File, string, error) {
	if len(dirs) == 0 {
		dirs = []string{"."}
		if home, err := os.UserHomeDir(); err == nil {
			dirs = append(dirs, home)
		}
	}

	for _, dir := range dirs {
		p := filepath.Join(dir, RCName)
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var f File
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, p, fmt.Errorf("parsing %s: %w", p, err)
		}
		return &f, p, nil
	}
	return nil, "", nil
}

// TimeoutValue parses Timeout, reporting false when unset or invalid.
func (f *File) TimeoutValue() (time.Duration, bool) {
	if f == nil || f.Timeout == nil {
		return 0, false
	}
	d, err := time.ParseDuration(*f.Timeout)
	if err != nil {
		return 0, false
	}
	return d, true
}

// Endpoint is the host and port of the debugging endpoint.
type Endpoint struct {
	Host string
	Port int
}

// ApplyFile copies host and port from f.
func (e *Endpoint) ApplyFile(f *File) {
	if f == nil {
		return
	}
	if f.Host != nil {
		e.Host = *f.Host
	}
	if f.Port != nil {
		e.Port = *f.Port
	}
}

// ApplyEnv copies DEVTAP_HOST and DEVTAP_PORT, except for fields set
// explicitly on the command line.
func (e *Endpoint) ApplyEnv(explicit map[string]bool) {
	if !explicit["host"] {
		if v := os.Getenv(EnvHost); v != "" {
			e.Host = v
		}
	}
	if !explicit["port"] {
		if v := os.Getenv(EnvPort); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				e.Port = i
			}
		}
	}
}

// NewLogger builds the human-readable diagnostics logger the commands
// write to stderr. Only warnings and errors are shown unless verbose.
func NewLogger(w io.Writer, verbose bool) *zap.Logger {
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), level)
	return zap.New(core)
}
