package entities

import (
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Default per-operation timeouts
const (
	DefaultProbeTimeout    = 2 * time.Minute
	DefaultCreateTimeout   = 30 * time.Minute
	DefaultAnalyzeTimeout  = 30 * time.Minute
	DefaultDownloadTimeout = 15 * time.Minute
)

// EngineHandle is the probed engine executable. It is built once and never
// mutated afterwards.
type EngineHandle struct {
	Path string
	// Version is nil when the engine reported an unparsable version
	Version    *semver.Version
	RawVersion string
	Languages  LanguageSet
}

// Supports reports whether the engine can extract l.
func (h *EngineHandle) Supports(l Language) bool {
	return h != nil && h.Languages.Contains(l)
}

// VersionString returns the semantic version or the raw string.
func (h *EngineHandle) VersionString() string {
	if h.Version != nil {
		return h.Version.String()
	}
	return h.RawVersion
}

// ProcessSpec describes one subprocess invocation
type ProcessSpec struct {
	Path string
	Args []string
	Dir  string
	// Env entries are appended to the parent environment
	Env     []string
	Timeout time.Duration
}

// ProcessResult is the captured outcome of a subprocess
type ProcessResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Success reports a zero exit code.
func (r *ProcessResult) Success() bool {
	return r.ExitCode == 0
}

// CreateOptions configures database creation
type CreateOptions struct {
	// Overwrite removes the output directory before creating
	Overwrite bool
	// BuildCommand is injected as the build step for compiled languages
	BuildCommand string
	Threads      int
	// RAM is the memory limit in MB
	RAM     int
	Timeout time.Duration
}

// Validate checks the options and fills defaults.
func (o *CreateOptions) Validate() error {
	if o.Threads < 0 {
		return fmt.Errorf("threads must not be negative: %d", o.Threads)
	}
	if o.RAM < 0 {
		return fmt.Errorf("ram must not be negative: %d", o.RAM)
	}
	if o.Timeout < 0 {
		return errors.New("timeout must not be negative")
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultCreateTimeout
	}
	return nil
}

// AnalysisFormat is the result file format
type AnalysisFormat string

// Result formats
const (
	FormatSARIF AnalysisFormat = "sarif-latest"
	FormatCSV   AnalysisFormat = "csv"
)

// ParseAnalysisFormat accepts "sarif", "sarif-latest" and "csv".
func ParseAnalysisFormat(s string) (AnalysisFormat, error) {
	switch s {
	case "", "sarif", "sarif-latest", "sarifv2.1.0":
		return FormatSARIF, nil
	case "csv":
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("unsupported analysis format %q", s)
	}
}

// Extension returns the file extension for the format.
func (f AnalysisFormat) Extension() string {
	if f == FormatCSV {
		return ".csv"
	}
	return ".sarif"
}

// AnalyzeOptions configures an analysis run
type AnalyzeOptions struct {
	// Queries is a query pack, suite file, query path or suite shortcut.
	// Empty selects the language's default pack.
	Queries string
	// Output is the result file; empty derives one under the results root
	Output   string
	Format   AnalysisFormat
	Threads  int
	RAM      int
	Category string
	Timeout  time.Duration
}

// Validate checks the options and fills defaults.
func (o *AnalyzeOptions) Validate() error {
	if o.Threads < 0 {
		return fmt.Errorf("threads must not be negative: %d", o.Threads)
	}
	if o.RAM < 0 {
		return fmt.Errorf("ram must not be negative: %d", o.RAM)
	}
	if o.Timeout < 0 {
		return errors.New("timeout must not be negative")
	}
	f, err := ParseAnalysisFormat(string(o.Format))
	if err != nil {
		return err
	}
	o.Format = f
	if o.Timeout == 0 {
		o.Timeout = DefaultAnalyzeTimeout
	}
	return nil
}

// AnalysisResult points at the produced results file
type AnalysisResult struct {
	Path     string
	Format   AnalysisFormat
	Duration time.Duration
}
