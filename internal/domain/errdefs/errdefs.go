// Package errdefs defines the error taxonomy shared by the database lifecycle
// services.
//
// Every operational failure is an *Error carrying a Kind plus whatever context
// is needed to diagnose it without re-running (attempted path, HTTP status,
// stderr excerpt). Callers match kinds with the sentinel values:
//
//	if errors.Is(err, errdefs.ErrTimeout) { ... }
//
// Failures of the lifecycle manager are aggregated into *UnavailableError,
// which lists every attempted strategy and unwraps to each of their errors.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error.
type Kind int

// Error kinds.
const (
	KindUnknown Kind = iota
	KindSpawn
	KindTimeout
	KindProtocol
	KindUnsupportedLanguage
	KindCreation
	KindAnalysis
	KindInvalidDatabase
	KindNotFound
	KindNetwork
	KindIntegrity
	KindUnavailable
	KindParse
)

var kindNames = map[Kind]string{
	KindUnknown:             "Error",
	KindSpawn:               "SpawnError",
	KindTimeout:             "TimeoutError",
	KindProtocol:            "ProtocolError",
	KindUnsupportedLanguage: "UnsupportedLanguageError",
	KindCreation:            "CreationError",
	KindAnalysis:            "AnalysisError",
	KindInvalidDatabase:     "InvalidDatabaseError",
	KindNotFound:            "NotFoundError",
	KindNetwork:             "NetworkError",
	KindIntegrity:           "IntegrityError",
	KindUnavailable:         "UnavailableError",
	KindParse:               "ParseError",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// kindError is the sentinel type matched by errors.Is.
type kindError struct{ kind Kind }

func (e *kindError) Error() string { return e.kind.String() }

// Sentinels for errors.Is.
var (
	ErrSpawn               error = &kindError{KindSpawn}
	ErrTimeout             error = &kindError{KindTimeout}
	ErrProtocol            error = &kindError{KindProtocol}
	ErrUnsupportedLanguage error = &kindError{KindUnsupportedLanguage}
	ErrCreation            error = &kindError{KindCreation}
	ErrAnalysis            error = &kindError{KindAnalysis}
	ErrInvalidDatabase     error = &kindError{KindInvalidDatabase}
	ErrNotFound            error = &kindError{KindNotFound}
	ErrNetwork             error = &kindError{KindNetwork}
	ErrIntegrity           error = &kindError{KindIntegrity}
	ErrUnavailable         error = &kindError{KindUnavailable}
	ErrParse               error = &kindError{KindParse}
)

// maxStderrExcerpt bounds the stderr carried in errors.
const maxStderrExcerpt = 2048

// Error is a classified failure.
type Error struct {
	Kind Kind
	// Op is the operation that failed, e.g. "database create".
	Op string
	// Path is the filesystem path or URL involved, if any.
	Path string
	// Status is the HTTP status code, if any.
	Status int
	// ExitCode is the subprocess exit code, if any.
	ExitCode int
	// Stderr is a bounded excerpt of the subprocess stderr.
	Stderr string
	// Err is the underlying cause.
	Err error
}

// New creates an error of kind k for op.
func New(k Kind, op string, err error) *Error {
	return &Error{Kind: k, Op: op, Err: err}
}

// Newf creates an error of kind k for op with a formatted cause.
func Newf(k Kind, op, format string, args ...any) *Error {
	return &Error{Kind: k, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithPath sets Path and returns e.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithStatus sets Status and returns e.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// WithStderr stores the tail of stderr and returns e.
func (e *Error) WithStderr(stderr string) *Error {
	e.Stderr = Excerpt(stderr)
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " (%s)", e.Path)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " [HTTP %d]", e.Status)
	}
	if e.ExitCode != 0 {
		fmt.Fprintf(&b, " [exit %d]", e.ExitCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Stderr != "" {
		b.WriteString("\nstderr: ")
		b.WriteString(e.Stderr)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the same kind.
func (e *Error) Is(target error) bool {
	var k *kindError
	if errors.As(target, &k) {
		return k.kind == e.Kind
	}
	return false
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var ue *UnavailableError
	if errors.As(err, &ue) {
		return KindUnavailable
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Excerpt returns at most the last 2 KiB of s, trimmed.
func Excerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxStderrExcerpt {
		return s
	}
	return "..." + s[len(s)-maxStderrExcerpt:]
}
