// Package entities defines core domain models and data structures.
package entities

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ochairo/qldb/internal/domain/errdefs"
)

var (
	repoRefPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+(/[A-Za-z0-9_./-]+)?(@[A-Za-z0-9_./-]+)?$`)
	commitPattern  = regexp.MustCompile(`^[0-9a-fA-F]{40}$`)
)

// RepositoryRef addresses a hosted repository, optionally pinned to a branch
// or commit. The zero value is not a valid reference; use ParseRepositoryRef
// or NewRepositoryRef.
type RepositoryRef struct {
	owner  string
	name   string
	path   string
	branch string
	commit string
}

// NewRepositoryRef builds a reference from its parts. ref may be empty, a
// branch name, or a 40 character commit SHA.
func NewRepositoryRef(owner, name, ref string) (RepositoryRef, error) {
	s := owner + "/" + name
	if ref != "" {
		s += "@" + ref
	}
	return ParseRepositoryRef(s)
}

// ParseRepositoryRef parses "owner/name[/path][@ref]".
func ParseRepositoryRef(s string) (RepositoryRef, error) {
	s = strings.TrimSpace(s)
	if !repoRefPattern.MatchString(s) {
		return RepositoryRef{}, errdefs.New(errdefs.KindParse, "parse repository", fmt.Errorf("malformed repository reference %q", s))
	}

	var r RepositoryRef
	rest := s
	if repo, ref, ok := strings.Cut(s, "@"); ok {
		rest = repo
		if commitPattern.MatchString(ref) {
			r.commit = strings.ToLower(ref)
		} else {
			r.branch = ref
		}
	}

	parts := strings.SplitN(rest, "/", 3)
	r.owner = parts[0]
	r.name = parts[1]
	if len(parts) == 3 {
		r.path = strings.Trim(parts[2], "/")
	}

	if r.owner == "." || r.owner == ".." || r.name == "." || r.name == ".." {
		return RepositoryRef{}, errdefs.New(errdefs.KindParse, "parse repository", fmt.Errorf("invalid owner or name in %q", s))
	}

	return r, nil
}

// MustParseRepositoryRef is like ParseRepositoryRef but panics on error.
func MustParseRepositoryRef(s string) RepositoryRef {
	r, err := ParseRepositoryRef(s)
	if err != nil {
		panic(err)
	}
	return r
}

// Owner returns the organization or user that owns the repository
func (r RepositoryRef) Owner() string { return r.owner }

// Name returns the repository name
func (r RepositoryRef) Name() string { return r.name }

// Path returns the sub-path inside the repository, if any
func (r RepositoryRef) Path() string { return r.path }

// Branch returns the branch, if any
func (r RepositoryRef) Branch() string { return r.branch }

// Commit returns the lower-case commit SHA, if any
func (r RepositoryRef) Commit() string { return r.commit }

// IsZero reports whether r is the zero value.
func (r RepositoryRef) IsZero() bool { return r.owner == "" && r.name == "" }

// FullName returns "owner/name".
func (r RepositoryRef) FullName() string { return r.owner + "/" + r.name }

// Reference returns the fully qualified git reference for the branch.
func (r RepositoryRef) Reference() string {
	if r.branch == "" {
		return ""
	}
	return "refs/heads/" + r.branch
}

// WithCommit returns a copy of r pinned to sha.
func (r RepositoryRef) WithCommit(sha string) RepositoryRef {
	r.commit = strings.ToLower(sha)
	return r
}

// String returns the canonical "owner/name[/path][@ref]" form.
func (r RepositoryRef) String() string {
	var b strings.Builder
	b.WriteString(r.owner)
	b.WriteByte('/')
	b.WriteString(r.name)
	if r.path != "" {
		b.WriteByte('/')
		b.WriteString(r.path)
	}
	switch {
	case r.commit != "":
		b.WriteByte('@')
		b.WriteString(r.commit)
	case r.branch != "":
		b.WriteByte('@')
		b.WriteString(r.branch)
	}
	return b.String()
}

// MarshalText implements encoding.TextMarshaler.
func (r RepositoryRef) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RepositoryRef) UnmarshalText(text []byte) error {
	parsed, err := ParseRepositoryRef(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
