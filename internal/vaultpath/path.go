// Package vaultpath defines the canonical, validated form of a file path
// inside a vault.
package vaultpath

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// Path is a vault-relative, forward-slash separated file path without a
// leading "./". The zero value is not a valid path.
type Path string

// Aggregate is the sentinel key under which the whole-vault checksum is
// persisted. It is never a valid file path.
const Aggregate = "."

var (
	ErrEmpty     = errors.New("empty path")
	ErrAbsolute  = errors.New("absolute path")
	ErrTraversal = errors.New("path escapes vault")
	ErrBadChar   = errors.New("disallowed character in path")
)

// InvalidError reports why a raw path was rejected.
type InvalidError struct {
	Raw string
	Err error
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid vault path %q: %v", e.Raw, e.Err)
}

func (e *InvalidError) Unwrap() error { return e.Err }

// Parse validates raw and returns its canonical form.
func Parse(raw string) (Path, error) {
	if strings.ContainsAny(raw, "\\\x00") {
		return "", &InvalidError{Raw: raw, Err: ErrBadChar}
	}
	p := strings.TrimPrefix(raw, "./")
	if p == "" || p == "." {
		return "", &InvalidError{Raw: raw, Err: ErrEmpty}
	}
	if strings.HasPrefix(p, "/") {
		return "", &InvalidError{Raw: raw, Err: ErrAbsolute}
	}
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "..":
			return "", &InvalidError{Raw: raw, Err: ErrTraversal}
		case "", ".":
			return "", &InvalidError{Raw: raw, Err: ErrEmpty}
		}
	}
	return Path(path.Clean(p)), nil
}

// MustParse is Parse for constants and tests.
func MustParse(raw string) Path {
	p, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Path) String() string { return string(p) }

// Dir returns the parent directory of p, or "" for top-level files.
func (p Path) Dir() string {
	d := path.Dir(string(p))
	if d == "." {
		return ""
	}
	return d
}
