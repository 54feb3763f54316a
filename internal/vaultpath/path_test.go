package vaultpath

import (
	"errors"
	"testing"
)

func TestParse_Canonical(t *testing.T) {
	cases := map[string]Path{
		"a.md":               "a.md",
		"./a.md":             "a.md",
		"notes/daily.md":     "notes/daily.md",
		".obsidian/app.json": ".obsidian/app.json",
		"with space.md":      "with space.md",
	}
	for raw, want := range cases {
		got, err := Parse(raw)
		if err != nil {
			t.Fatalf("Parse(%q): %v", raw, err)
		}
		if got != want {
			t.Fatalf("Parse(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]error{
		"":             ErrEmpty,
		".":            ErrEmpty,
		"./":           ErrEmpty,
		"a//b.md":      ErrEmpty,
		"a/./b.md":     ErrEmpty,
		"dir/":         ErrEmpty,
		"/etc/passwd":  ErrAbsolute,
		"../x.md":      ErrTraversal,
		"a/../../x.md": ErrTraversal,
		"a\\b.md":      ErrBadChar,
	}
	for raw, want := range cases {
		_, err := Parse(raw)
		if !errors.Is(err, want) {
			t.Fatalf("Parse(%q): expected %v, got %v", raw, want, err)
		}
		var invalid *InvalidError
		if !errors.As(err, &invalid) || invalid.Raw != raw {
			t.Fatalf("Parse(%q): expected InvalidError, got %T", raw, err)
		}
	}
}

func TestPath_Dir(t *testing.T) {
	if d := MustParse("a.md").Dir(); d != "" {
		t.Fatalf("expected empty dir, got %q", d)
	}
	if d := MustParse("x/y/a.md").Dir(); d != "x/y" {
		t.Fatalf("expected x/y, got %q", d)
	}
}
