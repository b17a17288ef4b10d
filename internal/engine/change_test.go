package engine

import (
	"strings"
	"testing"
)

func TestChangeInfoSerializeRoundTrip(t *testing.T) {
	tests := []ChangeInfo{
		{Source: TagCloud, Type: Created, NewPath: "docs/a.txt", NewChecksum: "d41d8cd98f00b204e9800998ecf8427e"},
		{Source: TagLocal, Type: Modified, NewPath: "b.bin", NewChecksum: "abc123"},
		{Source: TagCloud, Type: Renamed, NewPath: "docs/y.txt", OldPath: "docs/x.txt", NewChecksum: "ff"},
		{Source: TagLocal, Type: Moved, NewPath: "b/p.bin", OldPath: "a/p.bin", NewChecksum: "ee"},
		{Source: TagCloud, Type: Removed, NewPath: "gone.txt", NewChecksum: "-"},
		{Source: TagCloud, Type: Created, NewPath: "dir with spaces/file name.txt", NewChecksum: "-", IsFolder: false},
		{Source: TagLocal, Type: Created, NewPath: "photos", NewChecksum: "-", IsFolder: true},
		{Source: TagCloud, Type: MovedAndModified, NewPath: "n.txt", OldPath: "o.txt", NewChecksum: "11", OldChecksum: "22"},
	}

	for _, want := range tests {
		line := want.Serialize()
		got, err := ParseChangeInfo(line)
		if err != nil {
			t.Fatalf("ParseChangeInfo(%q): %v", line, err)
		}
		// OldChecksum is not part of the wire format.
		want.OldChecksum = ""
		if got != want {
			t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, want)
		}
	}
}

func TestParseChangeInfoRejects(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"unknown tag", `dropbox Created ab false "x.txt"`},
		{"unknown kind", `google_drive Exploded ab false "x.txt"`},
		{"bad folder flag", `google_drive Created ab maybe "x.txt"`},
		{"missing path", `google_drive Created ab false`},
		{"unquoted path", `google_drive Created ab false x.txt`},
		{"unterminated quote", `google_drive Created ab false "x.txt`},
		{"move without old path", `google_drive Moved ab false "x.txt"`},
		{"escaping new path", `google_drive Created ab false "../escape.txt"`},
		{"escaping old path", `google_drive Moved ab false "ok.txt" "../old.txt"`},
		{"empty", ``},
	}

	for _, tt := range tests {
		if _, err := ParseChangeInfo(tt.line); err == nil {
			t.Errorf("%s: ParseChangeInfo(%q) succeeded, want error", tt.name, tt.line)
		}
	}
}

func TestChangeInfoEquality(t *testing.T) {
	a := ChangeInfo{Source: TagCloud, Type: Created, NewPath: "x.txt", NewChecksum: "ab"}
	b := ChangeInfo{Source: TagLocal, Type: Created, NewPath: "x.txt", NewChecksum: "ab"}
	c := ChangeInfo{Source: TagCloud, Type: Created, NewPath: "x.txt", NewChecksum: "ab", OldPath: "ignored"}

	// Reflexive.
	if !a.Equal(a) {
		t.Error("Equal not reflexive")
	}
	// Independent of source: the same logical event from either side.
	if !a.Equal(b) || !b.Equal(a) {
		t.Error("Equal depends on source")
	}
	// Transitive across the three.
	if !a.Equal(c) || !b.Equal(c) {
		t.Error("Equal not transitive over source/old-path variants")
	}

	different := []ChangeInfo{
		{Source: TagCloud, Type: Modified, NewPath: "x.txt", NewChecksum: "ab"},
		{Source: TagCloud, Type: Created, NewPath: "y.txt", NewChecksum: "ab"},
		{Source: TagCloud, Type: Created, NewPath: "x.txt", NewChecksum: "cd"},
		{Source: TagCloud, Type: Created, NewPath: "x.txt", NewChecksum: "ab", IsFolder: true},
	}
	for _, d := range different {
		if a.Equal(d) {
			t.Errorf("Equal(%+v) = true, want false", d)
		}
	}
}

func TestSerializeQuotesPaths(t *testing.T) {
	c := ChangeInfo{Source: TagCloud, Type: Moved, NewPath: "b dir/p.bin", OldPath: "a dir/p.bin", NewChecksum: "ee"}
	line := c.Serialize()
	if !strings.Contains(line, `"b dir/p.bin" "a dir/p.bin"`) {
		t.Errorf("Serialize() = %q, want both paths quoted", line)
	}
}
