// Package engine implements the synchronization core: the manifest shadow
// model, the canonical change record, the single-writer change processor, and
// the startup reconciliation pass.
package engine

import (
	"fmt"
	"strings"

	"github.com/driveberry/driveberry/pkg/pathutil"
)

// Repository tags. The tag is the stable identity of a repository as written
// into serialized changes and manifest filenames.
const (
	TagCloud = "google_drive"
	TagLocal = "local_drive"
)

// ChangeType classifies a canonical change.
type ChangeType int

const (
	Created ChangeType = iota
	Modified
	Moved
	Renamed
	Removed
	MovedAndModified
)

var changeTypeNames = [...]string{
	Created:          "Created",
	Modified:         "Modified",
	Moved:            "Moved",
	Renamed:          "Renamed",
	Removed:          "Removed",
	MovedAndModified: "MovedAndModified",
}

// String returns the ChangeType name used in the serialized form.
func (t ChangeType) String() string {
	if int(t) < 0 || int(t) >= len(changeTypeNames) {
		return fmt.Sprintf("ChangeType(%d)", int(t))
	}
	return changeTypeNames[t]
}

// ParseChangeType parses a ChangeType name. The match is exact.
func ParseChangeType(s string) (ChangeType, error) {
	for i, name := range changeTypeNames {
		if s == name {
			return ChangeType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown change type %q", s)
}

// ChangeInfo is the canonical, source-agnostic record of one observed
// mutation. Values are immutable once constructed.
type ChangeInfo struct {
	// Source is the tag of the repository the change originated from.
	Source string
	Type   ChangeType
	// NewPath is the repository-relative path after the change.
	NewPath string
	// OldPath is set for Moved, Renamed and MovedAndModified.
	OldPath  string
	IsFolder bool
	// NewChecksum is the content checksum after the change ("-" when unknown).
	NewChecksum string
	// OldChecksum is the checksum before the change, when known.
	OldChecksum string
}

// Equal reports whether two changes describe the same logical event. Source
// is deliberately excluded so the same event observed from either side
// compares equal and can be deduplicated.
func (c ChangeInfo) Equal(o ChangeInfo) bool {
	return c.Type == o.Type &&
		c.NewPath == o.NewPath &&
		c.NewChecksum == o.NewChecksum &&
		c.IsFolder == o.IsFolder
}

// Serialize renders the change as one line of the queue file format:
//
//	<repo tag> <kind name> <checksum> <is-folder> "<new path>" ["<old path>"]
//
// Paths are double quoted; embedded quotes are not supported.
func (c ChangeInfo) Serialize() string {
	var b strings.Builder
	b.WriteString(c.Source)
	b.WriteByte(' ')
	b.WriteString(c.Type.String())
	b.WriteByte(' ')
	b.WriteString(c.NewChecksum)
	b.WriteByte(' ')
	fmt.Fprintf(&b, "%t", c.IsFolder)
	b.WriteByte(' ')
	b.WriteByte('"')
	b.WriteString(c.NewPath)
	b.WriteByte('"')
	if c.OldPath != "" {
		b.WriteString(` "`)
		b.WriteString(c.OldPath)
		b.WriteByte('"')
	}
	return b.String()
}

// ParseChangeInfo parses one serialized change line. Unknown repository tags
// or change kinds fail the parse.
func ParseChangeInfo(line string) (ChangeInfo, error) {
	var c ChangeInfo

	fields := strings.SplitN(line, " ", 5)
	if len(fields) < 5 {
		return c, fmt.Errorf("malformed change line %q", line)
	}

	c.Source = fields[0]
	if c.Source != TagCloud && c.Source != TagLocal {
		return c, fmt.Errorf("unknown repository tag %q", c.Source)
	}

	t, err := ParseChangeType(fields[1])
	if err != nil {
		return c, err
	}
	c.Type = t

	c.NewChecksum = fields[2]

	switch fields[3] {
	case "true":
		c.IsFolder = true
	case "false":
		c.IsFolder = false
	default:
		return c, fmt.Errorf("malformed is-folder flag %q", fields[3])
	}

	paths, err := parseQuotedPaths(fields[4])
	if err != nil {
		return c, fmt.Errorf("change line %q: %w", line, err)
	}
	c.NewPath = paths[0]
	if len(paths) > 1 {
		c.OldPath = paths[1]
	}

	if c.OldPath == "" && (c.Type == Moved || c.Type == Renamed || c.Type == MovedAndModified) {
		return c, fmt.Errorf("change type %s requires an old path", c.Type)
	}

	if _, err := pathutil.Normalize(c.NewPath); err != nil {
		return c, fmt.Errorf("new path %q: %w", c.NewPath, err)
	}
	if c.OldPath != "" {
		if _, err := pathutil.Normalize(c.OldPath); err != nil {
			return c, fmt.Errorf("old path %q: %w", c.OldPath, err)
		}
	}

	return c, nil
}

// parseQuotedPaths extracts one or two double-quoted strings.
func parseQuotedPaths(s string) ([]string, error) {
	var paths []string
	rest := s
	for len(paths) < 2 {
		rest = strings.TrimLeft(rest, " ")
		if rest == "" {
			break
		}
		if rest[0] != '"' {
			return nil, fmt.Errorf("expected quoted path at %q", rest)
		}
		end := strings.IndexByte(rest[1:], '"')
		if end < 0 {
			return nil, fmt.Errorf("unterminated quoted path at %q", rest)
		}
		paths = append(paths, rest[1:1+end])
		rest = rest[end+2:]
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("missing path in %q", s)
	}
	return paths, nil
}
