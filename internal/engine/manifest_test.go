package engine

import (
	"testing"
	"time"
)

func mustInvariants(t *testing.T, m *Manifest) {
	t.Helper()
	if err := m.CheckInvariants(); err != nil {
		t.Fatalf("invariants violated: %v", err)
	}
}

func fileInfo(path, sum string, size int64) FileInfo {
	return FileInfo{
		Path:     path,
		Size:     size,
		ModTime:  time.Unix(1700000000, 0).UTC(),
		Checksum: sum,
	}
}

func TestRegisterChangeClassification(t *testing.T) {
	tests := []struct {
		name     string
		old      FileInfo
		new      FileInfo
		wantKind ChangeType
		wantNil  bool
	}{
		{
			name:    "no difference is a no-op",
			old:     fileInfo("docs/a.txt", "aa", 12),
			new:     fileInfo("docs/a.txt", "aa", 12),
			wantNil: true,
		},
		{
			name:     "same path new content",
			old:      fileInfo("docs/a.txt", "aa", 12),
			new:      fileInfo("docs/a.txt", "bb", 13),
			wantKind: Modified,
		},
		{
			name:     "same directory rename",
			old:      fileInfo("docs/x.txt", "aa", 12),
			new:      fileInfo("docs/y.txt", "aa", 12),
			wantKind: Renamed,
		},
		{
			name:     "cross directory move",
			old:      fileInfo("a/p.bin", "aa", 12),
			new:      fileInfo("b/p.bin", "aa", 12),
			wantKind: Moved,
		},
		{
			name:     "moved and modified",
			old:      fileInfo("a/p.bin", "aa", 12),
			new:      fileInfo("b/q.bin", "bb", 20),
			wantKind: MovedAndModified,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManifest()
			m.PutFile("id1", tt.old)

			ci := m.RegisterChange(TagCloud, "id1", tt.new)
			if tt.wantNil {
				if ci != nil {
					t.Fatalf("got %+v, want nil", ci)
				}
				mustInvariants(t, m)
				return
			}
			if ci == nil {
				t.Fatal("got nil change")
			}
			if ci.Type != tt.wantKind {
				t.Errorf("kind = %v, want %v", ci.Type, tt.wantKind)
			}
			if ci.NewPath != tt.new.Path {
				t.Errorf("new path = %q, want %q", ci.NewPath, tt.new.Path)
			}
			if ci.Type != Modified && ci.Type != Created && ci.OldPath != tt.old.Path {
				t.Errorf("old path = %q, want %q", ci.OldPath, tt.old.Path)
			}
			if got, _ := m.FileByPath(tt.new.Path); got.Checksum != tt.new.Checksum {
				t.Errorf("manifest not updated: %+v", got)
			}
			mustInvariants(t, m)
		})
	}
}

func TestRegisterChangeUnknownIDIsCreated(t *testing.T) {
	m := NewManifest()
	ci := m.RegisterChange(TagLocal, "new-id", fileInfo("new.txt", "e2fc", 4))
	if ci == nil || ci.Type != Created {
		t.Fatalf("got %+v, want Created", ci)
	}
	if ci.NewChecksum != "e2fc" {
		t.Errorf("checksum = %q", ci.NewChecksum)
	}
	mustInvariants(t, m)
}

func TestRegisterRemoval(t *testing.T) {
	m := NewManifest()
	m.PutFile("id1", fileInfo("docs/a.txt", "aa", 12))
	m.PutFolder("fid", "docs")

	ci := m.RegisterRemoval(TagCloud, "id1")
	if ci == nil || ci.Type != Removed || ci.NewPath != "docs/a.txt" || ci.NewChecksum != "aa" {
		t.Fatalf("file removal = %+v", ci)
	}
	if ci := m.RegisterRemoval(TagCloud, "id1"); ci != nil {
		t.Fatalf("second removal = %+v, want nil", ci)
	}

	ci = m.RegisterRemoval(TagCloud, "fid")
	if ci == nil || !ci.IsFolder || ci.NewPath != "docs" {
		t.Fatalf("folder removal = %+v", ci)
	}
	if ci := m.RegisterRemoval(TagCloud, "unknown"); ci != nil {
		t.Fatalf("unknown removal = %+v, want nil", ci)
	}
	mustInvariants(t, m)
}

func TestRegisterFolderChange(t *testing.T) {
	m := NewManifest()

	ci := m.RegisterFolderChange(TagCloud, "fid", "photos")
	if ci == nil || ci.Type != Created || !ci.IsFolder {
		t.Fatalf("create = %+v", ci)
	}
	if ci := m.RegisterFolderChange(TagCloud, "fid", "photos"); ci != nil {
		t.Fatalf("no-op = %+v, want nil", ci)
	}

	ci = m.RegisterFolderChange(TagCloud, "fid", "pictures")
	if ci == nil || ci.Type != Renamed || ci.OldPath != "photos" {
		t.Fatalf("rename = %+v", ci)
	}

	ci = m.RegisterFolderChange(TagCloud, "fid", "archive/pictures")
	if ci == nil || ci.Type != Moved {
		t.Fatalf("move = %+v", ci)
	}
	mustInvariants(t, m)
}

func TestFolderMoveRewritesChildren(t *testing.T) {
	m := NewManifest()
	m.PutFolder("fid", "docs")
	m.PutFolder("sub", "docs/inner")
	m.PutFile("f1", fileInfo("docs/a.txt", "aa", 1))
	m.PutFile("f2", fileInfo("docs/inner/b.txt", "bb", 2))
	m.PutFile("f3", fileInfo("docs-other/c.txt", "cc", 3))

	if ci := m.RegisterFolderChange(TagCloud, "fid", "papers"); ci == nil || ci.Type != Renamed {
		t.Fatalf("got %+v", ci)
	}

	if _, ok := m.FileByPath("papers/a.txt"); !ok {
		t.Error("child file not rewritten")
	}
	if _, ok := m.FileByPath("papers/inner/b.txt"); !ok {
		t.Error("nested child not rewritten")
	}
	if path, _ := m.FolderByID("sub"); path != "papers/inner" {
		t.Errorf("nested folder = %q", path)
	}
	if _, ok := m.FileByPath("docs-other/c.txt"); !ok {
		t.Error("sibling with shared name prefix must not move")
	}
	mustInvariants(t, m)
}

func TestRegisterMove(t *testing.T) {
	m := NewManifest()
	m.PutFile("id1", fileInfo("a/p.bin", "aa", 7))

	m.RegisterMove("a/p.bin", "b/p.bin")

	if _, ok := m.FileByPath("a/p.bin"); ok {
		t.Error("old path still indexed")
	}
	info, ok := m.FileByPath("b/p.bin")
	if !ok || info.Checksum != "aa" {
		t.Errorf("new path record = %+v ok=%v", info, ok)
	}
	// Unknown source path is ignored.
	m.RegisterMove("missing", "elsewhere")
	mustInvariants(t, m)
}

func TestRemoveSubtree(t *testing.T) {
	m := NewManifest()
	m.PutFolder("fid", "docs")
	m.PutFolder("sub", "docs/inner")
	m.PutFile("f1", fileInfo("docs/a.txt", "aa", 1))
	m.PutFile("f2", fileInfo("docs/inner/b.txt", "bb", 2))
	m.PutFile("f3", fileInfo("other.txt", "cc", 3))

	m.RemoveSubtree("docs")

	if m.FolderCount() != 0 {
		t.Errorf("folders left: %v", m.Folders())
	}
	if m.FileCount() != 1 {
		t.Errorf("files left: %v", m.Files())
	}
	if _, ok := m.FileByPath("other.txt"); !ok {
		t.Error("unrelated file removed")
	}
	mustInvariants(t, m)
}

func TestDirtyFlag(t *testing.T) {
	m := NewManifest()
	if m.Dirty() {
		t.Fatal("fresh manifest is dirty")
	}

	m.PutFile("id", fileInfo("a.txt", "aa", 1))
	if !m.Dirty() {
		t.Error("PutFile did not mark dirty")
	}
	m.MarkClean()

	m.SetCursor("token-1")
	if !m.Dirty() {
		t.Error("SetCursor did not mark dirty")
	}
	m.MarkClean()

	m.SetCursor("token-1")
	if m.Dirty() {
		t.Error("unchanged cursor marked dirty")
	}
}
