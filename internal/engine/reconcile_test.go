package engine

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestEngine(t *testing.T, cloud, local *fakeRepo) (*Engine, string) {
	t.Helper()
	workDir := t.TempDir()
	eng, err := New(workDir, cloud, local, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng, workDir
}

func TestReconcileFreshDownload(t *testing.T) {
	cloud := newFakeRepo(t, TagCloud)
	local := newFakeRepo(t, TagLocal)

	cloud.content["a.txt"] = []byte("hello, world")
	cloud.core.Manifest().PutFile("id-a", FileInfo{
		Path:     "a.txt",
		Size:     12,
		ModTime:  time.Unix(1700000000, 0).UTC(),
		Checksum: "d41d8cd98f00b204e9800998ecf8427e",
	})

	eng, workDir := newTestEngine(t, cloud, local)
	eng.remotePrecedence = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.proc.Run(ctx)
	defer eng.proc.Stop()

	eng.Reconcile(ctx)

	data, ok := local.fileContent("a.txt")
	if !ok || !bytes.Equal(data, []byte("hello, world")) {
		t.Fatalf("local content = %q ok=%v", data, ok)
	}

	local.core.Lock()
	_, inManifest := local.core.Manifest().FileByPath("a.txt")
	local.core.Unlock()
	if !inManifest {
		t.Error("local manifest does not reflect the download")
	}

	// No entries left in the persisted queue.
	queueData, err := os.ReadFile(filepath.Join(workDir, queueFileName))
	if err != nil {
		t.Fatalf("queue file: %v", err)
	}
	if !strings.HasPrefix(string(queueData), "0\n") {
		t.Errorf("queue not drained: %q", queueData)
	}
}

func TestReconcileLocalDeletionWins(t *testing.T) {
	cloud := newFakeRepo(t, TagCloud)
	local := newFakeRepo(t, TagLocal)

	// The cloud manifest was resumed from disk, so its record of
	// stale.txt plus the file's local absence means a local deletion.
	cloud.content["stale.txt"] = []byte("old")
	cloud.core.Manifest().PutFile("id-s", fileInfo("stale.txt", "aa", 3))

	eng, _ := newTestEngine(t, cloud, local)
	eng.remotePrecedence = false

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.proc.Run(ctx)
	defer eng.proc.Stop()

	eng.Reconcile(ctx)

	if _, ok := cloud.fileContent("stale.txt"); ok {
		t.Error("locally deleted file survived in the cloud")
	}
}

func TestReconcileUploadsLocalOnly(t *testing.T) {
	cloud := newFakeRepo(t, TagCloud)
	local := newFakeRepo(t, TagLocal)

	local.folders["notes"] = true
	local.core.Manifest().PutFolder("notes", "notes")
	local.content["notes/todo.txt"] = []byte("ship it")
	local.core.Manifest().PutFile("notes/todo.txt", fileInfo("notes/todo.txt", "bb", 7))

	eng, _ := newTestEngine(t, cloud, local)
	eng.remotePrecedence = false

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.proc.Run(ctx)
	defer eng.proc.Stop()

	eng.Reconcile(ctx)

	if !cloud.folders["notes"] {
		t.Error("local-only folder not created in the cloud")
	}
	if data, ok := cloud.fileContent("notes/todo.txt"); !ok || !bytes.Equal(data, []byte("ship it")) {
		t.Errorf("local-only file not uploaded: %q ok=%v", data, ok)
	}
}

func TestReconcileDownstreamOnlyPrefix(t *testing.T) {
	cloud := newFakeRepo(t, TagCloud)
	local := newFakeRepo(t, TagLocal)

	prefix := DownstreamOnlyPrefix

	// Cloud side of the one-way subtree.
	cloud.folders[prefix] = true
	cloud.core.Manifest().PutFolder(prefix, prefix)
	cloud.content[prefix+"/feed.bin"] = []byte("cloud-truth")
	cloud.core.Manifest().PutFile("id-f", fileInfo(prefix+"/feed.bin", "cloudsum", 11))

	// A foreign local file under the prefix, and a local edit of the
	// mirrored file.
	local.folders[prefix] = true
	local.core.Manifest().PutFolder(prefix, prefix)
	local.content[prefix+"/rogue.txt"] = []byte("mine")
	local.core.Manifest().PutFile(prefix+"/rogue.txt", fileInfo(prefix+"/rogue.txt", "roguesum", 4))
	local.content[prefix+"/feed.bin"] = []byte("local-edit!")
	local.core.Manifest().PutFile(prefix+"/feed.bin", fileInfo(prefix+"/feed.bin", "editedsum", 11))

	// Even with local precedence, the prefix flows cloud to local.
	eng, _ := newTestEngine(t, cloud, local)
	eng.remotePrecedence = false

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.proc.Run(ctx)
	defer eng.proc.Stop()

	eng.Reconcile(ctx)

	if _, ok := local.fileContent(prefix + "/rogue.txt"); ok {
		t.Error("foreign local file under the prefix survived")
	}
	if _, ok := cloud.fileContent(prefix + "/rogue.txt"); ok {
		t.Error("foreign local file was uploaded despite the prefix policy")
	}
	if data, _ := local.fileContent(prefix + "/feed.bin"); !bytes.Equal(data, []byte("cloud-truth")) {
		t.Errorf("locally edited mirror file = %q, want cloud content", data)
	}
}
