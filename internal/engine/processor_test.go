package engine

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/driveberry/driveberry/internal/spool"
)

// fakeRepo is an in-memory Repository for processor and reconciler tests.
type fakeRepo struct {
	core *RepoCore

	mu      sync.Mutex
	content map[string][]byte
	folders map[string]bool
	ops     []string
}

func newFakeRepo(t *testing.T, tag string) *fakeRepo {
	t.Helper()
	return &fakeRepo{
		core:    NewRepoCore(tag, filepath.Join(t.TempDir(), tag+"_manifest"), zap.NewNop()),
		content: make(map[string][]byte),
		folders: make(map[string]bool),
	}
}

func (f *fakeRepo) Core() *RepoCore { return f.core }

func (f *fakeRepo) BuildManifest(context.Context) error { return nil }

func (f *fakeRepo) Snapshot() (map[string]FileInfo, map[string]bool) {
	f.core.Lock()
	defer f.core.Unlock()
	return f.core.Snapshot()
}

func (f *fakeRepo) Exists(_ context.Context, info ChangeInfo) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info.IsFolder {
		return f.folders[info.NewPath], nil
	}
	_, ok := f.content[info.NewPath]
	return ok, nil
}

func (f *fakeRepo) CreateOrUpdateFile(_ context.Context, info ChangeInfo, content io.Reader, _ int64) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.content[info.NewPath] = data
	f.ops = append(f.ops, "write "+info.NewPath)
	f.mu.Unlock()

	f.core.Lock()
	f.core.Echo().Record(info.NewPath)
	f.core.Manifest().PutFile(info.NewPath, FileInfo{
		Path:     info.NewPath,
		Size:     int64(len(data)),
		ModTime:  time.Now().UTC(),
		Checksum: info.NewChecksum,
	})
	f.core.Unlock()
	return nil
}

func (f *fakeRepo) CreateFolder(_ context.Context, path string) error {
	f.mu.Lock()
	f.folders[path] = true
	f.ops = append(f.ops, "mkdir "+path)
	f.mu.Unlock()

	f.core.Lock()
	f.core.Manifest().PutFolder(path, path)
	f.core.Unlock()
	return nil
}

func (f *fakeRepo) MoveFile(_ context.Context, oldPath, newPath string) error {
	f.mu.Lock()
	if _, ok := f.content[newPath]; ok {
		f.mu.Unlock()
		return ErrDestinationExists
	}
	f.content[newPath] = f.content[oldPath]
	delete(f.content, oldPath)
	f.ops = append(f.ops, "move "+oldPath+" "+newPath)
	f.mu.Unlock()

	f.core.Lock()
	f.core.Manifest().RegisterMove(oldPath, newPath)
	f.core.Unlock()
	return nil
}

func (f *fakeRepo) MoveFolder(ctx context.Context, oldPath, newPath string) error {
	return f.MoveFile(ctx, oldPath, newPath)
}

func (f *fakeRepo) RemoveFile(_ context.Context, path string) error {
	f.mu.Lock()
	delete(f.content, path)
	f.ops = append(f.ops, "remove "+path)
	f.mu.Unlock()

	f.core.Lock()
	f.core.Manifest().RemoveSubtree(path)
	f.core.Unlock()
	return nil
}

func (f *fakeRepo) RemoveFolder(ctx context.Context, path string) error {
	f.mu.Lock()
	delete(f.folders, path)
	f.ops = append(f.ops, "rmdir "+path)
	f.mu.Unlock()

	f.core.Lock()
	f.core.Manifest().RemoveSubtree(path)
	f.core.Unlock()
	return nil
}

func (f *fakeRepo) GetFileContentStream(_ context.Context, info ChangeInfo) (io.ReadCloser, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.content[info.NewPath]
	if !ok {
		return nil, 0, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (f *fakeRepo) StartMonitor(context.Context, ChangeSink) error { return nil }
func (f *fakeRepo) WaitMonitorIdle(context.Context)                {}
func (f *fakeRepo) StopMonitor()                                   {}

func (f *fakeRepo) opCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ops)
}

func (f *fakeRepo) fileContent(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.content[path]
	return data, ok
}

func newTestProcessor(t *testing.T, cloud, local *fakeRepo) (*Processor, string) {
	t.Helper()
	workDir := t.TempDir()
	sp, err := spool.Open(filepath.Join(workDir, "spool"))
	if err != nil {
		t.Fatalf("spool.Open: %v", err)
	}
	return NewProcessor(workDir, []Repository{cloud, local}, sp, nil, zap.NewNop()), workDir
}

func TestProcessorTransfersCreate(t *testing.T) {
	cloud := newFakeRepo(t, TagCloud)
	local := newFakeRepo(t, TagLocal)
	cloud.content["new.txt"] = []byte("abcd")

	p, _ := newTestProcessor(t, cloud, local)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	defer p.Stop()

	p.QueueChange(ChangeInfo{Source: TagCloud, Type: Created, NewPath: "new.txt", NewChecksum: "e2fc"})
	p.WaitIdle()

	data, ok := local.fileContent("new.txt")
	if !ok || !bytes.Equal(data, []byte("abcd")) {
		t.Fatalf("local content = %q ok=%v", data, ok)
	}

	exists, err := local.Exists(ctx, ChangeInfo{NewPath: "new.txt"})
	if err != nil || !exists {
		t.Errorf("Exists after replay = %v, %v", exists, err)
	}
}

func TestProcessorEchoSuppression(t *testing.T) {
	cloud := newFakeRepo(t, TagCloud)
	local := newFakeRepo(t, TagLocal)
	cloud.content["a.txt"] = []byte("hello")

	p, _ := newTestProcessor(t, cloud, local)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	defer p.Stop()

	first := ChangeInfo{Source: TagCloud, Type: Created, NewPath: "a.txt", NewChecksum: "5d41"}
	p.QueueChange(first)
	p.WaitIdle()
	writes := local.opCount()

	// The watcher's reflection of the engine's own write: same path and
	// checksum, observed from the other side.
	echo := ChangeInfo{Source: TagLocal, Type: Created, NewPath: "a.txt", NewChecksum: "5d41"}
	p.QueueChange(echo)
	p.WaitIdle()

	if got := local.opCount(); got != writes {
		t.Errorf("echo caused %d extra destination ops", got-writes)
	}
	if got := cloud.opCount(); got != 0 {
		t.Errorf("echo replayed against its own origin: %d ops", got)
	}
}

func TestQueueChangeSplitsMovedAndModified(t *testing.T) {
	cloud := newFakeRepo(t, TagCloud)
	local := newFakeRepo(t, TagLocal)
	p, _ := newTestProcessor(t, cloud, local)

	p.QueueChange(ChangeInfo{
		Source:      TagCloud,
		Type:        MovedAndModified,
		NewPath:     "b/q.bin",
		OldPath:     "a/p.bin",
		NewChecksum: "new",
		OldChecksum: "old",
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) != 2 {
		t.Fatalf("queue length = %d, want 2", len(p.queue))
	}
	if p.queue[0].Type != Created || p.queue[0].NewPath != "b/q.bin" || p.queue[0].NewChecksum != "new" {
		t.Errorf("first = %+v", p.queue[0])
	}
	if p.queue[1].Type != Removed || p.queue[1].NewPath != "a/p.bin" || p.queue[1].NewChecksum != "old" {
		t.Errorf("second = %+v", p.queue[1])
	}
}

func TestScrubComplementaryPair(t *testing.T) {
	cloud := newFakeRepo(t, TagCloud)
	local := newFakeRepo(t, TagLocal)
	p, _ := newTestProcessor(t, cloud, local)

	now := time.Now()
	p.recent = []ChangeEvent{
		{Info: ChangeInfo{Source: TagCloud, Type: Created, NewPath: "x.txt", NewChecksum: "aa"}, At: now},
		{Info: ChangeInfo{Source: TagCloud, Type: Created, NewPath: "y.txt", NewChecksum: "bb"}, At: now},
	}

	p.scrubComplementLocked(ChangeInfo{Type: Removed, NewPath: "x.txt"})

	if len(p.recent) != 1 || p.recent[0].Info.NewPath != "y.txt" {
		t.Errorf("recent after scrub = %+v", p.recent)
	}
}

func TestQueuePersistenceAcrossRestart(t *testing.T) {
	cloud := newFakeRepo(t, TagCloud)
	local := newFakeRepo(t, TagLocal)
	cloud.content["pending.txt"] = []byte("payload")

	p, workDir := newTestProcessor(t, cloud, local)
	pending := ChangeInfo{Source: TagCloud, Type: Created, NewPath: "pending.txt", NewChecksum: "cc"}
	p.QueueChange(pending)

	// The process dies here: the queue file must already hold the change.
	data, err := os.ReadFile(filepath.Join(workDir, queueFileName))
	if err != nil {
		t.Fatalf("queue file: %v", err)
	}
	restored, err := parseQueue(string(data))
	if err != nil {
		t.Fatalf("parseQueue: %v", err)
	}
	if len(restored) != 1 || !restored[0].Equal(pending) {
		t.Fatalf("restored = %+v", restored)
	}

	// Restart: a fresh processor over the same working directory reapplies
	// the unfinished item.
	sp, err := spool.Open(filepath.Join(workDir, "spool"))
	if err != nil {
		t.Fatalf("spool.Open: %v", err)
	}
	p2 := NewProcessor(workDir, []Repository{cloud, local}, sp, nil, zap.NewNop())
	if err := p2.LoadQueue(); err != nil {
		t.Fatalf("LoadQueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p2.Run(ctx)
	defer p2.Stop()
	p2.WaitIdle()

	if data, ok := local.fileContent("pending.txt"); !ok || !bytes.Equal(data, []byte("payload")) {
		t.Fatalf("pending item not reapplied: %q ok=%v", data, ok)
	}
}

func TestProcessorFolderDispatch(t *testing.T) {
	cloud := newFakeRepo(t, TagCloud)
	local := newFakeRepo(t, TagLocal)

	p, _ := newTestProcessor(t, cloud, local)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	defer p.Stop()

	p.QueueChange(ChangeInfo{Source: TagCloud, Type: Created, NewPath: "photos", IsFolder: true, NewChecksum: "-"})
	p.WaitIdle()

	if !local.folders["photos"] {
		t.Fatal("folder not created on destination")
	}

	p.QueueChange(ChangeInfo{Source: TagCloud, Type: Removed, NewPath: "photos", IsFolder: true, NewChecksum: "-"})
	p.WaitIdle()

	local.mu.Lock()
	defer local.mu.Unlock()
	if local.folders["photos"] {
		t.Fatal("folder not removed on destination")
	}
}

func TestParseQueueRejectsGarbage(t *testing.T) {
	if _, err := parseQueue("not-a-count\n"); err == nil {
		t.Error("bad count accepted")
	}
	if _, err := parseQueue("2\ngoogle_drive Created aa false \"x\"\n"); err == nil {
		t.Error("short file accepted")
	}
	if q, err := parseQueue(""); err != nil || len(q) != 0 {
		t.Errorf("empty file: %v, %v", q, err)
	}
}
