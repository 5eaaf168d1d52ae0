//go:build linux

package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func newTestDecoder(t *testing.T) (*decoder, *tree, *Coalescer, chan Batch) {
	t.Helper()
	root := t.TempDir()

	source := newFakeEventSource()
	registry := NewRegistry()
	delivered := make(chan Batch, 8)
	registry.Register(func(b Batch) { delivered <- b })
	filter := NewFilter(registry)

	tr, err := newTree(root, source, filter, false)
	if err != nil {
		t.Fatalf("newTree: %v", err)
	}

	coalescer := NewCoalescer(time.Hour, filter) // never auto-fires; tests drain manually
	d := newDecoder(source, &dispatcher{tree: tr, coalescer: coalescer}, filter, nil)

	return d, tr, coalescer, delivered
}

func TestDecoderDispatchCreateFile(t *testing.T) {
	d, tr, coalescer, delivered := newTestDecoder(t)

	d.dispatch(RawRecord{WD: tr.root.wd, Mask: unix.IN_CREATE, Name: "file"})
	coalescer.drain()

	batch := <-delivered
	if len(batch) != 1 || batch[0].RelativePath != "file" || batch[0].Kind != KindCreated {
		t.Fatalf("unexpected batch: %+v", batch)
	}
}

func TestDecoderDispatchCreateDirectoryArmsWatch(t *testing.T) {
	d, tr, coalescer, delivered := newTestDecoder(t)

	if err := os.Mkdir(filepath.Join(tr.rootPath, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	d.dispatch(RawRecord{WD: tr.root.wd, Mask: unix.IN_CREATE | unix.IN_ISDIR, Name: "sub"})
	coalescer.drain()

	batch := <-delivered
	if len(batch) != 1 || batch[0].RelativePath != "sub" || batch[0].Kind != KindCreated {
		t.Fatalf("unexpected batch: %+v", batch)
	}
	if _, ok := tr.root.children["sub"]; !ok {
		t.Fatal("expected a child node to be registered for the new directory")
	}
}

func TestDecoderRenamePairingSameCookie(t *testing.T) {
	d, tr, coalescer, delivered := newTestDecoder(t)

	d.dispatch(RawRecord{WD: tr.root.wd, Mask: unix.IN_MOVED_FROM, Cookie: 7, Name: "old"})
	if !d.pending.valid {
		t.Fatal("expected a pending rename after IN_MOVED_FROM")
	}

	d.dispatch(RawRecord{WD: tr.root.wd, Mask: unix.IN_MOVED_TO, Cookie: 7, Name: "new"})
	if d.pending.valid {
		t.Fatal("expected the pending rename to be consumed")
	}
	coalescer.drain()

	batch := <-delivered
	if len(batch) != 2 {
		t.Fatalf("expected 2 events for a resolved rename, got %d: %+v", len(batch), batch)
	}
	if batch[0].RelativePath != "old" || batch[0].Kind != KindDeleted|KindRenamed {
		t.Errorf("unexpected old-side event: %+v", batch[0])
	}
	if batch[1].RelativePath != "new" || batch[1].Kind != KindCreated|KindRenamed {
		t.Errorf("unexpected new-side event: %+v", batch[1])
	}
}

func TestDecoderUnpairedRenameFlushesOnIdle(t *testing.T) {
	d, _, coalescer, delivered := newTestDecoder(t)
	source := d.source.(*fakeEventSource)

	root := d.dispatcher.tree.root
	d.dispatch(RawRecord{WD: root.wd, Mask: unix.IN_MOVED_FROM, Cookie: 9, Name: "gone"})
	if !d.pending.valid {
		t.Fatal("expected a pending rename")
	}

	source.setPending(0)
	if pending, _ := source.Pending(); pending != 0 {
		t.Fatal("test setup: expected an idle queue")
	}
	d.flushPending()
	coalescer.drain()

	batch := <-delivered
	if len(batch) != 1 || batch[0].RelativePath != "gone" || batch[0].Kind != KindDeleted {
		t.Fatalf("unexpected flush batch: %+v", batch)
	}
}

func TestDecoderCookieMismatchFlushesPendingAsCreate(t *testing.T) {
	d, tr, coalescer, delivered := newTestDecoder(t)

	d.dispatch(RawRecord{WD: tr.root.wd, Mask: unix.IN_MOVED_FROM, Cookie: 1, Name: "stale"})
	if !d.pending.valid {
		t.Fatal("expected a pending rename")
	}

	// An unrelated event with a different cookie forces the pending rename
	// to resolve as a delete before this record is (re)classified as a
	// create.
	d.dispatch(RawRecord{WD: tr.root.wd, Mask: unix.IN_ATTRIB, Cookie: 2, Name: "unrelated"})
	coalescer.drain()

	batch := <-delivered
	paths := map[string]EventKind{}
	for _, e := range batch {
		paths[e.RelativePath] = e.Kind
	}
	if paths["stale"] != KindDeleted {
		t.Errorf("expected stale to be flushed as DELETED, got %+v", paths)
	}
	if paths["unrelated"] != KindCreated {
		t.Errorf("expected unrelated to be treated as CREATED, got %+v", paths)
	}
}

func TestDecoderOverflowEmitsOverflowEventAndKeepsRunning(t *testing.T) {
	d, tr, coalescer, delivered := newTestDecoder(t)

	d.dispatch(RawRecord{WD: -1, Mask: unix.IN_Q_OVERFLOW})
	coalescer.drain()

	batch := <-delivered
	if len(batch) != 1 || batch[0].Kind != KindOverflow || batch[0].RelativePath != "" {
		t.Fatalf("unexpected overflow batch: %+v", batch)
	}

	// The decoder must still be usable afterward: a plain create should
	// dispatch normally.
	d.dispatch(RawRecord{WD: tr.root.wd, Mask: unix.IN_CREATE, Name: "file"})
	coalescer.drain()
	batch = <-delivered
	if len(batch) != 1 || batch[0].RelativePath != "file" {
		t.Fatalf("unexpected post-overflow batch: %+v", batch)
	}
}

func TestDecoderMoveSelfEmitsDeleteAndTearsDownNode(t *testing.T) {
	d, tr, coalescer, delivered := newTestDecoder(t)

	if err := os.Mkdir(filepath.Join(tr.rootPath, "moved-away"), 0o755); err != nil {
		t.Fatal(err)
	}
	tr.addDirNode(tr.root.wd, "moved-away", false)
	child := tr.root.children["moved-away"]

	d.dispatch(RawRecord{WD: child.wd, Mask: unix.IN_MOVE_SELF})
	coalescer.drain()

	batch := <-delivered
	if len(batch) != 1 || batch[0].RelativePath != "moved-away" || batch[0].Kind != KindDeleted {
		t.Fatalf("unexpected batch: %+v", batch)
	}
	if _, ok := tr.root.children["moved-away"]; ok {
		t.Fatal("expected the node to be torn down after IN_MOVE_SELF")
	}
}

