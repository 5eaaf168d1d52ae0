package watch

import (
	"reflect"
	"testing"
	"time"
)

func TestMergeBatchFoldsKindsAndKeepsArrivalOrder(t *testing.T) {
	batch := Batch{
		newEvent(KindCreated, "a"),
		newEvent(KindChanged, "b"),
		newEvent(KindChanged, "a"),
		newEvent(KindDeleted, "a"),
	}

	merged := mergeBatch(batch)

	if len(merged) != 2 {
		t.Fatalf("expected 2 survivors, got %d: %+v", len(merged), merged)
	}
	// a's survivor is its latest event (index 3), which arrived after b.
	if merged[0].RelativePath != "b" || merged[1].RelativePath != "a" {
		t.Fatalf("expected arrival order [b, a], got [%s, %s]", merged[0].RelativePath, merged[1].RelativePath)
	}

	want := KindCreated | KindChanged | KindDeleted
	if merged[1].Kind != want {
		t.Errorf("merged kind for a = %v, want %v", merged[1].Kind, want)
	}
	if merged[0].Kind != KindChanged {
		t.Errorf("merged kind for b = %v, want %v", merged[0].Kind, KindChanged)
	}
}

func TestMergeBatchIsIdempotent(t *testing.T) {
	batch := Batch{
		newEvent(KindCreated, "a"),
		newEvent(KindChanged, "b"),
		newEvent(KindChanged, "a"),
	}

	once := mergeBatch(batch)
	twice := mergeBatch(append(Batch{}, once...))

	if !reflect.DeepEqual(pathsAndKinds(once), pathsAndKinds(twice)) {
		t.Fatalf("merge was not idempotent: %+v vs %+v", once, twice)
	}
}

func pathsAndKinds(batch Batch) []struct {
	Path string
	Kind EventKind
} {
	result := make([]struct {
		Path string
		Kind EventKind
	}, len(batch))
	for i, e := range batch {
		result[i].Path = e.RelativePath
		result[i].Kind = e.Kind
	}
	return result
}

func TestCoalescerDrainsAndMerges(t *testing.T) {
	registry := NewRegistry()
	delivered := make(chan Batch, 4)
	registry.Register(func(b Batch) { delivered <- b })

	coalescer := NewCoalescer(20*time.Millisecond, NewFilter(registry))
	coalescer.Start()
	defer coalescer.Stop()

	coalescer.Enqueue(newEvent(KindCreated, "x"), newEvent(KindChanged, "x"))

	select {
	case batch := <-delivered:
		if len(batch) != 1 {
			t.Fatalf("expected 1 merged event, got %d", len(batch))
		}
		if batch[0].Kind != KindCreated|KindChanged {
			t.Errorf("kind = %v, want %v", batch[0].Kind, KindCreated|KindChanged)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("deadline exceeded waiting for coalesced batch")
	}
}

func TestCoalescerEmptyDrainDeliversNothing(t *testing.T) {
	registry := NewRegistry()
	delivered := make(chan Batch, 1)
	registry.Register(func(b Batch) { delivered <- b })

	coalescer := NewCoalescer(10*time.Millisecond, NewFilter(registry))
	coalescer.Start()
	defer coalescer.Stop()

	select {
	case <-delivered:
		t.Fatal("expected no delivery for an empty drain window")
	case <-time.After(100 * time.Millisecond):
	}
}
