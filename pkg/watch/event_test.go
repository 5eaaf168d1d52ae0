package watch

import "testing"

func TestEventKindHas(t *testing.T) {
	k := KindCreated | KindRenamed
	if !k.Has(KindCreated) {
		t.Fatal("expected KindCreated to be set")
	}
	if !k.Has(KindRenamed) {
		t.Fatal("expected KindRenamed to be set")
	}
	if k.Has(KindDeleted) {
		t.Fatal("did not expect KindDeleted to be set")
	}
	if !k.Has(KindCreated | KindRenamed) {
		t.Fatal("expected the full combination to be reported as set")
	}
}

func TestEventKindString(t *testing.T) {
	cases := []struct {
		kind EventKind
		want string
	}{
		{KindNone, "NONE"},
		{KindCreated, "CREATED"},
		{KindCreated | KindChanged, "CREATED | CHANGED"},
		{KindDeleted | KindRenamed, "DELETED | RENAMED"},
	}
	for _, c := range cases {
		if got := c.kind.String(); got != c.want {
			t.Errorf("EventKind(%d).String() = %q, want %q", c.kind, got, c.want)
		}
	}
}

func TestNewEventSetsPathAndKind(t *testing.T) {
	event := newEvent(KindChanged, "a/b/c")
	if event.Kind != KindChanged {
		t.Errorf("Kind = %v, want %v", event.Kind, KindChanged)
	}
	if event.RelativePath != "a/b/c" {
		t.Errorf("RelativePath = %q, want %q", event.RelativePath, "a/b/c")
	}
	if event.At.IsZero() {
		t.Error("expected At to be populated")
	}
}
