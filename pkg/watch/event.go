// Package watch implements a debounced, deduplicated filesystem change
// event stream for a directory subtree, backed by Linux inotify.
package watch

import (
	"strings"
	"time"
)

// EventKind is a bitset describing the kinds of change that occurred at a
// path. Multiple bits may be set on a single Event, e.g. a rapid
// create-then-modify is coalesced into CREATED|CHANGED.
type EventKind uint8

const (
	// KindNone is the empty bitset.
	KindNone EventKind = 0
	// KindCreated indicates that a path was created.
	KindCreated EventKind = 1 << 0
	// KindChanged indicates that a path's content or attributes changed.
	KindChanged EventKind = 1 << 1
	// KindDeleted indicates that a path was removed.
	KindDeleted EventKind = 1 << 2
	// KindRenamed marks one half of a rename pair. It always accompanies
	// KindDeleted (old path) or KindCreated (new path), never appears alone.
	KindRenamed EventKind = 1 << 3
	// KindOverflow indicates that the kernel's event queue overflowed and
	// some events were dropped; the caller should re-enumerate.
	KindOverflow EventKind = 1 << 4
	// KindFailed indicates a fatal or non-fatal failure; the message is
	// carried in the Event's RelativePath field.
	KindFailed EventKind = 1 << 5
)

// Has reports whether every bit in other is set in k.
func (k EventKind) Has(other EventKind) bool {
	return k&other == other
}

// String renders the set bits of k joined by " | ", in declaration order.
func (k EventKind) String() string {
	if k == KindNone {
		return "NONE"
	}
	var names []string
	for _, pair := range []struct {
		bit  EventKind
		name string
	}{
		{KindCreated, "CREATED"},
		{KindChanged, "CHANGED"},
		{KindDeleted, "DELETED"},
		{KindRenamed, "RENAMED"},
		{KindOverflow, "OVERFLOW"},
		{KindFailed, "FAILED"},
	} {
		if k.Has(pair.bit) {
			names = append(names, pair.name)
		}
	}
	return strings.Join(names, " | ")
}

// Event is a single change notification relative to a watch root.
//
// For a FAILED event, RelativePath carries the error message rather than a
// filesystem path; this is the fallback channel described by the design
// (see DESIGN.md's discussion of the dedicated-field open question).
type Event struct {
	// Kind is the bitset of change kinds that this event represents.
	Kind EventKind
	// RelativePath is the path of the change, relative to the watch root.
	// Empty for root-level events. For FAILED events this holds the error
	// message instead.
	RelativePath string
	// At is the time the event was recorded (not necessarily when the
	// underlying filesystem change occurred).
	At time.Time
}

// Batch is an ordered group of events handed to subscribers together,
// typically the result of one coalescer drain.
type Batch []Event

func newEvent(kind EventKind, relativePath string) Event {
	return Event{Kind: kind, RelativePath: relativePath, At: time.Now()}
}
