package watch

import "errors"

// RawRecord is one decoded kernel notification record: a watch descriptor,
// an event mask, a rename-pairing cookie, and an optional entry name (empty
// when the event concerns the watched directory itself rather than a
// child).
type RawRecord struct {
	WD     int32
	Mask   uint32
	Cookie uint32
	Name   string
}

// ErrEventSourceClosed is returned by EventSource.ReadBatch once Close has
// been called and no further records will arrive.
var ErrEventSourceClosed = errors.New("watch: event source closed")

// EventSource is the kernel notification interface the decoder consumes.
// It models the inotify family of syscalls: initialize (constructor),
// add_watch, remove_watch, and a blocking read that returns packed records.
// A production implementation targets Linux inotify (see
// inotify_linux.go); the interface exists so the decoder and tree can be
// exercised against a fake source in tests.
type EventSource interface {
	// AddWatch installs a watch on path with the given event mask and
	// returns the kernel-assigned watch descriptor.
	AddWatch(path string, mask uint32) (int32, error)
	// RemoveWatch releases a previously installed watch descriptor.
	RemoveWatch(wd int32) error
	// ReadBatch blocks until at least one record is available, returning
	// ErrEventSourceClosed once Close has been called.
	ReadBatch() ([]RawRecord, error)
	// Pending reports how many bytes are queued but not yet read, used by
	// the decoder's end-of-batch flush check.
	Pending() (int, error)
	// Close releases the underlying kernel handle and unblocks any
	// in-flight ReadBatch call.
	Close() error
}
