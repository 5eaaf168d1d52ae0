//go:build linux

package watch

import (
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"github.com/corgile/filewatcher/pkg/logging"
)

// pendingRename holds an IN_MOVED_FROM record awaiting its paired
// IN_MOVED_TO. A pairing is valid only while the next record read from the
// kernel carries the same cookie; anything else — a differently-cookied
// record, or the batch running dry with nothing left to read — resolves it
// as an unpaired delete.
type pendingRename struct {
	valid  bool
	cookie uint32
	isDir  bool
	wd     int32
	name   string
}

// decoder turns the raw record stream from an EventSource into tree
// mutations and coalescer enqueues, replaying each record in arrival order
// against the mask-driven dispatch rules below.
type decoder struct {
	source     EventSource
	dispatcher *dispatcher
	filter     *Filter
	logger     *logging.Logger

	pending pendingRename

	started chan struct{}
	done    chan struct{}

	mu      sync.Mutex
	running bool
	runErr  error
}

func newDecoder(source EventSource, d *dispatcher, filter *Filter, logger *logging.Logger) *decoder {
	return &decoder{
		source:     source,
		dispatcher: d,
		logger:     logger,
		filter:     filter,
		started:    make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// start launches the decode loop and blocks until it has begun reading,
// so a caller never races a Close against a loop that hasn't started yet.
func (d *decoder) start() {
	d.mu.Lock()
	d.running = true
	d.mu.Unlock()
	go d.run()
	<-d.started
}

func (d *decoder) isRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// stopAndWait blocks until the decode loop has exited. The loop itself
// exits when the EventSource is closed (by the owning Service) and
// ReadBatch returns ErrEventSourceClosed.
func (d *decoder) stopAndWait() {
	<-d.done
}

func (d *decoder) run() {
	defer close(d.done)
	close(d.started)

	for {
		records, err := d.source.ReadBatch()
		if err != nil {
			d.mu.Lock()
			d.running = false
			d.runErr = err
			d.mu.Unlock()
			if err != ErrEventSourceClosed {
				d.filter.SendError("unable to read inotify: " + err.Error())
			}
			return
		}

		for _, rec := range records {
			d.dispatch(rec)
		}

		if pending, err := d.source.Pending(); err == nil {
			if pending == 0 {
				d.flushPending()
			} else {
				d.logger.Debugf("inotify queue has %s pending after this batch", humanize.Bytes(uint64(pending)))
			}
		}
	}
}

// dispatch classifies one raw record and routes it to the dispatcher. A
// cookie mismatch against a pending rename always wins, regardless of the
// current record's own mask; the remaining cases are mutually exclusive.
func (d *decoder) dispatch(rec RawRecord) {
	// A queue overflow carries no watch descriptor or cookie of its own
	// (the kernel reports it against wd -1) and is independent of any
	// rename pairing in progress, so it's handled before anything else.
	if rec.Mask&unix.IN_Q_OVERFLOW != 0 {
		d.dispatcher.emitOverflow()
		return
	}

	isDirectoryEvent := rec.Mask&unix.IN_ISDIR != 0
	isSelfEvent := rec.Mask&(unix.IN_IGNORED|unix.IN_DELETE_SELF) != 0

	if d.pending.valid && rec.Cookie != d.pending.cookie {
		d.flushPending()
		d.dispatcher.emitCreatedOrFile(rec.WD, rec.Name, isDirectoryEvent, false)
		return
	}

	switch {
	case rec.Mask&(unix.IN_ATTRIB|unix.IN_MODIFY) != 0:
		d.dispatcher.emitChanged(rec.WD, rec.Name)

	case rec.Mask&unix.IN_CREATE != 0:
		d.dispatcher.emitCreatedOrFile(rec.WD, rec.Name, isDirectoryEvent, true)

	case rec.Mask&(unix.IN_DELETE|unix.IN_DELETE_SELF) != 0:
		if isSelfEvent {
			d.dispatcher.deleteDirSelf(rec.WD)
		} else {
			d.dispatcher.emitDeleted(rec.WD, rec.Name)
		}

	case rec.Mask&unix.IN_MOVED_TO != 0:
		if rec.Cookie == 0 {
			d.dispatcher.emitCreatedOrFile(rec.WD, rec.Name, isDirectoryEvent, true)
			return
		}
		d.recordRenameNew(rec, isDirectoryEvent)

	case rec.Mask&unix.IN_MOVED_FROM != 0:
		if rec.Cookie == 0 {
			if isSelfEvent {
				d.dispatcher.deleteDirSelf(rec.WD)
			} else {
				d.dispatcher.emitDeleted(rec.WD, rec.Name)
			}
			return
		}
		d.pending = pendingRename{valid: true, cookie: rec.Cookie, isDir: isDirectoryEvent, wd: rec.WD, name: rec.Name}

	case rec.Mask&unix.IN_MOVE_SELF != 0:
		d.dispatcher.emitDeleted(rec.WD, "")
		d.dispatcher.deleteDirSelf(rec.WD)
	}
}

// recordRenameNew resolves an IN_MOVED_TO record against whatever pending
// rename is on file. With no pending rename, it's really a create (the
// paired IN_MOVED_FROM arrived from outside the watched tree, or was
// already consumed); otherwise it's a move, consuming the pending record.
func (d *decoder) recordRenameNew(rec RawRecord, isDirectoryEvent bool) {
	if !d.pending.valid {
		d.dispatcher.emitCreatedOrFile(rec.WD, rec.Name, isDirectoryEvent, false)
		return
	}

	pending := d.pending
	d.pending = pendingRename{}

	if pending.isDir {
		d.dispatcher.moveDir(pending.wd, pending.name, rec.WD, rec.Name)
	} else {
		d.dispatcher.emitMove(pending.wd, pending.name, rec.WD, rec.Name)
	}
}

// flushPending resolves a still-unpaired rename as a delete. Called both
// when a differently-cookied record arrives (dispatch) and when the kernel
// queue runs dry with a rename still outstanding (run's end-of-batch
// check).
func (d *decoder) flushPending() {
	if !d.pending.valid {
		return
	}
	pending := d.pending
	d.pending = pendingRename{}

	if pending.isDir {
		d.dispatcher.deleteDirByName(pending.wd, pending.name)
	}
	d.dispatcher.emitDeleted(pending.wd, pending.name)
}
