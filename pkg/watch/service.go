package watch

import (
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/corgile/filewatcher/pkg/logging"
)

// dispatcher translates decoder dispatch calls into tree mutations and
// coalescer enqueues. It is kept as its own type so the decoder can be
// exercised against it without a live kernel handle.
type dispatcher struct {
	tree      *tree
	coalescer *Coalescer
}

func (d *dispatcher) relPath(wd int32, name string) (string, bool) {
	rel, ok := d.tree.getRelPath(wd)
	if !ok {
		return "", false
	}
	return filepath.Join(rel, name), true
}

func (d *dispatcher) emit(kind EventKind, wd int32, name string) {
	path, ok := d.relPath(wd, name)
	if !ok {
		return
	}
	d.coalescer.Enqueue(newEvent(kind, path))
}

func (d *dispatcher) emitCreated(wd int32, name string) { d.emit(KindCreated, wd, name) }
func (d *dispatcher) emitChanged(wd int32, name string) { d.emit(KindChanged, wd, name) }
func (d *dispatcher) emitDeleted(wd int32, name string) { d.emit(KindDeleted, wd, name) }

// emitCreatedDir additionally arms a watch for the new subdirectory before
// emitting the CREATED event for it.
func (d *dispatcher) emitCreatedDir(wd int32, name string, sendInitEvents bool) {
	d.tree.addDirNode(wd, name, sendInitEvents)
	d.emit(KindCreated, wd, name)
}

// emitCreatedOrFile routes a create-shaped record to the directory or plain
// file path depending on isDir.
func (d *dispatcher) emitCreatedOrFile(wd int32, name string, isDir bool, sendInitEvents bool) {
	if isDir {
		d.emitCreatedDir(wd, name, sendInitEvents)
	} else {
		d.emitCreated(wd, name)
	}
}

// deleteDirSelf tears down the node identified by wd itself (its own watch
// having reported IN_DELETE_SELF or an unpaired self-referential move). It
// emits no event of its own: the structural DELETED event was already
// reported by the parent directory's IN_DELETE/IN_MOVED_FROM record, or, for
// IN_MOVE_SELF, by the caller's explicit emitDeleted beforehand.
func (d *dispatcher) deleteDirSelf(wd int32) {
	d.tree.removeDirNodeByWD(wd)
}

// deleteDirByName tears down the child named name under wd without
// emitting an event, used when an unresolved rename flushes.
func (d *dispatcher) deleteDirByName(wd int32, name string) {
	d.tree.removeDirNodeByName(wd, name)
}

// emitOverflow enqueues a single OVERFLOW event at the watch root's own
// relative path (empty). It bypasses the usual watch-descriptor lookup:
// the kernel reports IN_Q_OVERFLOW with no associated watch at all.
func (d *dispatcher) emitOverflow() {
	d.coalescer.Enqueue(newEvent(KindOverflow, ""))
}

// emitMove emits the DELETED|RENAMED / CREATED|RENAMED event pair for a
// plain-file rename. Both endpoints must resolve to a live path, or
// nothing is emitted at all.
func (d *dispatcher) emitMove(wdOld int32, nameOld string, wdNew int32, nameNew string) {
	pathOld, okOld := d.relPath(wdOld, nameOld)
	pathNew, okNew := d.relPath(wdNew, nameNew)
	if !okOld || !okNew {
		return
	}
	d.coalescer.Enqueue(
		newEvent(KindDeleted|KindRenamed, pathOld),
		newEvent(KindCreated|KindRenamed, pathNew),
	)
}

// moveDir emits the same rename event pair as emitMove, then relocates the
// subdirectory's node (and its watch descriptors) to its new parent.
func (d *dispatcher) moveDir(wdOld int32, nameOld string, wdNew int32, nameNew string) {
	d.emitMove(wdOld, nameOld, wdNew, nameNew)
	d.tree.moveDirNode(wdOld, nameOld, wdNew, nameNew)
}

// Config holds a Service's tunable behavior. Use the With* options to
// populate it; the zero Config is never used directly.
type Config struct {
	sendInitEvents bool
	logger         *logging.Logger
}

// Option configures a Service at construction time.
type Option func(*Config)

// WithSendInitEvents controls whether the initial recursive enumeration of
// the watch root synthesizes a CREATED event for every entry found. It
// defaults to true.
func WithSendInitEvents(send bool) Option {
	return func(c *Config) { c.sendInitEvents = send }
}

// WithLogger attaches a logger. Without this option, or with a nil logger,
// the service logs through logging.RootLogger's "watch" sublogger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Config) { c.logger = logger }
}

// Service is the façade over a watch tree, kernel handle, and decoder: it
// owns their full lifecycle and exposes subscription and shutdown.
type Service struct {
	source    EventSource
	tree      *tree
	coalescer *Coalescer
	decoder   *decoder
	registry  *Registry
	filter    *Filter
	logger    *logging.Logger
}

// New builds and starts a Service watching rootPath, coalescing bursts of
// change within latency, and delivering merged batches to callback. Setup
// failures (the inotify handle failing to open, the root path not
// existing, or the root watch itself failing to arm) are fatal: each is
// reported to callback as a FAILED event and also returned as an error.
// Per-child-watch failures during bootstrap are reported as FAILED events
// only.
func New(rootPath string, latency time.Duration, callback SubscriberFunc, opts ...Option) (*Service, error) {
	config := &Config{sendInitEvents: true}
	for _, opt := range opts {
		opt(config)
	}

	logger := config.logger
	if logger == nil {
		logger = logging.RootLogger.Sublogger("watch")
	}

	registry := NewRegistry()
	registry.Register(callback)
	filter := NewFilter(registry)

	source, err := newInotifyHandle()
	if err != nil {
		err = errors.Wrap(err, "unable to create inotify handle")
		filter.SendError(err.Error())
		return nil, err
	}

	t, err := newTree(rootPath, source, filter, config.sendInitEvents)
	if err != nil {
		_ = source.Close()
		return nil, errors.Wrap(err, "unable to arm watch tree")
	}

	coalescer := NewCoalescer(latency, filter)
	coalescer.Start()

	d := newDecoder(source, &dispatcher{tree: t, coalescer: coalescer}, filter, logger)
	d.start()

	logger.Debugf("watch service started for %s", rootPath)

	return &Service{
		source:    source,
		tree:      t,
		coalescer: coalescer,
		decoder:   d,
		registry:  registry,
		filter:    filter,
		logger:    logger,
	}, nil
}

// IsWatching reports whether the service is still actively watching: the
// root node's watch must still be armed and the decode loop still running.
func (s *Service) IsWatching() bool {
	return s.tree.isRootAlive() && s.decoder.isRunning()
}

// Register adds an additional subscriber and returns a handle that can be
// passed to Deregister.
func (s *Service) Register(callback SubscriberFunc) SubscriberHandle {
	return s.registry.Register(callback)
}

// Deregister removes a subscriber previously added via Register.
func (s *Service) Deregister(handle SubscriberHandle) {
	s.registry.Deregister(handle)
}

// Close shuts the service down: the kernel handle is closed first, which
// unblocks and terminates the decode loop; only once the decoder (the
// coalescer's sole producer) has fully stopped does the coalescer's drain
// worker stop. Stopping the coalescer any earlier would let an event the
// still-running decoder enqueues in the gap land in a buffer that's never
// drained again.
func (s *Service) Close() error {
	err := s.source.Close()
	s.decoder.stopAndWait()

	s.coalescer.Stop()

	s.logger.Debugln("watch service stopped")
	return err
}
