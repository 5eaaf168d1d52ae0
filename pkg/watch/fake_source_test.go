package watch

import "sync"

// fakeEventSource is an in-memory EventSource used to exercise the tree and
// decoder without a real kernel watch. AddWatch/RemoveWatch only track
// bookkeeping; test code pushes RawRecords directly via push to drive the
// decoder's dispatch table.
type fakeEventSource struct {
	mu      sync.Mutex
	nextWD  int32
	watches map[int32]string

	pending int
	records chan []RawRecord
	closed  bool
}

func newFakeEventSource() *fakeEventSource {
	return &fakeEventSource{
		watches: make(map[int32]string),
		records: make(chan []RawRecord, 16),
	}
}

func (f *fakeEventSource) AddWatch(path string, _ uint32) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextWD++
	wd := f.nextWD
	f.watches[wd] = path
	return wd, nil
}

func (f *fakeEventSource) RemoveWatch(wd int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.watches, wd)
	return nil
}

func (f *fakeEventSource) ReadBatch() ([]RawRecord, error) {
	records, ok := <-f.records
	if !ok {
		return nil, ErrEventSourceClosed
	}
	return records, nil
}

func (f *fakeEventSource) Pending() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func (f *fakeEventSource) setPending(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = n
}

// push enqueues one ReadBatch result. It blocks if the internal buffer is
// full, so tests should drain expected effects before pushing many batches.
func (f *fakeEventSource) push(records ...RawRecord) {
	f.records <- records
}

func (f *fakeEventSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.records)
	return nil
}
