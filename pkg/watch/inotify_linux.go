package watch

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// readBufferSize is sized for a burst of inotify records; each record is at
// least unix.SizeofInotifyEvent bytes plus up to NAME_MAX+1 for its name.
const readBufferSize = 64 * (unix.SizeofInotifyEvent + unix.NAME_MAX + 1)

// inotifyHandle is the Linux EventSource implementation: a non-blocking
// inotify file descriptor multiplexed with an eventfd self-pipe through
// epoll, so Close can unblock a ReadBatch call in progress without relying
// on signal-based thread cancellation.
type inotifyHandle struct {
	inotifyFD int
	epollFD   int
	cancelFD  int

	buf []byte
}

// newInotifyHandle creates an armed, non-blocking inotify instance plus its
// epoll/eventfd cancellation plumbing.
func newInotifyHandle() (*inotifyHandle, error) {
	inotifyFD, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("watch: inotify_init1: %w", err)
	}

	epollFD, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		_ = unix.Close(inotifyFD)
		return nil, fmt.Errorf("watch: epoll_create1: %w", err)
	}

	cancelFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epollFD)
		_ = unix.Close(inotifyFD)
		return nil, fmt.Errorf("watch: eventfd: %w", err)
	}

	h := &inotifyHandle{inotifyFD: inotifyFD, epollFD: epollFD, cancelFD: cancelFD, buf: make([]byte, readBufferSize)}

	for _, fd := range [2]int{inotifyFD, cancelFD} {
		event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(epollFD, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
			h.Close()
			return nil, fmt.Errorf("watch: epoll_ctl add fd %d: %w", fd, err)
		}
	}

	return h, nil
}

func (h *inotifyHandle) AddWatch(path string, mask uint32) (int32, error) {
	wd, err := unix.InotifyAddWatch(h.inotifyFD, path, mask)
	if err != nil {
		return 0, err
	}
	return int32(wd), nil
}

func (h *inotifyHandle) RemoveWatch(wd int32) error {
	_, err := unix.InotifyRmWatch(h.inotifyFD, uint32(wd))
	return err
}

func (h *inotifyHandle) Pending() (int, error) {
	return unix.IoctlGetInt(h.inotifyFD, unix.FIONREAD)
}

// ReadBatch waits for the inotify fd or the cancel eventfd to become
// readable, then decodes the records returned by one read into the
// fixed-size buffer; records that do not fit stay queued for the next
// call. Close unblocks a waiting ReadBatch by writing to cancelFD.
func (h *inotifyHandle) ReadBatch() ([]RawRecord, error) {
	events := make([]unix.EpollEvent, 2)
	for {
		n, err := unix.EpollWait(h.epollFD, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("watch: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			if int(events[i].Fd) == h.cancelFD {
				return nil, ErrEventSourceClosed
			}
		}

		records, err := h.readInotifyRecords()
		if err != nil {
			return nil, err
		}
		if len(records) > 0 {
			return records, nil
		}
		// Woken with nothing decodable (e.g. a short, interrupted read); loop.
	}
}

func (h *inotifyHandle) readInotifyRecords() ([]RawRecord, error) {
	n, err := unix.Read(h.inotifyFD, h.buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("watch: read inotify fd: %w", err)
	}
	if n < unix.SizeofInotifyEvent {
		return nil, nil
	}

	var records []RawRecord
	var offset uint32
	for offset <= uint32(n)-unix.SizeofInotifyEvent {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&h.buf[offset]))
		nameLen := uint32(raw.Len)

		var name string
		if nameLen > 0 {
			nameBytes := h.buf[offset+unix.SizeofInotifyEvent : offset+unix.SizeofInotifyEvent+nameLen]
			name = nullTerminatedString(nameBytes)
		}

		records = append(records, RawRecord{
			WD:     raw.Wd,
			Mask:   raw.Mask,
			Cookie: raw.Cookie,
			Name:   name,
		})

		offset += unix.SizeofInotifyEvent + nameLen
	}

	return records, nil
}

func nullTerminatedString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Close releases the inotify and epoll descriptors and wakes any blocked
// ReadBatch call via the cancel eventfd.
func (h *inotifyHandle) Close() error {
	var buf [8]byte
	buf[0] = 1
	_, _ = unix.Write(h.cancelFD, buf[:])

	_ = unix.Close(h.inotifyFD)
	_ = unix.Close(h.epollFD)
	_ = unix.Close(h.cancelFD)
	return nil
}
