//go:build linux

package fswatcher

import (
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"
)

func init() {
	platformFactory = newInotifyWatcher
}

// watchMask is the set of inotify events the watcher subscribes to on the
// watched directory itself: file created, file deleted, file
// written/closed-after-write, file moved in/out. IN_CLOSE_WRITE (not
// IN_MODIFY) is used to detect writes, since only the file's content once a
// writer has finished with it is relevant.
const watchMask uint32 = syscall.IN_CREATE |
	syscall.IN_DELETE |
	syscall.IN_CLOSE_WRITE |
	syscall.IN_MOVED_TO |
	syscall.IN_MOVED_FROM

// inotifyEventHeaderSize is the fixed-width portion of a raw inotify_event;
// the variable-length Name field follows immediately in the kernel buffer.
const inotifyEventHeaderSize = syscall.SizeofInotifyEvent

// debounceWindow bounds how long the watcher waits after the first raw
// event in a burst before it is safe to say the burst is over and a single
// Changes notification can be emitted.
const debounceWindow = 150 * time.Millisecond

// inotifyWatcher implements Watcher using the Linux inotify subsystem. A
// single watch is registered on the directory itself (not per-file), since
// callers only ever need to know that something in the directory changed,
// never the identity of the changed path.
type inotifyWatcher struct {
	fd int

	changes  chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	closeErr error
	once     sync.Once
}

func newInotifyWatcher(dir string, logger *slog.Logger) (Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fd, err := syscall.InotifyInit1(syscall.IN_NONBLOCK | syscall.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("fswatcher: inotify init: %w", err)
	}

	if _, err := syscall.InotifyAddWatch(fd, dir, watchMask); err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("fswatcher: inotify add watch %q: %w", dir, err)
	}

	w := &inotifyWatcher{
		fd:      fd,
		changes: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	w.wg.Add(1)
	go w.run(logger)

	return w, nil
}

func (w *inotifyWatcher) Changes() <-chan struct{} { return w.changes }

func (w *inotifyWatcher) Close() error {
	w.once.Do(func() {
		close(w.done)
		w.wg.Wait()
		w.closeErr = syscall.Close(w.fd)
	})
	return w.closeErr
}

// run polls the inotify file descriptor and emits a coalesced Changes
// notification for each burst of activity. Every blocking syscall here
// retries transparently on EINTR, so a signal arriving concurrently never
// aborts a scan.
func (w *inotifyWatcher) run(logger *slog.Logger) {
	defer w.wg.Done()

	buf := make([]byte, 4096)
	pfd := []syscall.PollFd{{Fd: int32(w.fd), Events: syscall.POLLIN}}

	for {
		select {
		case <-w.done:
			return
		default:
		}

		n, err := syscall.Poll(pfd, 100)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			select {
			case <-w.done:
				return
			default:
			}
			logger.Error("fswatcher: poll error", slog.Any("error", err))
			return
		}
		if n == 0 {
			continue
		}

		nr, err := syscall.Read(w.fd, buf)
		if err != nil {
			if err == syscall.EINTR || err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
				continue
			}
			select {
			case <-w.done:
				return
			default:
			}
			logger.Error("fswatcher: read error", slog.Any("error", err))
			return
		}
		if nr < inotifyEventHeaderSize {
			continue
		}

		// One or more raw events arrived together; drain any further
		// events that accumulate within the debounce window before
		// emitting a single coalesced notification.
		w.drainDebounced(pfd, buf)
		w.notify()
	}
}

// drainDebounced keeps reading and discarding raw inotify events (their
// content is irrelevant — any event at all means "re-scan") until
// debounceWindow has elapsed since the call began, coalescing a burst into
// the single notification run emits right after this returns. The window is
// fixed, not extended by events that arrive inside it.
func (w *inotifyWatcher) drainDebounced(pfd []syscall.PollFd, buf []byte) {
	deadline := time.Now().Add(debounceWindow)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}

		n, err := syscall.Poll(pfd, int(remaining/time.Millisecond)+1)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			return
		}
		if n == 0 {
			return
		}
		if _, err := syscall.Read(w.fd, buf); err != nil && err != syscall.EINTR && err != syscall.EAGAIN && err != syscall.EWOULDBLOCK {
			return
		}
	}
}

func (w *inotifyWatcher) notify() {
	select {
	case w.changes <- struct{}{}:
	default:
		// A notification is already pending; coalesce.
	}
}
