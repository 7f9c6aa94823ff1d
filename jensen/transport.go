package jensen

import (
	"context"
	"io"
	"sync"
	"time"
)

// Transport is the byte-stream handle to a device.
//
// Read returns at most max bytes. A read that observes no data within
// the transport's poll window returns an empty slice and a nil error;
// only unrecoverable faults (device unplugged, stream closed) return an
// error. Implementations need not be safe for concurrent use: the
// session layer guarantees a single protocol operation at a time.
type Transport interface {
	// Open claims the underlying device or stream.
	Open(ctx context.Context) error

	// Read reads up to max bytes, returning an empty slice when no data
	// arrived within the poll window.
	Read(ctx context.Context, max int) ([]byte, error)

	// Write sends the full buffer.
	Write(ctx context.Context, p []byte) error

	// Close releases the device or stream.
	Close() error
}

// defaultPollWindow bounds how long a single Read blocks waiting for
// device data before reporting "no data yet".
const defaultPollWindow = 200 * time.Millisecond

// PipeTransport adapts a blocking byte stream (pipes, sockets, process
// stdio) to the Transport interface. A background goroutine pumps the
// reader so Read can observe a bounded poll window even though the
// underlying stream has no read deadline.
type PipeTransport struct {
	r      io.Reader
	w      io.Writer
	closer io.Closer
	window time.Duration

	data chan []byte
	done chan struct{}
	rest []byte

	mu     sync.Mutex
	stop   chan struct{}
	rerr   error
	closed bool
}

// NewPipeTransport creates a transport over the given stream. closer may
// be nil when the caller owns stream teardown.
func NewPipeTransport(r io.Reader, w io.Writer, closer io.Closer) *PipeTransport {
	return &PipeTransport{
		r:      r,
		w:      w,
		closer: closer,
		window: defaultPollWindow,
	}
}

// Open starts the read pump. Reopening after the pump died (remote end
// hung up) starts a fresh pump; the reconnect poller does exactly that.
// A transport that was explicitly Closed stays closed: the underlying
// stream is gone and a new transport must be dialed.
func (t *PipeTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return newError(KindTransportLost, "open", "stream transport closed")
	}
	if t.done != nil {
		select {
		case <-t.done:
			// Previous pump exited; fall through and start a new one.
		default:
			return nil // pump already running
		}
	}
	t.data = make(chan []byte, 16)
	t.done = make(chan struct{})
	t.stop = make(chan struct{})
	t.rest = nil
	t.rerr = nil
	go t.pump(t.data, t.done, t.stop)
	return nil
}

// pump owns the channels it was started with, so a pump that outlives
// its connection can never close or feed a successor's channels.
func (t *PipeTransport) pump(data chan []byte, done, stop chan struct{}) {
	defer close(done)
	for {
		buf := make([]byte, 4096)
		n, err := t.r.Read(buf)
		if n > 0 {
			select {
			case data <- buf[:n]:
			case <-stop:
				return
			}
		}
		if err != nil {
			t.mu.Lock()
			t.rerr = err
			t.mu.Unlock()
			return
		}
		select {
		case <-stop:
			return
		default:
		}
	}
}

// Read returns buffered stream bytes, waiting at most the poll window.
func (t *PipeTransport) Read(ctx context.Context, max int) ([]byte, error) {
	if t.data == nil {
		return nil, newError(KindTransportLost, "read", "stream transport not open")
	}
	if len(t.rest) > 0 {
		return t.take(max), nil
	}

	select {
	case chunk := <-t.data:
		t.rest = chunk
		return t.take(max), nil
	case <-t.done:
		// Drain anything the pump queued before it stopped.
		select {
		case chunk := <-t.data:
			t.rest = chunk
			return t.take(max), nil
		default:
		}
		t.mu.Lock()
		err := t.rerr
		t.mu.Unlock()
		if err == nil || err == io.EOF {
			err = io.ErrClosedPipe
		}
		return nil, wrapError(KindTransportLost, "read", err, "stream closed")
	case <-ctx.Done():
		return nil, wrapError(KindCancelled, "read", ctx.Err(), "read cancelled")
	case <-time.After(t.window):
		return nil, nil
	}
}

func (t *PipeTransport) take(max int) []byte {
	if max <= 0 || max >= len(t.rest) {
		out := t.rest
		t.rest = nil
		return out
	}
	out := t.rest[:max]
	t.rest = t.rest[max:]
	return out
}

// Write sends the full buffer to the stream.
func (t *PipeTransport) Write(ctx context.Context, p []byte) error {
	for len(p) > 0 {
		n, err := t.w.Write(p)
		if err != nil {
			return wrapError(KindTransportLost, "write", err, "stream write failed")
		}
		p = p[n:]
	}
	return nil
}

// Close stops the pump and tears down the underlying stream, if owned.
// A pump blocked inside the reader unblocks when the closer takes the
// stream down with it; with a nil closer it exits at the next read.
func (t *PipeTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	stop := t.stop
	t.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}
