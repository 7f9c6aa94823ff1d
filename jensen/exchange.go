package jensen

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// readChunk is the per-read transfer size requested from the transport.
const readChunk = 4096

// defaultPollInterval is the delay between empty transport reads,
// keeping the wait loops from busy-spinning.
const defaultPollInterval = 10 * time.Millisecond

// exchanger owns the per-connection protocol state: the sequence
// counter and the receive buffer. It correlates responses to requests
// by sequence number and never by arrival order, so duplicated or
// stale frames cannot be misattributed.
type exchanger struct {
	tr   Transport
	buf  recvBuffer
	seq  uint32
	poll time.Duration
	log  zerolog.Logger
}

func newExchanger(tr Transport, log zerolog.Logger) *exchanger {
	return &exchanger{tr: tr, poll: defaultPollInterval, log: log}
}

// reset clears all protocol state. Called on every successful
// (re)connection; sequence ids restart at zero and buffered bytes from
// a prior session are discarded.
func (e *exchanger) reset() {
	e.seq = 0
	e.buf.Reset()
}

// post encodes and writes a command frame, returning the sequence id
// assigned to it. Sequence ids are strictly increasing for the lifetime
// of one connection.
func (e *exchanger) post(ctx context.Context, cmd Command, body []byte) (uint32, error) {
	seq := e.seq
	e.seq++
	e.log.Debug().Stringer("cmd", cmd).Uint32("seq", seq).Int("body", len(body)).Msg("send")
	if err := e.tr.Write(ctx, EncodeFrame(cmd, seq, body)); err != nil {
		return seq, err
	}
	return seq, nil
}

// fill performs one transport read into the receive buffer. It returns
// the number of bytes added; zero means no data arrived within the
// transport's poll window, which is not an error.
func (e *exchanger) fill(ctx context.Context) (int, error) {
	data, err := e.tr.Read(ctx, readChunk)
	if err != nil {
		return 0, err
	}
	e.buf.Append(data)
	return len(data), nil
}

// roundTrip sends a command and waits for the frame whose sequence id
// matches. Frames with any other sequence id belong to a prior timed-out
// exchange; they are logged and dropped.
func (e *exchanger) roundTrip(ctx context.Context, cmd Command, body []byte, timeout time.Duration) (Frame, error) {
	seq, err := e.post(ctx, cmd, body)
	if err != nil {
		return Frame{}, err
	}

	deadline := time.Now().Add(timeout)
	for {
		for {
			f, ok := e.buf.Next()
			if !ok {
				break
			}
			if f.Sequence == seq {
				e.log.Debug().Stringer("cmd", f.Command).Uint32("seq", f.Sequence).
					Int("body", len(f.Body)).Msg("recv")
				return f, nil
			}
			e.log.Warn().Stringer("cmd", f.Command).Uint32("seq", f.Sequence).
				Uint32("want", seq).Msg("discarding stale frame")
		}

		if time.Now().After(deadline) {
			return Frame{}, &Error{
				Kind:     KindTimeout,
				Op:       "roundtrip",
				Command:  cmd,
				Sequence: seq,
				Message:  "no matching response",
			}
		}

		n, err := e.fill(ctx)
		if err != nil {
			return Frame{}, err
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return Frame{}, wrapError(KindCancelled, "roundtrip", ctx.Err(), "wait cancelled")
			case <-time.After(e.poll):
			}
		}
	}
}
