package jensen

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, tr Transport, n int) []byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var out []byte
	for len(out) < n {
		require.True(t, time.Now().Before(deadline), "timed out with %d/%d bytes", len(out), n)
		chunk, err := tr.Read(t.Context(), n-len(out))
		require.NoError(t, err)
		out = append(out, chunk...)
	}
	return out
}

func TestPipeTransportReadWrite(t *testing.T) {
	devIn, ourOut := io.Pipe()
	ourIn, devOut := io.Pipe()

	tr := NewPipeTransport(ourIn, ourOut, nil)
	tr.window = 20 * time.Millisecond
	require.NoError(t, tr.Open(t.Context()))

	go func() {
		buf := make([]byte, 5)
		io.ReadFull(devIn, buf)
		devOut.Write(append([]byte("echo:"), buf...))
	}()

	require.NoError(t, tr.Write(t.Context(), []byte("hello")))
	assert.Equal(t, []byte("echo:hello"), readAll(t, tr, 10))
}

func TestPipeTransportEmptyPollWindow(t *testing.T) {
	ourIn, _ := io.Pipe()
	tr := NewPipeTransport(ourIn, io.Discard, nil)
	tr.window = 10 * time.Millisecond
	require.NoError(t, tr.Open(t.Context()))

	data, err := tr.Read(t.Context(), 64)
	require.NoError(t, err, "a quiet stream is not an error")
	assert.Empty(t, data)
}

func TestPipeTransportMaxBounded(t *testing.T) {
	ourIn, devOut := io.Pipe()
	tr := NewPipeTransport(ourIn, io.Discard, nil)
	require.NoError(t, tr.Open(t.Context()))

	go devOut.Write([]byte("abcdefgh"))

	first := readAll(t, tr, 3)
	assert.Equal(t, []byte("abc"), first)
	rest := readAll(t, tr, 5)
	assert.Equal(t, []byte("defgh"), rest)
}

func TestPipeTransportStreamCloseIsFatal(t *testing.T) {
	ourIn, devOut := io.Pipe()
	tr := NewPipeTransport(ourIn, io.Discard, nil)
	tr.window = 10 * time.Millisecond
	require.NoError(t, tr.Open(t.Context()))

	go func() {
		devOut.Write([]byte("last"))
		devOut.Close()
	}()

	assert.Equal(t, []byte("last"), readAll(t, tr, 4))

	var err error
	require.Eventually(t, func() bool {
		_, err = tr.Read(t.Context(), 64)
		return err != nil
	}, time.Second, 5*time.Millisecond)
	assert.True(t, IsFatal(err))
}

func TestPipeTransportReadCancelled(t *testing.T) {
	ourIn, _ := io.Pipe()
	tr := NewPipeTransport(ourIn, io.Discard, nil)
	tr.window = time.Minute
	require.NoError(t, tr.Open(t.Context()))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := tr.Read(ctx, 64)
	require.Error(t, err)
	assert.True(t, IsCancelled(err))
}

func TestPipeTransportReopenAfterStreamLoss(t *testing.T) {
	ourIn, devOut := io.Pipe()
	tr := NewPipeTransport(ourIn, io.Discard, nil)
	tr.window = 10 * time.Millisecond
	require.NoError(t, tr.Open(t.Context()))

	// Remote end hangs up; the pump dies with the stream.
	devOut.Close()
	var err error
	require.Eventually(t, func() bool {
		_, err = tr.Read(t.Context(), 64)
		return err != nil
	}, time.Second, 5*time.Millisecond)
	assert.True(t, IsFatal(err))

	// The reconnect poller reuses the same transport handle. A second
	// Open must start cleanly, not blow up on the dead pump's channels.
	require.NoError(t, tr.Open(t.Context()))
	require.Eventually(t, func() bool {
		_, err = tr.Read(t.Context(), 64)
		return err != nil
	}, time.Second, 5*time.Millisecond)
	assert.True(t, IsFatal(err), "a dead stream stays dead, reported as a failed read")
}

func TestPipeTransportOpenAfterCloseFails(t *testing.T) {
	ourIn, devOut := io.Pipe()
	tr := NewPipeTransport(ourIn, io.Discard, devOut)
	require.NoError(t, tr.Open(t.Context()))
	require.NoError(t, tr.Close())

	err := tr.Open(t.Context())
	require.Error(t, err, "a closed transport cannot be revived")
	assert.True(t, IsFatal(err))
}

func TestPipeTransportOpenWhileRunningIsNoop(t *testing.T) {
	ourIn, devOut := io.Pipe()
	tr := NewPipeTransport(ourIn, io.Discard, nil)
	require.NoError(t, tr.Open(t.Context()))
	require.NoError(t, tr.Open(t.Context()), "opening a live transport is a no-op")

	go devOut.Write([]byte("abc"))
	assert.Equal(t, []byte("abc"), readAll(t, tr, 3), "the original pump keeps feeding reads")
}

func TestPipeTransportCloseStopsBlockedPump(t *testing.T) {
	ourIn, devOut := io.Pipe()
	defer ourIn.Close()
	tr := NewPipeTransport(ourIn, io.Discard, nil)
	require.NoError(t, tr.Open(t.Context()))
	done := tr.done

	// Flood the stream so the pump ends up blocked handing off a chunk
	// nobody reads.
	go func() {
		chunk := make([]byte, 64)
		for i := 0; i < 64; i++ {
			if _, err := devOut.Write(chunk); err != nil {
				return
			}
		}
	}()

	require.NoError(t, tr.Close())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pump did not exit after Close")
	}
}

func TestPipeTransportReadBeforeOpen(t *testing.T) {
	ourIn, _ := io.Pipe()
	tr := NewPipeTransport(ourIn, io.Discard, nil)

	_, err := tr.Read(t.Context(), 64)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestPipeTransportCloseIdempotent(t *testing.T) {
	ourIn, devOut := io.Pipe()
	tr := NewPipeTransport(ourIn, io.Discard, devOut)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
}
