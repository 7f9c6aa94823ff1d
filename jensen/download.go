package jensen

import (
	"context"
	"io"
	"time"
)

// Download timeout policy, distinct from the generic round-trip policy:
// the device legitimately goes quiet for stretches while seeking flash,
// so single empty reads are tolerated up to a bounded consecutive run;
// an absolute wall-clock deadline, scaled to the expected size, bounds
// the whole transfer independently.
const (
	downloadIdleTolerance = 40 // consecutive empty poll-window reads
	downloadBaseDeadline  = 2 * time.Minute
	downloadMinRate       = 8 * 1024 // bytes/sec assumed for deadline scaling
)

// downloadDeadline returns the absolute time budget for a transfer of
// the given expected size.
func downloadDeadline(size uint32) time.Duration {
	return downloadBaseDeadline + time.Duration(size/downloadMinRate)*time.Second
}

// download issues TRANSFER_FILE for one recording and streams payload
// frames into sink. Success requires exactly size bytes; anything else
// is an integrity failure and the caller must not persist the output.
func (e *exchanger) download(ctx context.Context, name string, size uint32, sink io.Writer, onChunk func(chunk []byte), onProgress func(received, total uint32)) error {
	if _, err := e.post(ctx, CmdTransferFile, []byte(name)); err != nil {
		return err
	}

	deadline := time.Now().Add(downloadDeadline(size))
	var received uint32
	idleReads := 0
	for received < size {
		progressed := false
		for {
			f, ok := e.buf.Next()
			if !ok {
				break
			}
			if f.Command != CmdTransferFile {
				e.log.Warn().Stringer("cmd", f.Command).Uint32("seq", f.Sequence).
					Msg("discarding frame during download")
				continue
			}
			if f.Terminator() {
				return &Error{
					Kind:    KindIntegrity,
					Op:      "download",
					Command: CmdTransferFile,
					Message: "device ended transfer early",
				}
			}
			if _, err := sink.Write(f.Body); err != nil {
				return wrapError(KindIntegrity, "download", err, "sink write failed")
			}
			received += uint32(len(f.Body))
			if onChunk != nil {
				onChunk(f.Body)
			}
			progressed = true
		}
		if progressed {
			idleReads = 0
			if onProgress != nil {
				onProgress(received, size)
			}
			continue
		}

		if time.Now().After(deadline) {
			return newError(KindTimeout, "download",
				"transfer exceeded time budget at %d/%d bytes", received, size)
		}

		n, err := e.fill(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			idleReads++
			if idleReads > downloadIdleTolerance {
				return newError(KindTimeout, "download",
					"device idle too long at %d/%d bytes", received, size)
			}
			select {
			case <-ctx.Done():
				return wrapError(KindCancelled, "download", ctx.Err(), "download cancelled")
			case <-time.After(e.poll):
			}
		}
	}

	if received != size {
		return newError(KindIntegrity, "download",
			"received %d bytes, expected %d", received, size)
	}
	if onProgress != nil {
		onProgress(received, size)
	}
	return nil
}
