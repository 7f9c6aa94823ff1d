package jensen

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// FileRecord describes one recording stored on the device.
type FileRecord struct {
	// Name is the on-device filename.
	Name string

	// FormatVersion is the recording container version byte.
	FormatVersion uint8

	// RawLength is the stored byte length reported by the device.
	RawLength uint32

	// Signature is the 16-byte content signature from the listing.
	Signature [16]byte

	// DurationSeconds is derived from RawLength and FormatVersion; the
	// device never transmits it. See recordingDuration.
	DurationSeconds int

	// Recorded is the start time parsed from the filename, or the zero
	// time when the name follows no known pattern.
	Recorded time.Time
}

// recordingDuration converts a stored byte length to whole seconds.
//
// The divisors encode per-format sample-rate/channel/bit-depth products
// and must not be changed: downstream duration displays and retention
// policies require byte-identical inputs to yield identical results.
// Rounding is half away from zero on a non-negative value.
func recordingDuration(rawLength uint32, version uint8) int {
	switch version {
	case 2:
		if rawLength <= 44 {
			return 0
		}
		return roundDiv(rawLength-44, 24000)
	case 3:
		if rawLength <= 44 {
			return 0
		}
		return roundDiv(rawLength-44, 12000)
	case 5:
		return roundDiv(rawLength, 3000)
	default: // version 1 and anything unrecognized
		return roundDiv(rawLength, 8000)
	}
}

func roundDiv(n, d uint32) int {
	return int((uint64(n) + uint64(d)/2) / uint64(d))
}

var wordyNamePattern = regexp.MustCompile(`^\d{4}[A-Z][a-z]{2}\d{2}-\d{2}:\d{2}:\d{2}`)
var digitNamePattern = regexp.MustCompile(`^\d{14}`)

// parseRecordingTime extracts the recording start time from a device
// filename. Two generations of firmware name files differently:
// "2025May12-09:23:56-..." and "20250512092356...". Names matching
// neither yield the zero time.
func parseRecordingTime(name string) time.Time {
	if m := wordyNamePattern.FindString(name); m != "" {
		if t, err := time.ParseInLocation("2006Jan02-15:04:05", m, time.Local); err == nil {
			return t
		}
	}
	if m := digitNamePattern.FindString(name); m != "" {
		if t, err := time.ParseInLocation("20060102150405", m, time.Local); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Listing wire format, per record:
//
//	version(1) | nameLen(3, BE) | name | rawLength(4, BE) | skip(6) | signature(16)
//
// The stream may open with a 6-byte super-header, 0xFF 0xFF followed by
// a big-endian expected record count. Both the super-header and any
// record may arrive split across frame boundaries.
const recordFixedOverhead = 1 + 3 + 4 + 6 + 16

// listReconstructor incrementally parses the streamed file listing. It
// keeps a carry buffer of undecoded trailing bytes between frames so
// records fragmented across reads are reassembled exactly.
type listReconstructor struct {
	carry       []byte
	records     []FileRecord
	expected    int
	hasExpected bool
	headerDone  bool
}

// setExpected seeds the expected record count from an external source
// (the device file count) for firmware that omits the super-header.
func (r *listReconstructor) setExpected(n int) {
	if n > 0 {
		r.expected = n
		r.hasExpected = true
	}
}

// feed appends one frame body and parses as many complete records as
// the carry buffer now holds. A trailing partial record stays in the
// carry buffer for the next frame; it is never mis-parsed as a record.
func (r *listReconstructor) feed(body []byte) {
	r.carry = append(r.carry, body...)

	if !r.headerDone {
		if len(r.carry) == 0 {
			return
		}
		if r.carry[0] == 0xff {
			if len(r.carry) < 6 {
				return // possible super-header split across reads
			}
			if r.carry[1] == 0xff {
				n := int(r.carry[2])<<24 | int(r.carry[3])<<16 | int(r.carry[4])<<8 | int(r.carry[5])
				r.expected = n
				r.hasExpected = true
				r.carry = r.carry[6:]
			}
		}
		r.headerDone = true
	}

	for {
		rec, n := parseRecord(r.carry)
		if n == 0 {
			return
		}
		r.records = append(r.records, rec)
		r.carry = r.carry[n:]
	}
}

// complete reports whether every expected record has been parsed.
func (r *listReconstructor) complete() bool {
	return r.hasExpected && len(r.records) >= r.expected
}

// parseRecord decodes one record from the front of buf, returning the
// number of bytes consumed, or 0 when buf holds an incomplete record.
func parseRecord(buf []byte) (FileRecord, int) {
	if len(buf) < 4 {
		return FileRecord{}, 0
	}
	nameLen := int(buf[1])<<16 | int(buf[2])<<8 | int(buf[3])
	total := recordFixedOverhead + nameLen
	if len(buf) < total {
		return FileRecord{}, 0
	}

	name := strings.TrimRight(string(buf[4:4+nameLen]), "\x00")
	rawLength := uint32(buf[4+nameLen])<<24 | uint32(buf[5+nameLen])<<16 |
		uint32(buf[6+nameLen])<<8 | uint32(buf[7+nameLen])

	rec := FileRecord{
		Name:          name,
		FormatVersion: buf[0],
		RawLength:     rawLength,
	}
	copy(rec.Signature[:], buf[4+nameLen+4+6:total])
	rec.DurationSeconds = recordingDuration(rawLength, rec.FormatVersion)
	rec.Recorded = parseRecordingTime(name)
	return rec, total
}

// Listing fetch timeouts. The idle timeout only applies once at least
// one record has been parsed; before that the absolute timeout governs.
const (
	listIdleTimeout = 1500 * time.Millisecond
	listTimeout     = 30 * time.Second
)

// fetchFileList issues GET_FILE_LIST and reconstructs the streamed
// response. expected seeds the stop condition when the firmware omits
// the listing super-header; onProgress, when non-nil, is invoked with
// the running record count after each frame.
func (e *exchanger) fetchFileList(ctx context.Context, expected int, onProgress func(parsed int)) ([]FileRecord, error) {
	if _, err := e.post(ctx, CmdGetFileList, nil); err != nil {
		return nil, err
	}

	var rec listReconstructor
	rec.setExpected(expected)

	start := time.Now()
	lastData := start
	for {
		progressed := false
		for {
			f, ok := e.buf.Next()
			if !ok {
				break
			}
			if f.Command != CmdGetFileList {
				e.log.Warn().Stringer("cmd", f.Command).Uint32("seq", f.Sequence).
					Msg("discarding frame during listing")
				continue
			}
			if f.Terminator() {
				return rec.records, nil
			}
			rec.feed(f.Body)
			progressed = true
		}
		if progressed {
			lastData = time.Now()
			if onProgress != nil {
				onProgress(len(rec.records))
			}
			if rec.complete() {
				return rec.records, nil
			}
		}

		now := time.Now()
		if len(rec.records) > 0 && now.Sub(lastData) > listIdleTimeout {
			// The device went quiet after sending records; treat the
			// listing as complete rather than failing a usable result.
			return rec.records, nil
		}
		if now.Sub(start) > listTimeout {
			return nil, newError(KindTimeout, "list", "listing stalled after %d records", len(rec.records))
		}

		n, err := e.fill(ctx)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return nil, wrapError(KindCancelled, "list", ctx.Err(), "listing cancelled")
			case <-time.After(e.poll):
			}
		}
	}
}
