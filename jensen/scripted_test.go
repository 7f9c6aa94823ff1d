package jensen

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// testLogger returns a silent logger for exchanger and session tests.
func testLogger() zerolog.Logger { return zerolog.Nop() }

// deviceClock is the time the scripted device reports.
var deviceClock = time.Date(2026, 3, 14, 9, 26, 53, 0, time.Local)

// fakeFile is one recording stored on the scripted device.
type fakeFile struct {
	name    string
	version byte
	data    []byte
}

// fakeDevice is a deterministic Transport double that scripts a whole
// recorder: it decodes frames the client writes and queues the byte
// stream a real device would answer with.
type fakeDevice struct {
	mu      sync.Mutex
	pending []byte
	sent    []Frame // every frame the client wrote, in order

	serial   string
	firmware [3]byte
	freeMiB  uint32
	capMiB   uint32
	files    []fakeFile

	// chunkSize fragments streamed listing/download bodies; 0 keeps one
	// record or whole payload per frame.
	chunkSize int

	// listSuperHeader prepends the 0xFFFF expected-count header to the
	// listing stream.
	listSuperHeader bool

	// handler overrides default behavior per command when set.
	handler func(f Frame) bool // true = handled

	opened   bool
	closed   bool
	fatalErr error

	writeInFlight bool
	overlapped    bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		serial:          "VX123456789ABCDE",
		firmware:        [3]byte{2, 1, 7},
		freeMiB:         1200,
		capMiB:          8192,
		listSuperHeader: true,
	}
}

func (d *fakeDevice) Model() string { return "H1E" }

func (d *fakeDevice) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = true
	d.closed = false
	return nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDevice) Read(ctx context.Context, max int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fatalErr != nil {
		return nil, d.fatalErr
	}
	if len(d.pending) == 0 {
		return nil, nil
	}
	n := len(d.pending)
	if max > 0 && n > max {
		n = max
	}
	out := append([]byte(nil), d.pending[:n]...)
	d.pending = d.pending[n:]
	return out, nil
}

func (d *fakeDevice) Write(ctx context.Context, p []byte) error {
	d.mu.Lock()
	if d.fatalErr != nil {
		d.mu.Unlock()
		return d.fatalErr
	}
	if d.writeInFlight {
		d.overlapped = true
	}
	d.writeInFlight = true
	d.mu.Unlock()

	var buf recvBuffer
	buf.Append(p)
	for {
		f, ok := buf.Next()
		if !ok {
			break
		}
		d.mu.Lock()
		d.sent = append(d.sent, f)
		d.mu.Unlock()
		d.respond(f)
	}

	d.mu.Lock()
	d.writeInFlight = false
	d.mu.Unlock()
	return nil
}

// queue appends a raw response frame to the read stream.
func (d *fakeDevice) queue(cmd Command, seq uint32, body []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, EncodeFrame(cmd, seq, body)...)
}

// queueRaw appends arbitrary bytes (garbage, split frames) to the read
// stream.
func (d *fakeDevice) queueRaw(p []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, p...)
}

// sentCount returns how many frames of the given command the client has
// written so far.
func (d *fakeDevice) sentCount(cmd Command) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, f := range d.sent {
		if f.Command == cmd {
			n++
		}
	}
	return n
}

func (d *fakeDevice) respond(f Frame) {
	if d.handler != nil && d.handler(f) {
		return
	}
	switch f.Command {
	case CmdGetDeviceInfo:
		body := make([]byte, 20)
		copy(body[1:4], d.firmware[:])
		copy(body[4:20], d.serial)
		d.queue(f.Command, f.Sequence, body)
	case CmdGetCardInfo:
		body := make([]byte, 8)
		putBE32(body[0:4], d.freeMiB)
		putBE32(body[4:8], d.capMiB)
		d.queue(f.Command, f.Sequence, body)
	case CmdGetFileCount:
		body := make([]byte, 4)
		putBE32(body, uint32(len(d.files)))
		d.queue(f.Command, f.Sequence, body)
	case CmdGetSettings:
		body := make([]byte, settingsBlockLen)
		body[settingsAutoRecordAt] = 1
		d.queue(f.Command, f.Sequence, body)
	case CmdSetSettings, CmdSetDeviceTime, CmdDeleteFile, CmdFormatCard:
		if f.Command == CmdDeleteFile {
			d.removeFile(string(f.Body))
		}
		d.queue(f.Command, f.Sequence, []byte{0})
	case CmdGetDeviceTime:
		d.queue(f.Command, f.Sequence, encodeDeviceTime(deviceClock))
	case CmdGetFileList:
		d.streamListing(f)
	case CmdTransferFile:
		d.streamFile(f)
	}
}

func (d *fakeDevice) removeFile(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, file := range d.files {
		if file.name == name {
			d.files = append(d.files[:i], d.files[i+1:]...)
			return
		}
	}
}

func (d *fakeDevice) streamListing(req Frame) {
	var stream []byte
	if d.listSuperHeader {
		hdr := make([]byte, 6)
		hdr[0], hdr[1] = 0xff, 0xff
		putBE32(hdr[2:6], uint32(len(d.files)))
		stream = append(stream, hdr...)
	}
	for _, file := range d.files {
		stream = append(stream, encodeListRecord(file.name, file.version, uint32(len(file.data)))...)
	}
	for _, chunk := range splitChunks(stream, d.chunkSize) {
		d.queue(req.Command, req.Sequence, chunk)
	}
	d.queue(req.Command, req.Sequence, nil) // terminator
}

func (d *fakeDevice) streamFile(req Frame) {
	name := string(req.Body)
	for _, file := range d.files {
		if file.name == name {
			for _, chunk := range splitChunks(file.data, d.chunkSize) {
				d.queue(req.Command, req.Sequence, chunk)
			}
			return
		}
	}
	d.queue(req.Command, req.Sequence, nil)
}

// encodeListRecord serializes one listing record in the device wire
// format.
func encodeListRecord(name string, version byte, rawLen uint32) []byte {
	out := make([]byte, 0, recordFixedOverhead+len(name))
	out = append(out, version)
	n := len(name)
	out = append(out, byte(n>>16), byte(n>>8), byte(n))
	out = append(out, name...)
	raw := make([]byte, 4)
	putBE32(raw, rawLen)
	out = append(out, raw...)
	out = append(out, make([]byte, 6)...)
	sig := make([]byte, 16)
	for i := range sig {
		sig[i] = byte(i) ^ version
	}
	out = append(out, sig...)
	return out
}

func splitChunks(p []byte, size int) [][]byte {
	if len(p) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]byte{p}
	}
	var out [][]byte
	for len(p) > size {
		out = append(out, p[:size])
		p = p[size:]
	}
	return append(out, p)
}

func putBE32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
