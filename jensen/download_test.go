package jensen

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadExactSize(t *testing.T) {
	payload := make([]byte, 10_000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	dev := newFakeDevice()
	dev.files = []fakeFile{{name: "20250512092400a.hda", version: 1, data: payload}}
	dev.chunkSize = 333

	ex := newExchanger(dev, testLogger())
	var sink bytes.Buffer
	var last, total uint32
	err := ex.download(t.Context(), "20250512092400a.hda", uint32(len(payload)), &sink,
		nil, func(recv, tot uint32) { last, total = recv, tot })

	require.NoError(t, err)
	assert.Equal(t, payload, sink.Bytes())
	assert.Equal(t, uint32(len(payload)), last)
	assert.Equal(t, uint32(len(payload)), total)
}

func TestDownloadOversizePayloadFailsIntegrity(t *testing.T) {
	dev := newFakeDevice()
	dev.files = []fakeFile{{name: "a.hda", version: 1, data: make([]byte, 600)}}
	dev.chunkSize = 256 // 256+256+88: last chunk overshoots a 500-byte claim

	ex := newExchanger(dev, testLogger())
	var sink bytes.Buffer
	err := ex.download(t.Context(), "a.hda", 500, &sink, nil, nil)

	require.Error(t, err)
	assert.True(t, IsKind(err, KindIntegrity))
}

func TestDownloadEarlyTerminator(t *testing.T) {
	dev := newFakeDevice() // no files: the device answers with a bare terminator

	ex := newExchanger(dev, testLogger())
	var sink bytes.Buffer
	err := ex.download(t.Context(), "missing.hda", 1024, &sink, nil, nil)

	require.Error(t, err)
	assert.True(t, IsKind(err, KindIntegrity))
	assert.Contains(t, err.Error(), "ended transfer early")
}

func TestDownloadIdleDeviceTimesOut(t *testing.T) {
	dev := newFakeDevice()
	dev.handler = func(Frame) bool { return true } // accept request, send nothing

	ex := newExchanger(dev, testLogger())
	ex.poll = time.Millisecond // keep the idle-read budget cheap to exhaust
	var sink bytes.Buffer
	err := ex.download(t.Context(), "a.hda", 1024, &sink, nil, nil)

	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}

func TestDownloadFiltersForeignFrames(t *testing.T) {
	payload := []byte("recorder payload bytes")
	dev := newFakeDevice()
	dev.files = []fakeFile{{name: "a.hda", version: 1, data: payload}}
	dev.queue(CmdGetFileCount, 99, []byte{0, 0, 0, 1}) // leftover from a timed-out exchange

	ex := newExchanger(dev, testLogger())
	var sink bytes.Buffer
	err := ex.download(t.Context(), "a.hda", uint32(len(payload)), &sink, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, payload, sink.Bytes())
}

func TestDownloadChunkCallback(t *testing.T) {
	payload := make([]byte, 1000)
	dev := newFakeDevice()
	dev.files = []fakeFile{{name: "a.hda", version: 1, data: payload}}
	dev.chunkSize = 400

	ex := newExchanger(dev, testLogger())
	var sink bytes.Buffer
	var chunks int
	err := ex.download(t.Context(), "a.hda", 1000, &sink, func([]byte) { chunks++ }, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, chunks)
}

func TestDownloadDeadlineScalesWithSize(t *testing.T) {
	assert.Equal(t, downloadBaseDeadline, downloadDeadline(0))
	assert.Equal(t, downloadBaseDeadline+10*time.Second, downloadDeadline(10*8*1024))
}
