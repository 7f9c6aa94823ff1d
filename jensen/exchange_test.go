package jensen

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripMatchesBySequence(t *testing.T) {
	dev := newFakeDevice()
	dev.handler = func(f Frame) bool {
		// Answer out of order: a stale frame first, then the real one.
		dev.queue(f.Command, f.Sequence+100, []byte("stale"))
		dev.queue(f.Command, f.Sequence, []byte("fresh"))
		return true
	}
	ex := newExchanger(dev, testLogger())

	f, err := ex.roundTrip(t.Context(), CmdGetFileCount, nil, time.Second)

	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), f.Body)
}

func TestRoundTripSequencesIncrease(t *testing.T) {
	dev := newFakeDevice()
	ex := newExchanger(dev, testLogger())

	for i := 0; i < 3; i++ {
		_, err := ex.roundTrip(t.Context(), CmdGetFileCount, nil, time.Second)
		require.NoError(t, err)
	}

	require.Len(t, dev.sent, 3)
	for i, f := range dev.sent {
		assert.Equal(t, uint32(i), f.Sequence)
	}
}

func TestRoundTripTimeout(t *testing.T) {
	dev := newFakeDevice()
	dev.handler = func(Frame) bool { return true } // swallow everything
	ex := newExchanger(dev, testLogger())

	_, err := ex.roundTrip(t.Context(), CmdGetDeviceInfo, nil, 50*time.Millisecond)

	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	var jerr *Error
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, CmdGetDeviceInfo, jerr.Command)
}

func TestRoundTripCancelled(t *testing.T) {
	dev := newFakeDevice()
	dev.handler = func(Frame) bool { return true }
	ex := newExchanger(dev, testLogger())

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := ex.roundTrip(ctx, CmdGetDeviceInfo, nil, time.Second)

	require.Error(t, err)
	assert.True(t, IsCancelled(err))
}

func TestRoundTripSurvivesGarbage(t *testing.T) {
	dev := newFakeDevice()
	dev.queueRaw([]byte{0x51, 0x00, 0x7e}) // noise ahead of the response
	ex := newExchanger(dev, testLogger())

	f, err := ex.roundTrip(t.Context(), CmdGetFileCount, nil, time.Second)

	require.NoError(t, err)
	assert.Equal(t, CmdGetFileCount, f.Command)
}

func TestRoundTripTransportError(t *testing.T) {
	dev := newFakeDevice()
	dev.fatalErr = newError(KindTransportLost, "read", "device unplugged")
	ex := newExchanger(dev, testLogger())

	_, err := ex.roundTrip(t.Context(), CmdGetFileCount, nil, time.Second)

	require.Error(t, err)
	assert.True(t, IsKind(err, KindTransportLost))
}

func TestExchangerResetRestartsSequence(t *testing.T) {
	dev := newFakeDevice()
	ex := newExchanger(dev, testLogger())

	_, err := ex.roundTrip(t.Context(), CmdGetFileCount, nil, time.Second)
	require.NoError(t, err)

	ex.reset()
	_, err = ex.roundTrip(t.Context(), CmdGetFileCount, nil, time.Second)
	require.NoError(t, err)

	assert.Equal(t, uint32(0), dev.sent[0].Sequence)
	assert.Equal(t, uint32(0), dev.sent[1].Sequence)
}
