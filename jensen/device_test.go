package jensen

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseDeviceInfo(t *testing.T) {
	body := make([]byte, 20)
	copy(body[0:4], []byte{0, 2, 1, 7})
	copy(body[4:20], "VX123456789ABCDE")

	info := parseDeviceInfo(body, "H1E")

	assert.Equal(t, "2.1.7", info.Firmware)
	assert.Equal(t, "VX123456789ABCDE", info.Serial)
	assert.Equal(t, "H1E", info.Model)
}

func TestParseDeviceInfoShortBody(t *testing.T) {
	info := parseDeviceInfo([]byte{0, 1, 0}, "P1")
	assert.Equal(t, "", info.Firmware)
	assert.Equal(t, "", info.Serial)
	assert.Equal(t, "P1", info.Model)
}

func TestParseDeviceInfoStripsPadding(t *testing.T) {
	body := make([]byte, 20)
	copy(body[4:], "SN42") // remainder is NUL padding

	info := parseDeviceInfo(body, "")
	assert.Equal(t, "SN42", info.Serial)
}

func TestCardInfoDerivedFields(t *testing.T) {
	c := CardInfo{FreeMiB: 1200, CapacityMiB: 8192}
	assert.Equal(t, uint32(6992), c.UsedMiB())
	assert.InDelta(t, 14.648, c.FreePercent(), 0.001)

	zero := CardInfo{}
	assert.Equal(t, float64(0), zero.FreePercent())
	assert.Equal(t, uint32(0), zero.UsedMiB())

	// Firmware occasionally reports free above capacity after a format.
	odd := CardInfo{FreeMiB: 100, CapacityMiB: 50}
	assert.Equal(t, uint32(0), odd.UsedMiB())
}

func TestParseCardInfoShortBody(t *testing.T) {
	assert.Equal(t, CardInfo{}, parseCardInfo([]byte{1, 2, 3}))
}

func TestParseFileCount(t *testing.T) {
	assert.Equal(t, uint32(0), parseFileCount(nil))
	assert.Equal(t, uint32(258), parseFileCount([]byte{0, 0, 1, 2}))
}

func TestDeviceTimeRoundTrip(t *testing.T) {
	when := time.Date(2026, time.March, 14, 9, 26, 53, 0, time.Local)

	body := encodeDeviceTime(when)
	assert.Equal(t, []byte{0x20, 0x26, 0x03, 0x14, 0x09, 0x26, 0x53}, body)
	assert.Equal(t, when, parseDeviceTime(body))
}

func TestParseDeviceTimeMalformed(t *testing.T) {
	assert.True(t, parseDeviceTime([]byte{0x20, 0x26}).IsZero(), "short body")
	assert.True(t, parseDeviceTime([]byte{0xaa, 0x26, 0x03, 0x14, 0x09, 0x26, 0x53}).IsZero(), "non-BCD nibble")
	assert.True(t, parseDeviceTime([]byte{0x20, 0x26, 0x13, 0x14, 0x09, 0x26, 0x53}).IsZero(), "month 13")
}

func TestSettingsRoundTrip(t *testing.T) {
	raw := make([]byte, settingsBlockLen)
	for i := range raw {
		raw[i] = byte(0x40 + i) // opaque firmware bytes
	}
	raw[settingsAutoRecordAt] = 1
	raw[settingsAutoPlayAt] = 2

	s := parseSettings(raw)
	assert.True(t, s.AutoRecord)
	assert.False(t, s.AutoPlay)

	s.AutoPlay = true
	body := encodeSettings(s)
	assert.Equal(t, byte(1), body[settingsAutoRecordAt])
	assert.Equal(t, byte(1), body[settingsAutoPlayAt])
	// Opaque bytes must survive the round trip untouched.
	assert.Equal(t, byte(0x40), body[0])
	assert.Equal(t, byte(0x4f), body[15])
}

func TestModelName(t *testing.T) {
	assert.Equal(t, "H1E", ModelName(0xaf0d))
	assert.Equal(t, "P1", ModelName(0xaf0e))
	assert.Equal(t, "unknown", ModelName(0x1234))
}
