package jensen

import (
	"fmt"
	"time"
)

// DeviceInfo identifies the connected recorder.
type DeviceInfo struct {
	Serial   string
	Firmware string
	Model    string
}

// CardInfo is the device's storage report, in mebibytes as transmitted.
type CardInfo struct {
	FreeMiB     uint32
	CapacityMiB uint32
}

// UsedMiB is derived; the device never transmits it directly.
func (c CardInfo) UsedMiB() uint32 {
	if c.FreeMiB > c.CapacityMiB {
		return 0
	}
	return c.CapacityMiB - c.FreeMiB
}

// FreePercent returns free space in [0,100]. Some firmware reports a
// zero capacity; that yields 0, never a division by zero.
func (c CardInfo) FreePercent() float64 {
	if c.CapacityMiB == 0 {
		return 0
	}
	return float64(c.FreeMiB) / float64(c.CapacityMiB) * 100
}

// Settings carries the device behavior flags this core understands,
// plus the raw settings block so unknown fields survive a write-back.
type Settings struct {
	AutoRecord bool
	AutoPlay   bool
	Raw        []byte
}

// Settings block layout: 16 bytes, flag bytes at fixed offsets, other
// bytes opaque to this core.
const (
	settingsBlockLen     = 16
	settingsAutoRecordAt = 3
	settingsAutoPlayAt   = 7
)

// DeviceState is the session's cached view of the device, handed to
// device-state listeners on every refresh.
type DeviceState struct {
	Info      DeviceInfo
	Card      CardInfo
	Settings  Settings
	FileCount uint32
}

// ModelNamer is implemented by transports that can name the device
// model from enumeration data (the USB backend derives it from the
// product id).
type ModelNamer interface {
	Model() string
}

// parseDeviceInfo decodes a GET_DEVICE_INFO body: a 4-byte firmware
// version code followed by a 16-byte serial. Short bodies yield
// whatever fields are present.
func parseDeviceInfo(body []byte, model string) DeviceInfo {
	info := DeviceInfo{Model: model}
	if len(body) >= 4 {
		info.Firmware = fmt.Sprintf("%d.%d.%d", body[1], body[2], body[3])
	}
	if len(body) >= 20 {
		info.Serial = printableString(body[4:20])
	}
	return info
}

func printableString(b []byte) string {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c >= 0x20 && c < 0x7f {
			out = append(out, c)
		}
	}
	return string(out)
}

// parseCardInfo decodes a GET_CARD_INFO body: free MiB then capacity
// MiB, both big-endian. Firmware without card support answers with a
// short body; that decodes to a zero-filled CardInfo by design.
func parseCardInfo(body []byte) CardInfo {
	if len(body) < 8 {
		return CardInfo{}
	}
	return CardInfo{
		FreeMiB:     beUint32(body[0:4]),
		CapacityMiB: beUint32(body[4:8]),
	}
}

// parseFileCount decodes a GET_FILE_COUNT body. An empty body means the
// device holds no recordings.
func parseFileCount(body []byte) uint32 {
	if len(body) < 4 {
		return 0
	}
	return beUint32(body[0:4])
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Device clock bodies are 7 BCD bytes: YYYYMMDDHHMMSS.

// encodeDeviceTime packs t for SET_DEVICE_TIME.
func encodeDeviceTime(t time.Time) []byte {
	digits := t.Format("20060102150405")
	out := make([]byte, 7)
	for i := 0; i < 7; i++ {
		hi := digits[2*i] - '0'
		lo := digits[2*i+1] - '0'
		out[i] = hi<<4 | lo
	}
	return out
}

// parseDeviceTime unpacks a GET_DEVICE_TIME body. Malformed BCD yields
// the zero time.
func parseDeviceTime(body []byte) time.Time {
	if len(body) < 7 {
		return time.Time{}
	}
	digits := make([]byte, 0, 14)
	for _, b := range body[:7] {
		hi, lo := b>>4, b&0x0f
		if hi > 9 || lo > 9 {
			return time.Time{}
		}
		digits = append(digits, '0'+hi, '0'+lo)
	}
	t, err := time.ParseInLocation("20060102150405", string(digits), time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}

// parseSettings decodes a GET_SETTINGS body, preserving the raw block.
func parseSettings(body []byte) Settings {
	s := Settings{Raw: append([]byte(nil), body...)}
	if len(body) > settingsAutoRecordAt {
		s.AutoRecord = body[settingsAutoRecordAt] == 1
	}
	if len(body) > settingsAutoPlayAt {
		s.AutoPlay = body[settingsAutoPlayAt] == 1
	}
	return s
}

// encodeSettings builds a SET_SETTINGS body from s, writing the known
// flags over the preserved raw block so opaque fields round-trip.
func encodeSettings(s Settings) []byte {
	body := make([]byte, settingsBlockLen)
	copy(body, s.Raw)
	body[settingsAutoRecordAt] = flagByte(s.AutoRecord)
	body[settingsAutoPlayAt] = flagByte(s.AutoPlay)
	return body
}

func flagByte(b bool) byte {
	if b {
		return 1
	}
	return 2
}
