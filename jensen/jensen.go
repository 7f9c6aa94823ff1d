// Package jensen implements the Jensen binary framed protocol spoken by
// handheld voice recorders over a bidirectional byte stream, typically a
// pair of USB bulk endpoints.
//
// The package provides the full device communication core: frame
// encoding/decoding, request/response correlation by sequence number,
// streamed file-listing and file-download reconstruction, and a
// connection Session that drives device bring-up, caching and
// auto-reconnect. Transports are pluggable: a real USB backend, an SSH
// bridge to a remotely attached device, or a test double all satisfy the
// same Transport interface.
package jensen

import "fmt"

// Frame sync marker. Every frame on the wire starts with these two bytes.
const (
	SyncByte0 = 0x12
	SyncByte1 = 0x34
)

// headerSize is the fixed frame header length: sync marker, command id,
// sequence id and the combined padding/body-length word.
const headerSize = 12

// Command identifies a Jensen protocol operation.
type Command uint16

// Known device commands.
const (
	CmdGetDeviceInfo Command = 1
	CmdGetDeviceTime Command = 2
	CmdSetDeviceTime Command = 3
	CmdGetFileList   Command = 4
	CmdTransferFile  Command = 5
	CmdGetFileCount  Command = 6
	CmdDeleteFile    Command = 7
	CmdGetSettings   Command = 11
	CmdSetSettings   Command = 12
	CmdGetCardInfo   Command = 16
	CmdFormatCard    Command = 17
)

// commandNames provides human-readable names for logging.
var commandNames = map[Command]string{
	CmdGetDeviceInfo: "GET_DEVICE_INFO",
	CmdGetDeviceTime: "GET_DEVICE_TIME",
	CmdSetDeviceTime: "SET_DEVICE_TIME",
	CmdGetFileList:   "GET_FILE_LIST",
	CmdTransferFile:  "TRANSFER_FILE",
	CmdGetFileCount:  "GET_FILE_COUNT",
	CmdDeleteFile:    "DELETE_FILE",
	CmdGetSettings:   "GET_SETTINGS",
	CmdSetSettings:   "SET_SETTINGS",
	CmdGetCardInfo:   "GET_CARD_INFO",
	CmdFormatCard:    "FORMAT_CARD",
}

// String returns the command mnemonic, or a numeric fallback for
// commands this library does not know about.
func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CMD_%d", uint16(c))
}

// USB identification. A fixed vendor id selects candidate devices; the
// product id picks the model name. Unknown products with a matching
// vendor id are accepted as a best-effort fallback.
const VendorID = 0x10d6

// productModels maps known product ids to marketing model names.
var productModels = map[uint16]string{
	0xaf0c: "H1",
	0xaf0d: "H1E",
	0xaf0e: "P1",
	0xb00d: "H1",
}

// ModelName returns the model for a product id, or "unknown" for
// products not in the known set.
func ModelName(productID uint16) string {
	if m, ok := productModels[productID]; ok {
		return m
	}
	return "unknown"
}
