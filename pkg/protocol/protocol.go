// Package protocol defines the shared types and constants for communication
// between registry clients and the teebroker daemon over an abstract-namespace
// Unix Domain Socket.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultSocketName is the well-known abstract socket name of the registry
// server. It has no filesystem entry.
const DefaultSocketName = "mcdaemon"

// DefaultDebugSocketName is the abstract socket name of the debug service.
const DefaultDebugSocketName = "mcdaemon.debug"

// AuthTokenSize is the exact size of a persisted authentication token
// container.
const AuthTokenSize = 512

// MaxSOContainerSize bounds a single secure-object container.
const MaxSOContainerSize = 512

// Header sizes on the wire.
const (
	CommandHeaderSize  = 8
	ResponseHeaderSize = 12
)

// CommandID identifies a registry command.
type CommandID uint32

// Registry commands. The numbering is part of the wire contract.
const (
	CmdReadToken   CommandID = 0
	CmdStoreToken  CommandID = 1
	CmdDeleteToken CommandID = 2
)

func (c CommandID) String() string {
	switch c {
	case CmdReadToken:
		return "read-token"
	case CmdStoreToken:
		return "store-token"
	case CmdDeleteToken:
		return "delete-token"
	default:
		return fmt.Sprintf("command(%d)", uint32(c))
	}
}

// Result is the signed result code carried in every response header.
type Result int32

// Result codes shared with the TEE client library.
const (
	ResultOK                Result = 0
	ResultOutOfResources    Result = 4
	ResultUnknown           Result = 6
	ResultInvalidOperation  Result = 9
	ResultInvalidDeviceFile Result = 16
	ResultInvalidParameter  Result = 17
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultOutOfResources:
		return "out of resources"
	case ResultUnknown:
		return "unknown error"
	case ResultInvalidOperation:
		return "invalid operation"
	case ResultInvalidDeviceFile:
		return "invalid device file"
	case ResultInvalidParameter:
		return "invalid parameter"
	default:
		return fmt.Sprintf("result(%d)", int32(r))
	}
}

// Error lets a non-OK Result travel as an error value on the client side.
func (r Result) Error() string {
	return "registry: " + r.String()
}

// CommandHeader precedes every request.
// Wire format: [4-byte id][4-byte payload length], host byte order.
type CommandHeader struct {
	ID     CommandID
	Length uint32
}

// ResponseHeader precedes every response. The reserved words are written
// as zero and ignored on read.
// Wire format: [4-byte reserved][4-byte signed result][4-byte reserved]
type ResponseHeader struct {
	Result Result
}

// MarshalBinary encodes the header into its fixed wire form.
func (h CommandHeader) MarshalBinary() ([]byte, error) {
	buf := make([]byte, CommandHeaderSize)
	binary.NativeEndian.PutUint32(buf[0:4], uint32(h.ID))
	binary.NativeEndian.PutUint32(buf[4:8], h.Length)
	return buf, nil
}

// UnmarshalBinary decodes a command header. buf must hold exactly
// CommandHeaderSize bytes.
func (h *CommandHeader) UnmarshalBinary(buf []byte) error {
	if len(buf) != CommandHeaderSize {
		return fmt.Errorf("command header: got %d bytes, want %d", len(buf), CommandHeaderSize)
	}
	h.ID = CommandID(binary.NativeEndian.Uint32(buf[0:4]))
	h.Length = binary.NativeEndian.Uint32(buf[4:8])
	return nil
}

// MarshalBinary encodes the header into its fixed wire form.
func (h ResponseHeader) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ResponseHeaderSize)
	binary.NativeEndian.PutUint32(buf[4:8], uint32(h.Result))
	return buf, nil
}

// UnmarshalBinary decodes a response header. buf must hold exactly
// ResponseHeaderSize bytes.
func (h *ResponseHeader) UnmarshalBinary(buf []byte) error {
	if len(buf) != ResponseHeaderSize {
		return fmt.Errorf("response header: got %d bytes, want %d", len(buf), ResponseHeaderSize)
	}
	h.Result = Result(int32(binary.NativeEndian.Uint32(buf[4:8])))
	return nil
}

// WriteCommand sends a command header followed by its payload.
// The header length is taken from the payload.
func WriteCommand(w io.Writer, id CommandID, payload []byte) error {
	hdr, _ := CommandHeader{ID: id, Length: uint32(len(payload))}.MarshalBinary()

	// Header and payload go out in a single write so the server never sees
	// a header without the bytes it announces.
	msg := append(hdr, payload...)
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	return nil
}

// ReadCommandHeader reads a fixed-size command header.
func ReadCommandHeader(r io.Reader) (CommandHeader, error) {
	var h CommandHeader
	buf := make([]byte, CommandHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return h, fmt.Errorf("read command header: %w", err)
	}
	err := h.UnmarshalBinary(buf)
	return h, err
}

// ReadResponseHeader reads a fixed-size response header.
func ReadResponseHeader(r io.Reader) (ResponseHeader, error) {
	var h ResponseHeader
	buf := make([]byte, ResponseHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return h, fmt.Errorf("read response header: %w", err)
	}
	err := h.UnmarshalBinary(buf)
	return h, err
}
