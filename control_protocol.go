// control_protocol.go: Wire format of the control protocol
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Control protocol frames are a little-endian uint32 payload length followed
// by a msgpack document. Every request gets exactly one response frame on the
// same connection.

// MessageType identifies a control message.
type MessageType string

const (
	MsgGetLoadedMods MessageType = "GetLoadedMods"
	MsgLoadMod       MessageType = "LoadMod"
	MsgUnloadMod     MessageType = "UnloadMod"
	MsgSuspendMod    MessageType = "SuspendMod"
	MsgResumeMod     MessageType = "ResumeMod"

	MsgGetLoadedModsResponse    MessageType = "GetLoadedModsResponse"
	MsgAcknowledgement          MessageType = "Acknowledgement"
	MsgGenericExceptionResponse MessageType = "GenericExceptionResponse"
)

// maxControlFrame bounds a single frame.
const maxControlFrame = 1 << 20

// ControlRequest is one request frame.
type ControlRequest struct {
	Type  MessageType `msgpack:"type"`
	ModID string      `msgpack:"mod_id,omitempty"`
}

// ControlResponse is one response frame. Mods is set for
// GetLoadedModsResponse, Message for GenericExceptionResponse.
type ControlResponse struct {
	Type    MessageType `msgpack:"type"`
	Mods    []ModInfo   `msgpack:"mods,omitempty"`
	Message string      `msgpack:"message,omitempty"`
}

func acknowledgement() ControlResponse {
	return ControlResponse{Type: MsgAcknowledgement}
}

func genericException(err error) ControlResponse {
	return ControlResponse{Type: MsgGenericExceptionResponse, Message: err.Error()}
}

// requiresModID reports whether t carries a mod id parameter.
func (t MessageType) requiresModID() bool {
	switch t {
	case MsgLoadMod, MsgUnloadMod, MsgSuspendMod, MsgResumeMod:
		return true
	default:
		return false
	}
}

func writeFrame(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return NewProtocolError("failed to encode control frame", err)
	}
	if len(payload) > maxControlFrame {
		return NewProtocolError(fmt.Sprintf("control frame too large: %d bytes", len(payload)), nil)
	}

	frame := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(frame, uint32(len(payload))) // #nosec G115 -- bounded by maxControlFrame
	copy(frame[4:], payload)
	if _, err := w.Write(frame); err != nil {
		return NewProtocolError("failed to write control frame", err)
	}
	return nil
}

// readFrame decodes one frame into v. A clean EOF before the header is
// returned as io.EOF so callers can tell a closed connection from a broken one.
func readFrame(r io.Reader, v any) error {
	payload, err := readFramePayload(r)
	if err != nil {
		return err
	}
	return decodeFrame(payload, v)
}

// readFramePayload reads one whole frame without decoding it. After a decode
// failure the stream is still positioned at the next frame.
func readFramePayload(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, NewProtocolError("failed to read control frame header", err)
	}

	size := binary.LittleEndian.Uint32(header[:])
	if size > maxControlFrame {
		return nil, NewProtocolError(fmt.Sprintf("control frame too large: %d bytes", size), nil)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, NewProtocolError("failed to read control frame payload", err)
	}
	return payload, nil
}

func decodeFrame(payload []byte, v any) error {
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return NewProtocolError("failed to decode control frame", err)
	}
	return nil
}
