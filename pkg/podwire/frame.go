// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package podwire

import (
	"fmt"
	"time"
)

// Op is a link frame operation.
type Op uint8

// Link operations. Write, Read are host to pod; the rest are pod to host.
const (
	OpWrite        Op = 0x01
	OpRead         Op = 0x02
	OpReadResponse Op = 0x03
	OpNotify       Op = 0x04
	OpWriteAck     Op = 0x05
)

// Write-ack status bytes
const (
	AckOK     = 0x00
	AckFailed = 0x01
)

func (o Op) String() string {
	switch o {
	case OpWrite:
		return "WRITE"
	case OpRead:
		return "READ"
	case OpReadResponse:
		return "READ_RESPONSE"
	case OpNotify:
		return "NOTIFY"
	case OpWriteAck:
		return "WRITE_ACK"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(o))
	}
}

// Frame is one GATT operation carried over a byte-stream link.
type Frame struct {
	Op   Op
	Char byte // characteristic short code, see CharCode
	Data []byte

	// Received is set by the decoder.
	Received time.Time
}

// EncodeFrame returns the wire form of f:
// START stuff(len op char data crcHi crcLo) END.
func EncodeFrame(f Frame) ([]byte, error) {
	if len(f.Data) > MaxFrameData {
		return nil, fmt.Errorf("frame data too large: %d bytes (max %d)", len(f.Data), MaxFrameData)
	}

	body := make([]byte, 0, 3+len(f.Data)+2)
	body = append(body, byte(len(f.Data)), byte(f.Op), f.Char)
	body = append(body, f.Data...)

	crc := CalculateCRC(body)
	body = append(body, byte(crc>>8), byte(crc&0xFF))

	stuffed := stuffBytes(body)
	out := make([]byte, 0, len(stuffed)+2)
	out = append(out, StartByte)
	out = append(out, stuffed...)
	out = append(out, EndByte)
	return out, nil
}

// stuffBytes escapes START, END and ESC as ESC, b^EscXor.
func stuffBytes(data []byte) []byte {
	result := make([]byte, 0, len(data)*2)
	for _, b := range data {
		if b == StartByte || b == EndByte || b == EscByte {
			result = append(result, EscByte, b^EscXor)
		} else {
			result = append(result, b)
		}
	}
	return result
}

// UnstuffBytes removes byte stuffing. It is the inverse of the stuffing
// EncodeFrame applies between the framing bytes.
func UnstuffBytes(data []byte) ([]byte, error) {
	result := make([]byte, 0, len(data))
	escapeNext := false

	for _, b := range data {
		switch {
		case escapeNext:
			result = append(result, b^EscXor)
			escapeNext = false
		case b == EscByte:
			escapeNext = true
		default:
			result = append(result, b)
		}
	}

	if escapeNext {
		return nil, fmt.Errorf("incomplete escape sequence at end of data")
	}
	return result, nil
}
