// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package podwire

import (
	"errors"
	"fmt"
	"time"
)

// ErrCRCMismatch is returned by the decoder when a frame checksum fails.
var ErrCRCMismatch = errors.New("CRC mismatch")

// Decoder is the link frame decoder state machine. Feed it one byte at a
// time; it is not safe for concurrent use.
type Decoder struct {
	state      int
	body       []byte // unstuffed len..data, CRC input
	length     int
	crc        uint16
	escapeNext bool
	raw        []byte
}

// NewDecoder creates a decoder in the idle state
func NewDecoder() *Decoder {
	return &Decoder{
		state: stateIdle,
		body:  make([]byte, 0, TransferSize),
		raw:   make([]byte, 0, TransferSize*2),
	}
}

// Reset drops any partial frame
func (d *Decoder) Reset() {
	d.state = stateIdle
	d.body = d.body[:0]
	d.length = 0
	d.crc = 0
	d.escapeNext = false
	d.raw = d.raw[:0]
}

// RawBytes returns the wire bytes seen since the last frame boundary.
func (d *Decoder) RawBytes() []byte {
	return d.raw
}

// DecodeByte advances the state machine. It returns a frame when an END byte
// closes a well-formed frame, nil while a frame is incomplete, and an error
// for a broken frame. After an error the decoder is idle and resynchronizes
// on the next START byte.
func (d *Decoder) DecodeByte(b byte) (*Frame, error) {
	// Outside a frame only START matters.
	if d.state == stateIdle && b != StartByte {
		return nil, nil
	}
	d.raw = append(d.raw, b)

	if d.escapeNext {
		d.escapeNext = false
		return d.accept(b ^ EscXor)
	}

	switch b {
	case StartByte:
		d.Reset()
		d.raw = append(d.raw, b)
		d.state = stateLength
		return nil, nil

	case EndByte:
		if d.state != stateEnd {
			state := d.state
			d.Reset()
			return nil, fmt.Errorf("unexpected END byte in state %d", state)
		}
		return d.finish()

	case EscByte:
		d.escapeNext = true
		return nil, nil
	}

	return d.accept(b)
}

func (d *Decoder) accept(b byte) (*Frame, error) {
	switch d.state {
	case stateLength:
		if int(b) > MaxFrameData {
			d.Reset()
			return nil, fmt.Errorf("invalid length: %d (max %d)", b, MaxFrameData)
		}
		d.length = int(b)
		d.body = append(d.body, b)
		d.state = stateOp

	case stateOp:
		d.body = append(d.body, b)
		d.state = stateChar

	case stateChar:
		d.body = append(d.body, b)
		if d.length == 0 {
			d.state = stateCRC1
		} else {
			d.state = stateData
		}

	case stateData:
		d.body = append(d.body, b)
		if len(d.body)-3 >= d.length {
			d.state = stateCRC1
		}

	case stateCRC1:
		d.crc = uint16(b) << 8
		d.state = stateCRC2

	case stateCRC2:
		d.crc |= uint16(b)
		d.state = stateEnd

	case stateEnd:
		d.Reset()
		return nil, fmt.Errorf("frame overrun: expected END byte")

	default:
		d.Reset()
		return nil, fmt.Errorf("invalid state: %d", d.state)
	}
	return nil, nil
}

func (d *Decoder) finish() (*Frame, error) {
	calculated := CalculateCRC(d.body)
	if calculated != d.crc {
		got := d.crc
		d.Reset()
		return nil, fmt.Errorf("%w: expected 0x%04X, got 0x%04X", ErrCRCMismatch, calculated, got)
	}

	f := &Frame{
		Op:       Op(d.body[1]),
		Char:     d.body[2],
		Data:     append([]byte(nil), d.body[3:]...),
		Received: time.Now(),
	}
	d.Reset()
	return f, nil
}

// DecodeAll feeds data through a fresh decoder and returns every complete
// frame. The first decode error is returned alongside the frames decoded
// before it.
func DecodeAll(data []byte) ([]Frame, error) {
	d := NewDecoder()
	var frames []Frame
	for _, b := range data {
		f, err := d.DecodeByte(b)
		if err != nil {
			return frames, err
		}
		if f != nil {
			frames = append(frames, *f)
		}
	}
	return frames, nil
}
