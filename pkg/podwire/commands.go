// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package podwire

import (
	"encoding/binary"
	"fmt"
	"time"
)

// CommandKind selects a control command written to the config characteristic.
type CommandKind uint8

// Control commands that share the 4-byte layout. TimeSync has its own
// encoder because it carries an 8-byte payload.
const (
	StartStreaming CommandKind = CmdStartStreaming
	StopStreaming  CommandKind = CmdStopStreaming
	RequestBattery CommandKind = CmdRequestBattery
)

func (k CommandKind) String() string {
	return FormatCommand(uint8(k))
}

// EncodeControlCommand builds a [code, rate, 0, 0] control frame. A zero
// rate selects DefaultStreamRateHz.
func EncodeControlCommand(kind CommandKind, rateHz uint8) ([]byte, error) {
	switch kind {
	case StartStreaming, StopStreaming, RequestBattery:
	default:
		return nil, fmt.Errorf("unknown control command 0x%02X", uint8(kind))
	}

	if rateHz == 0 {
		rateHz = DefaultStreamRateHz
	}

	return []byte{byte(kind), rateHz, 0x00, 0x00}, nil
}

// MustEncodeControlCommand is EncodeControlCommand for the fixed command
// kinds; it panics on an unknown kind.
func MustEncodeControlCommand(kind CommandKind, rateHz uint8) []byte {
	data, err := EncodeControlCommand(kind, rateHz)
	if err != nil {
		panic(fmt.Sprintf("podwire: %v", err))
	}
	return data
}

// EncodeTimeSync builds the 9-byte time-sync frame carrying epochMillis as
// a little-endian uint64.
func EncodeTimeSync(epochMillis uint64) []byte {
	buf := make([]byte, TimeSyncSize)
	buf[0] = CmdTimeSync
	binary.LittleEndian.PutUint64(buf[1:], epochMillis)
	return buf
}

// EpochMillis converts t to the unsigned milliseconds EncodeTimeSync
// carries. Times before 1970 clamp to 0.
func EpochMillis(t time.Time) uint64 {
	ms := t.UnixMilli()
	if ms < 0 {
		return 0
	}
	return uint64(ms)
}

// Command is a decoded config-characteristic write, as seen by a pod.
type Command struct {
	Code        uint8
	RateHz      uint8  // control commands only
	EpochMillis uint64 // time sync only
}

// DecodeCommand parses a config write. The link test pod and the raw
// logger use it; real pods do this in firmware.
func DecodeCommand(data []byte) (Command, error) {
	if len(data) == 0 {
		return Command{}, fmt.Errorf("%w: empty command", ErrMalformedPacket)
	}

	switch data[0] {
	case CmdTimeSync:
		if len(data) < TimeSyncSize {
			return Command{}, fmt.Errorf("%w: time sync needs %d bytes, got %d",
				ErrMalformedPacket, TimeSyncSize, len(data))
		}
		return Command{Code: CmdTimeSync, EpochMillis: binary.LittleEndian.Uint64(data[1:9])}, nil

	case CmdStartStreaming, CmdStopStreaming, CmdRequestBattery:
		if len(data) < ControlCommandSize {
			return Command{}, fmt.Errorf("%w: control command needs %d bytes, got %d",
				ErrMalformedPacket, ControlCommandSize, len(data))
		}
		return Command{Code: data[0], RateHz: data[1]}, nil

	default:
		return Command{}, fmt.Errorf("%w: unknown command 0x%02X", ErrMalformedPacket, data[0])
	}
}
