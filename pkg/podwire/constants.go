// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package podwire implements the FormTracker pod wire protocol.
//
// A pod streams a fixed 12-byte feature packet as GATT notifications on the
// feature characteristic and accepts short command frames on the config
// characteristic. Pods on a debug cable, or behind a websocket bridge, carry
// the same GATT operations inside byte-stuffed, CRC-checked link frames
// (see Frame).
package podwire

import "github.com/google/uuid"

// GATT identifiers
var (
	ServiceUUID        = uuid.MustParse("a0e50001-0000-1000-8000-00805f9b34fb")
	ConfigCharUUID     = uuid.MustParse("a0e50002-0000-1000-8000-00805f9b34fb")
	FeatureCharUUID    = uuid.MustParse("a0e50003-0000-1000-8000-00805f9b34fb")
	BatteryCharUUID    = uuid.MustParse("a0e50004-0000-1000-8000-00805f9b34fb")
	DeviceNameCharUUID = uuid.MustParse("a0e50006-0000-1000-8000-00805f9b34fb")
)

// DeviceNamePrefix is the advertised name prefix of every pod.
const DeviceNamePrefix = "FormTracker-"

// Link parameters
const (
	DefaultStreamRateHz = 10
	TransferSize        = 64 // negotiated ATT MTU
)

// Command codes written to the config characteristic
const (
	CmdStartStreaming = 0x01
	CmdStopStreaming  = 0x02
	CmdRequestBattery = 0x03
	CmdTimeSync       = 0x04
)

// Frame sizes
const (
	FeaturePacketSize  = 12
	ControlCommandSize = 4
	TimeSyncSize       = 9
)

// Feature packet flag bits (byte 11)
const (
	FlagDataValid  = 0x01
	FlagLowBattery = 0x02
	FlagIMUError   = 0x04
	FlagTimeSynced = 0x08
)

// Link framing bytes
const (
	StartByte = 0x7E
	EndByte   = 0x7F
	EscByte   = 0x7D
	EscXor    = 0x20
)

// Link frame limits. A frame must fit the negotiated transfer size:
// length + op + char + data + 2 CRC bytes.
const (
	frameOverhead = 5
	MaxFrameData  = TransferSize - frameOverhead
)

// CRC-16-CCITT configuration
const (
	crcPolynomial = 0x1021
	crcInitial    = 0xFFFF
)

// Decoder states (internal)
const (
	stateIdle = iota
	stateLength
	stateOp
	stateChar
	stateData
	stateCRC1
	stateCRC2
	stateEnd
)

// CharCode returns the one-byte short code link frames use for a
// characteristic: the low byte of the first UUID group (0x02 for config,
// 0x03 for feature, and so on).
func CharCode(id uuid.UUID) byte {
	return id[3]
}

// CharByCode maps a link short code back to the characteristic UUID.
func CharByCode(code byte) (uuid.UUID, bool) {
	for _, id := range []uuid.UUID{ConfigCharUUID, FeatureCharUUID, BatteryCharUUID, DeviceNameCharUUID} {
		if CharCode(id) == code {
			return id, true
		}
	}
	return uuid.Nil, false
}
