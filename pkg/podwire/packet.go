// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package podwire

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedPacket is returned when a notification or read payload is too
// short to decode.
var ErrMalformedPacket = errors.New("malformed packet")

// StridePhase reports whether a foot pod is on the ground or airborne.
type StridePhase uint8

// Stride phase codes (byte 10)
const (
	StrideUnknown StridePhase = iota
	StrideStance
	StrideFlight
)

func (s StridePhase) String() string {
	switch s {
	case StrideStance:
		return "stance"
	case StrideFlight:
		return "flight"
	default:
		return "unknown"
	}
}

// Flags are the status bits carried in the last byte of a feature packet.
type Flags struct {
	DataValid  bool
	LowBattery bool
	IMUError   bool
	TimeSynced bool
}

// ParseFlags decodes a flags byte. Bits above bit 3 are ignored.
func ParseFlags(b byte) Flags {
	return Flags{
		DataValid:  b&FlagDataValid != 0,
		LowBattery: b&FlagLowBattery != 0,
		IMUError:   b&FlagIMUError != 0,
		TimeSynced: b&FlagTimeSynced != 0,
	}
}

// Byte encodes the flags.
func (f Flags) Byte() byte {
	var b byte
	if f.DataValid {
		b |= FlagDataValid
	}
	if f.LowBattery {
		b |= FlagLowBattery
	}
	if f.IMUError {
		b |= FlagIMUError
	}
	if f.TimeSynced {
		b |= FlagTimeSynced
	}
	return b
}

// FeaturePacket is one decoded telemetry sample.
type FeaturePacket struct {
	Timestamp           uint32 // pod clock in ms, wraps at 2^32
	Cadence             uint16 // steps per minute
	GroundContactTime   uint16 // ms
	VerticalOscillation uint16 // mm
	StridePhase         StridePhase
	Flags               Flags
}

// VerticalOscillationCM returns the vertical oscillation in centimetres,
// the unit it is displayed in.
func (p FeaturePacket) VerticalOscillationCM() float64 {
	return float64(p.VerticalOscillation) / 10
}

// DecodeFeaturePacket decodes a little-endian feature packet. Bytes past the
// first 12 are ignored.
func DecodeFeaturePacket(data []byte) (FeaturePacket, error) {
	if len(data) < FeaturePacketSize {
		return FeaturePacket{}, fmt.Errorf("%w: feature packet needs %d bytes, got %d",
			ErrMalformedPacket, FeaturePacketSize, len(data))
	}

	phase := StridePhase(data[10])
	if phase > StrideFlight {
		phase = StrideUnknown
	}

	return FeaturePacket{
		Timestamp:           binary.LittleEndian.Uint32(data[0:4]),
		Cadence:             binary.LittleEndian.Uint16(data[4:6]),
		GroundContactTime:   binary.LittleEndian.Uint16(data[6:8]),
		VerticalOscillation: binary.LittleEndian.Uint16(data[8:10]),
		StridePhase:         phase,
		Flags:               ParseFlags(data[11]),
	}, nil
}

// DecodeFeaturePacketBase64 decodes a feature packet delivered as base64, the
// form some GATT bridges forward characteristic values in.
func DecodeFeaturePacketBase64(s string) (FeaturePacket, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return FeaturePacket{}, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	return DecodeFeaturePacket(data)
}

// EncodeFeaturePacket is the inverse of DecodeFeaturePacket. Pods never
// receive feature packets; this exists for the synthetic generator, the link
// test pod and round-trip tests.
func EncodeFeaturePacket(p FeaturePacket) []byte {
	buf := make([]byte, FeaturePacketSize)
	binary.LittleEndian.PutUint32(buf[0:4], p.Timestamp)
	binary.LittleEndian.PutUint16(buf[4:6], p.Cadence)
	binary.LittleEndian.PutUint16(buf[6:8], p.GroundContactTime)
	binary.LittleEndian.PutUint16(buf[8:10], p.VerticalOscillation)
	buf[10] = byte(p.StridePhase)
	buf[11] = p.Flags.Byte()
	return buf
}

// DecodeBatteryLevel returns the battery percentage from a battery read. The
// byte is passed through as-is; values above 100 are not rejected.
func DecodeBatteryLevel(data []byte) (uint8, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("%w: empty battery report", ErrMalformedPacket)
	}
	return data[0], nil
}

// DecodeBatteryLevelBase64 decodes a base64 battery report.
func DecodeBatteryLevelBase64(s string) (uint8, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	return DecodeBatteryLevel(data)
}
