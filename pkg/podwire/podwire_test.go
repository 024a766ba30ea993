// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package podwire

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

// ============================================================
// Feature Packet Tests
// ============================================================

func TestDecodeFeaturePacket_Layout(t *testing.T) {
	data := []byte{
		0x78, 0x56, 0x34, 0x12, // timestamp
		0xA0, 0x00, // cadence 160
		0xFA, 0x00, // gct 250
		0x55, 0x00, // vo 85 mm
		0x01,       // stance
		0x09,       // dataValid | timeSynced
	}

	p, err := DecodeFeaturePacket(data)
	if err != nil {
		t.Fatalf("DecodeFeaturePacket() error: %v", err)
	}

	if p.Timestamp != 0x12345678 {
		t.Errorf("Timestamp = 0x%08X, want 0x12345678", p.Timestamp)
	}
	if p.Cadence != 160 {
		t.Errorf("Cadence = %d, want 160", p.Cadence)
	}
	if p.GroundContactTime != 250 {
		t.Errorf("GroundContactTime = %d, want 250", p.GroundContactTime)
	}
	if p.VerticalOscillation != 85 {
		t.Errorf("VerticalOscillation = %d, want 85", p.VerticalOscillation)
	}
	if p.VerticalOscillationCM() != 8.5 {
		t.Errorf("VerticalOscillationCM() = %v, want 8.5", p.VerticalOscillationCM())
	}
	if p.StridePhase != StrideStance {
		t.Errorf("StridePhase = %v, want stance", p.StridePhase)
	}
	want := Flags{DataValid: true, TimeSynced: true}
	if p.Flags != want {
		t.Errorf("Flags = %+v, want %+v", p.Flags, want)
	}
}

func TestDecodeFeaturePacket_Flags(t *testing.T) {
	tests := []struct {
		name string
		b    byte
		want Flags
	}{
		{"none", 0x00, Flags{}},
		{"all", 0x0F, Flags{DataValid: true, LowBattery: true, IMUError: true, TimeSynced: true}},
		{"low battery only", 0x02, Flags{LowBattery: true}},
		{"imu error only", 0x04, Flags{IMUError: true}},
		{"high bits ignored", 0xF0, Flags{}},
		{"high bits with valid", 0xF1, Flags{DataValid: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := make([]byte, FeaturePacketSize)
			data[11] = tt.b
			p, err := DecodeFeaturePacket(data)
			if err != nil {
				t.Fatalf("DecodeFeaturePacket() error: %v", err)
			}
			if p.Flags != tt.want {
				t.Errorf("Flags = %+v, want %+v", p.Flags, tt.want)
			}
		})
	}
}

func TestDecodeFeaturePacket_Short(t *testing.T) {
	for n := 0; n < FeaturePacketSize; n++ {
		_, err := DecodeFeaturePacket(make([]byte, n))
		if !errors.Is(err, ErrMalformedPacket) {
			t.Errorf("len %d: error = %v, want ErrMalformedPacket", n, err)
		}
	}
}

func TestDecodeFeaturePacket_TrailingBytesIgnored(t *testing.T) {
	data := append(EncodeFeaturePacket(FeaturePacket{Cadence: 170}), 0xFF, 0xFF)
	p, err := DecodeFeaturePacket(data)
	if err != nil {
		t.Fatalf("DecodeFeaturePacket() error: %v", err)
	}
	if p.Cadence != 170 {
		t.Errorf("Cadence = %d, want 170", p.Cadence)
	}
}

func TestDecodeFeaturePacket_StrideCodes(t *testing.T) {
	tests := []struct {
		code byte
		want StridePhase
	}{
		{0, StrideUnknown},
		{1, StrideStance},
		{2, StrideFlight},
		{3, StrideUnknown},
		{0xFF, StrideUnknown},
	}

	for _, tt := range tests {
		data := make([]byte, FeaturePacketSize)
		data[10] = tt.code
		p, err := DecodeFeaturePacket(data)
		if err != nil {
			t.Fatalf("code %d: %v", tt.code, err)
		}
		if p.StridePhase != tt.want {
			t.Errorf("code %d: StridePhase = %v, want %v", tt.code, p.StridePhase, tt.want)
		}
	}
}

func TestFeaturePacket_RoundTripBoundaries(t *testing.T) {
	tests := []struct {
		name string
		p    FeaturePacket
	}{
		{"zero", FeaturePacket{}},
		{"max timestamp", FeaturePacket{Timestamp: 0xFFFFFFFF}},
		{"max cadence", FeaturePacket{Cadence: 65535}},
		{"max all", FeaturePacket{
			Timestamp:           0xFFFFFFFF,
			Cadence:             65535,
			GroundContactTime:   65535,
			VerticalOscillation: 65535,
			StridePhase:         StrideFlight,
			Flags:               ParseFlags(0x0F),
		}},
		{"stance", FeaturePacket{StridePhase: StrideStance, Flags: Flags{TimeSynced: true}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeFeaturePacket(EncodeFeaturePacket(tt.p))
			if err != nil {
				t.Fatalf("decode error: %v", err)
			}
			if got != tt.p {
				t.Errorf("round trip = %+v, want %+v", got, tt.p)
			}
		})
	}
}

func TestDecodeFeaturePacketBase64(t *testing.T) {
	want := FeaturePacket{Timestamp: 42, Cadence: 162, StridePhase: StrideFlight}
	s := base64.StdEncoding.EncodeToString(EncodeFeaturePacket(want))

	got, err := DecodeFeaturePacketBase64(s)
	if err != nil {
		t.Fatalf("DecodeFeaturePacketBase64() error: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}

	if _, err := DecodeFeaturePacketBase64("not base64!"); !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("bad base64 error = %v, want ErrMalformedPacket", err)
	}
	if _, err := DecodeFeaturePacketBase64(base64.StdEncoding.EncodeToString([]byte{1, 2, 3})); !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("short base64 error = %v, want ErrMalformedPacket", err)
	}
}

func TestDecodeBatteryLevel(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    uint8
		wantErr bool
	}{
		{"typical", []byte{85}, 85, false},
		{"zero", []byte{0}, 0, false},
		{"out of range passes through", []byte{200}, 200, false},
		{"extra bytes ignored", []byte{50, 1, 2}, 50, false},
		{"empty", []byte{}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeBatteryLevel(tt.data)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedPacket) {
					t.Errorf("error = %v, want ErrMalformedPacket", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("level = %d, want %d", got, tt.want)
			}
		})
	}

	level, err := DecodeBatteryLevelBase64(base64.StdEncoding.EncodeToString([]byte{64}))
	if err != nil || level != 64 {
		t.Errorf("DecodeBatteryLevelBase64() = %d, %v; want 64, nil", level, err)
	}
}

// ============================================================
// Identifier Tests
// ============================================================

func TestCharCode(t *testing.T) {
	tests := []struct {
		name string
		code byte
	}{
		{"config", 0x02},
		{"feature", 0x03},
		{"battery", 0x04},
		{"device_name", 0x06},
	}
	ids := []struct{ code byte }{
		{CharCode(ConfigCharUUID)},
		{CharCode(FeatureCharUUID)},
		{CharCode(BatteryCharUUID)},
		{CharCode(DeviceNameCharUUID)},
	}

	for i, tt := range tests {
		if ids[i].code != tt.code {
			t.Errorf("%s: CharCode = 0x%02X, want 0x%02X", tt.name, ids[i].code, tt.code)
		}
		id, ok := CharByCode(tt.code)
		if !ok || CharCode(id) != tt.code {
			t.Errorf("%s: CharByCode(0x%02X) = %v, %v", tt.name, tt.code, id, ok)
		}
	}

	if _, ok := CharByCode(0x01); ok {
		t.Error("CharByCode(0x01) should not resolve (service id, not a characteristic)")
	}
	if ServiceUUID.String() != "a0e50001-0000-1000-8000-00805f9b34fb" {
		t.Errorf("ServiceUUID = %s", ServiceUUID)
	}
}

// ============================================================
// CRC Tests
// ============================================================

func TestCalculateCRC_Empty(t *testing.T) {
	crc := CalculateCRC([]byte{})
	if crc != crcInitial {
		t.Errorf("CRC of empty data should be initial value, got 0x%04X", crc)
	}
}

func TestCalculateCRC_KnownValues(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected uint16
	}{
		{
			name:     "ASCII '123456789'",
			data:     []byte("123456789"),
			expected: 0x29B1, // CRC-16/CCITT-FALSE check value
		},
		{
			name:     "single zero byte",
			data:     []byte{0x00},
			expected: 0xE1F0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			crc := CalculateCRC(tt.data)
			if crc != tt.expected {
				t.Errorf("CRC mismatch: expected 0x%04X, got 0x%04X", tt.expected, crc)
			}
		})
	}
}

// ============================================================
// Frame Tests
// ============================================================

func TestEncodeFrame_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{"empty read", Frame{Op: OpRead, Char: CharCode(BatteryCharUUID)}},
		{"control write", Frame{Op: OpWrite, Char: CharCode(ConfigCharUUID), Data: MustEncodeControlCommand(StartStreaming, 10)}},
		{"time sync", Frame{Op: OpWrite, Char: CharCode(ConfigCharUUID), Data: EncodeTimeSync(1_700_000_000_000)}},
		{"notify with framing bytes", Frame{Op: OpNotify, Char: CharCode(FeatureCharUUID), Data: []byte{
			StartByte, EndByte, EscByte, 0x00, StartByte, StartByte, 0x01, 0x02, 0x03, 0x04, 0x05, EscByte,
		}}},
		{"max size", Frame{Op: OpNotify, Char: 0x03, Data: bytes.Repeat([]byte{EscByte}, MaxFrameData)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire, err := EncodeFrame(tt.frame)
			if err != nil {
				t.Fatalf("EncodeFrame() error: %v", err)
			}
			if wire[0] != StartByte || wire[len(wire)-1] != EndByte {
				t.Fatalf("frame not delimited: % X", wire)
			}
			for i, b := range wire[1 : len(wire)-1] {
				if b == StartByte || b == EndByte {
					t.Fatalf("unescaped framing byte 0x%02X at offset %d", b, i+1)
				}
			}

			frames, err := DecodeAll(wire)
			if err != nil {
				t.Fatalf("DecodeAll() error: %v", err)
			}
			if len(frames) != 1 {
				t.Fatalf("decoded %d frames, want 1", len(frames))
			}
			got := frames[0]
			if got.Op != tt.frame.Op || got.Char != tt.frame.Char || !bytes.Equal(got.Data, tt.frame.Data) {
				t.Errorf("round trip = %v/%02X/% X, want %v/%02X/% X",
					got.Op, got.Char, got.Data, tt.frame.Op, tt.frame.Char, tt.frame.Data)
			}
			if got.Received.IsZero() {
				t.Error("Received timestamp not set")
			}
		})
	}
}

func TestEncodeFrame_TooLarge(t *testing.T) {
	_, err := EncodeFrame(Frame{Op: OpNotify, Data: make([]byte, MaxFrameData+1)})
	if err == nil {
		t.Fatal("expected error for oversized frame")
	}
}

func TestUnstuffBytes(t *testing.T) {
	in := []byte{0x01, StartByte, EndByte, EscByte, 0x02}
	got, err := UnstuffBytes(stuffBytes(in))
	if err != nil {
		t.Fatalf("UnstuffBytes() error: %v", err)
	}
	if !bytes.Equal(got, in) {
		t.Errorf("UnstuffBytes(stuffBytes(x)) = % X, want % X", got, in)
	}

	if _, err := UnstuffBytes([]byte{0x01, EscByte}); err == nil {
		t.Error("expected error for trailing escape")
	}
}

// ============================================================
// Decoder Tests
// ============================================================

func TestDecoder_CRCMismatch(t *testing.T) {
	wire, _ := EncodeFrame(Frame{Op: OpNotify, Char: 0x03, Data: []byte{0x10, 0x20}})
	// corrupt the low CRC byte (second to last before END; no escapes in this frame)
	wire[len(wire)-2] ^= 0x01

	_, err := DecodeAll(wire)
	if !errors.Is(err, ErrCRCMismatch) {
		t.Fatalf("error = %v, want ErrCRCMismatch", err)
	}
	if !strings.Contains(err.Error(), "CRC mismatch") {
		t.Errorf("error text = %q", err.Error())
	}
}

func TestDecoder_InvalidLength(t *testing.T) {
	d := NewDecoder()
	d.DecodeByte(StartByte)
	if _, err := d.DecodeByte(MaxFrameData + 1); err == nil {
		t.Error("expected invalid length error")
	}
}

func TestDecoder_UnexpectedEnd(t *testing.T) {
	d := NewDecoder()
	d.DecodeByte(StartByte)
	d.DecodeByte(0x02)
	if _, err := d.DecodeByte(EndByte); err == nil {
		t.Error("expected error for END before CRC")
	}
}

func TestDecoder_StartByteResetsState(t *testing.T) {
	good, _ := EncodeFrame(Frame{Op: OpReadResponse, Char: 0x04, Data: []byte{77}})

	// Half a frame of garbage, then a valid frame.
	stream := append([]byte{StartByte, 0x05, 0x04, 0x03, 0xAA}, good...)
	frames, err := DecodeAll(stream)
	if err != nil {
		t.Fatalf("DecodeAll() error: %v", err)
	}
	if len(frames) != 1 || frames[0].Data[0] != 77 {
		t.Fatalf("frames = %+v, want one battery frame", frames)
	}
}

func TestDecoder_IgnoresNoiseBetweenFrames(t *testing.T) {
	a, _ := EncodeFrame(Frame{Op: OpWriteAck, Char: 0x02, Data: []byte{AckOK}})
	b, _ := EncodeFrame(Frame{Op: OpWriteAck, Char: 0x02, Data: []byte{AckFailed}})

	stream := append([]byte{0x00, 0x11, EndByte}, a...)
	stream = append(stream, 0x42, 0x43)
	stream = append(stream, b...)

	frames, err := DecodeAll(stream)
	if err != nil {
		t.Fatalf("DecodeAll() error: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("decoded %d frames, want 2", len(frames))
	}
	if frames[0].Data[0] != AckOK || frames[1].Data[0] != AckFailed {
		t.Errorf("ack bytes = %X, %X", frames[0].Data[0], frames[1].Data[0])
	}
}

func TestDecoder_RawBytes(t *testing.T) {
	d := NewDecoder()
	d.DecodeByte(0x55)
	d.DecodeByte(StartByte)
	d.DecodeByte(0x00)
	raw := d.RawBytes()
	if !bytes.Equal(raw, []byte{StartByte, 0x00}) {
		t.Errorf("RawBytes() = % X, want 7E 00", raw)
	}
	d.Reset()
	if len(d.RawBytes()) != 0 {
		t.Error("RawBytes() not cleared by Reset")
	}
}

// ============================================================
// Validator / Statistics Tests
// ============================================================

func TestValidatePacket(t *testing.T) {
	tests := []struct {
		name  string
		p     FeaturePacket
		types []AnomalyType
	}{
		{"sane", FeaturePacket{Cadence: 170, GroundContactTime: 240}, nil},
		{"cadence limit is inclusive", FeaturePacket{Cadence: MaxPlausibleCadence}, nil},
		{"high cadence", FeaturePacket{Cadence: 300}, []AnomalyType{AnomalyHighCadence}},
		{"long contact", FeaturePacket{GroundContactTime: 2500}, []AnomalyType{AnomalyLongGroundContact}},
		{"imu error", FeaturePacket{Flags: Flags{IMUError: true}}, []AnomalyType{AnomalyIMUError}},
		{"everything", FeaturePacket{Cadence: 999, GroundContactTime: 9999, Flags: Flags{IMUError: true}},
			[]AnomalyType{AnomalyHighCadence, AnomalyLongGroundContact, AnomalyIMUError}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := ValidatePacket(tt.p)
			if len(errs) != len(tt.types) {
				t.Fatalf("got %d anomalies (%v), want %d", len(errs), errs, len(tt.types))
			}
			for i, e := range errs {
				if e.Type != tt.types[i] {
					t.Errorf("anomaly %d type = %d, want %d", i, e.Type, tt.types[i])
				}
				if e.Error() == "" {
					t.Errorf("anomaly %d has empty message", i)
				}
			}
		})
	}
}

func TestStatistics_Update(t *testing.T) {
	s := NewStatistics()

	s.Update(nil, nil)
	s.Update(nil, nil)
	s.Update(ErrMalformedPacket, nil)
	s.Update(ErrCRCMismatch, nil)
	s.Update(nil, ValidatePacket(FeaturePacket{Cadence: 400, Flags: Flags{IMUError: true}}))

	if s.TotalPackets != 5 {
		t.Errorf("TotalPackets = %d, want 5", s.TotalPackets)
	}
	if s.ValidPackets != 2 {
		t.Errorf("ValidPackets = %d, want 2", s.ValidPackets)
	}
	if s.MalformedPackets != 1 || s.CRCErrors != 1 {
		t.Errorf("Malformed/CRC = %d/%d, want 1/1", s.MalformedPackets, s.CRCErrors)
	}
	if s.AnomalousValues != 2 || s.HighCadence != 1 || s.IMUErrors != 1 {
		t.Errorf("anomalies = %d (cadence %d, imu %d), want 2 (1, 1)", s.AnomalousValues, s.HighCadence, s.IMUErrors)
	}

	summary := s.String()
	for _, want := range []string{"Total Packets:", "CRC Errors:", "High Cadence", "Packet Rate:"} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q:\n%s", want, summary)
		}
	}

	s.Reset()
	if s.TotalPackets != 0 || s.AnomalousValues != 0 {
		t.Error("Reset() did not clear counters")
	}
}

// ============================================================
// Formatter Tests
// ============================================================

func TestFormatFlags(t *testing.T) {
	if got := FormatFlags(Flags{}); got != "-" {
		t.Errorf("FormatFlags(none) = %q, want -", got)
	}
	if got := FormatFlags(ParseFlags(0x0F)); got != "VALID|LOW_BATT|IMU_ERR|SYNCED" {
		t.Errorf("FormatFlags(all) = %q", got)
	}
}

func TestFormatFrame(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		want  string
	}{
		{"notify", Frame{Op: OpNotify, Char: 0x03, Data: EncodeFeaturePacket(FeaturePacket{Cadence: 160})}, "cadence=160"},
		{"battery", Frame{Op: OpReadResponse, Char: 0x04, Data: []byte{42}}, "battery=42%"},
		{"name", Frame{Op: OpReadResponse, Char: 0x06, Data: []byte("FormTracker-01")}, `name="FormTracker-01"`},
		{"start", Frame{Op: OpWrite, Char: 0x02, Data: MustEncodeControlCommand(StartStreaming, 0)}, "START_STREAMING rate=10"},
		{"sync", Frame{Op: OpWrite, Char: 0x02, Data: EncodeTimeSync(99)}, "TIME_SYNC epoch=99"},
		{"ack", Frame{Op: OpWriteAck, Char: 0x02, Data: []byte{AckOK}}, "WRITE_ACK config len=1 ok"},
		{"short notify", Frame{Op: OpNotify, Char: 0x03, Data: []byte{1}}, "malformed packet"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatFrame(tt.frame)
			if !strings.Contains(got, tt.want) {
				t.Errorf("FormatFrame() = %q, want substring %q", got, tt.want)
			}
		})
	}
}
