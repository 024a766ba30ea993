// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package podwire

import (
	"fmt"
	"strings"
	"time"
)

// FormatPacket formats a feature packet as one human-readable line
func FormatPacket(at time.Time, device string, p FeaturePacket) string {
	return fmt.Sprintf("[%s] %s t=%d cadence=%d spm gct=%d ms vo=%.1f cm phase=%s flags=%s",
		at.Format("15:04:05.000"), device, p.Timestamp, p.Cadence, p.GroundContactTime,
		p.VerticalOscillationCM(), p.StridePhase, FormatFlags(p.Flags))
}

// FormatFlags renders the set flags, or "-" when none are set
func FormatFlags(f Flags) string {
	var parts []string
	if f.DataValid {
		parts = append(parts, "VALID")
	}
	if f.LowBattery {
		parts = append(parts, "LOW_BATT")
	}
	if f.IMUError {
		parts = append(parts, "IMU_ERR")
	}
	if f.TimeSynced {
		parts = append(parts, "SYNCED")
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "|")
}

// FormatCommand returns the human-readable name for a command code
func FormatCommand(code uint8) string {
	switch code {
	case CmdStartStreaming:
		return "START_STREAMING"
	case CmdStopStreaming:
		return "STOP_STREAMING"
	case CmdRequestBattery:
		return "REQUEST_BATTERY"
	case CmdTimeSync:
		return "TIME_SYNC"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", code)
	}
}

// FormatCharacteristic names a characteristic by its link short code
func FormatCharacteristic(code byte) string {
	switch code {
	case CharCode(ConfigCharUUID):
		return "config"
	case CharCode(FeatureCharUUID):
		return "feature"
	case CharCode(BatteryCharUUID):
		return "battery"
	case CharCode(DeviceNameCharUUID):
		return "device_name"
	default:
		return fmt.Sprintf("char(0x%02X)", code)
	}
}

// FormatFrame describes a link frame, decoding the payload where the
// characteristic is known.
func FormatFrame(f Frame) string {
	head := fmt.Sprintf("[%s] %s %s len=%d", f.Received.Format("15:04:05.000"), f.Op,
		FormatCharacteristic(f.Char), len(f.Data))

	switch {
	case f.Op == OpNotify && f.Char == CharCode(FeatureCharUUID):
		p, err := DecodeFeaturePacket(f.Data)
		if err != nil {
			return head + " " + err.Error()
		}
		return fmt.Sprintf("%s cadence=%d gct=%d vo=%.1f phase=%s flags=%s", head,
			p.Cadence, p.GroundContactTime, p.VerticalOscillationCM(), p.StridePhase, FormatFlags(p.Flags))

	case f.Op == OpReadResponse && f.Char == CharCode(BatteryCharUUID):
		level, err := DecodeBatteryLevel(f.Data)
		if err != nil {
			return head + " " + err.Error()
		}
		return fmt.Sprintf("%s battery=%d%%", head, level)

	case f.Op == OpReadResponse && f.Char == CharCode(DeviceNameCharUUID):
		return fmt.Sprintf("%s name=%q", head, string(f.Data))

	case f.Op == OpWrite && f.Char == CharCode(ConfigCharUUID):
		cmd, err := DecodeCommand(f.Data)
		if err != nil {
			return head + " " + err.Error()
		}
		if cmd.Code == CmdTimeSync {
			return fmt.Sprintf("%s %s epoch=%d", head, FormatCommand(cmd.Code), cmd.EpochMillis)
		}
		return fmt.Sprintf("%s %s rate=%d", head, FormatCommand(cmd.Code), cmd.RateHz)

	case f.Op == OpWriteAck && len(f.Data) > 0:
		if f.Data[0] == AckOK {
			return head + " ok"
		}
		return fmt.Sprintf("%s failed (0x%02X)", head, f.Data[0])
	}

	return fmt.Sprintf("%s % X", head, f.Data)
}
