// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package podwire

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Statistics tracks per-pod packet counts and error rates
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalPackets     uint64
	ValidPackets     uint64
	CRCErrors        uint64
	MalformedPackets uint64
	AnomalousValues  uint64
	HighCadence      uint64
	LongContact      uint64
	IMUErrors        uint64

	// Rates (calculated)
	PacketRate float64 // packets/sec
	ErrorRate  float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Update records one received notification. decodeErr is the error from
// DecodeFeaturePacket (or the frame decoder); validationErrors come from
// ValidatePacket.
func (s *Statistics) Update(decodeErr error, validationErrors []ValidationError) {
	s.TotalPackets++
	s.LastUpdateTime = time.Now()

	if decodeErr != nil {
		if errors.Is(decodeErr, ErrCRCMismatch) {
			s.CRCErrors++
		} else {
			s.MalformedPackets++
		}
		return
	}

	if len(validationErrors) == 0 {
		s.ValidPackets++
		return
	}

	for _, err := range validationErrors {
		switch err.Type {
		case AnomalyHighCadence:
			s.HighCadence++
			s.AnomalousValues++
		case AnomalyLongGroundContact:
			s.LongContact++
			s.AnomalousValues++
		case AnomalyIMUError:
			s.IMUErrors++
			s.AnomalousValues++
		case AnomalyMalformed:
			s.MalformedPackets++
		}
	}
}

// CalculateRates calculates packet and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.PacketRate = float64(s.TotalPackets) / elapsed
		s.ErrorRate = float64(s.CRCErrors+s.MalformedPackets+s.AnomalousValues) / elapsed
	}
}

// Snapshot returns a copy with rates filled in.
func (s *Statistics) Snapshot() Statistics {
	s.CalculateRates()
	return *s
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	pct := func(n uint64) float64 {
		if s.TotalPackets == 0 {
			return 0
		}
		return float64(n) * 100.0 / float64(s.TotalPackets)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "=== Statistics (%.0f seconds) ===\n", time.Since(s.StartTime).Seconds())
	fmt.Fprintf(&b, "Total Packets:   %8d\n", s.TotalPackets)
	fmt.Fprintf(&b, "Valid Packets:   %8d (%.1f%%)\n", s.ValidPackets, pct(s.ValidPackets))

	if s.CRCErrors > 0 {
		fmt.Fprintf(&b, "CRC Errors:      %8d (%.1f%%)\n", s.CRCErrors, pct(s.CRCErrors))
	}
	if s.MalformedPackets > 0 {
		fmt.Fprintf(&b, "Malformed Pkts:  %8d (%.1f%%)\n", s.MalformedPackets, pct(s.MalformedPackets))
	}
	if s.AnomalousValues > 0 {
		fmt.Fprintf(&b, "Anomalous Values:%8d (%.1f%%)\n", s.AnomalousValues, pct(s.AnomalousValues))
		if s.HighCadence > 0 {
			fmt.Fprintf(&b, "  High Cadence (>%d): %5d\n", MaxPlausibleCadence, s.HighCadence)
		}
		if s.LongContact > 0 {
			fmt.Fprintf(&b, "  Long Contact (>%dms): %5d\n", MaxPlausibleGroundContactTime, s.LongContact)
		}
		if s.IMUErrors > 0 {
			fmt.Fprintf(&b, "  IMU Errors:          %5d\n", s.IMUErrors)
		}
	}

	fmt.Fprintf(&b, "Packet Rate:     %8.1f pkts/sec\n", s.PacketRate)
	fmt.Fprintf(&b, "Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	b.WriteString("================================\n")
	return b.String()
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
