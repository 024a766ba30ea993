// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package podwire

import "fmt"

// AnomalyType represents different types of packet anomalies
type AnomalyType int

const (
	AnomalyHighCadence AnomalyType = iota
	AnomalyLongGroundContact
	AnomalyIMUError
	AnomalyMalformed
)

// Plausibility limits for a running stride
const (
	MaxPlausibleCadence           = 250  // steps/min
	MaxPlausibleGroundContactTime = 2000 // ms
)

// ValidationError represents a packet validation failure
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// ValidatePacket flags implausible values in a decoded feature packet.
// Returns an empty slice if the packet looks sane.
func ValidatePacket(p FeaturePacket) []ValidationError {
	errors := []ValidationError{}

	if p.Cadence > MaxPlausibleCadence {
		errors = append(errors, ValidationError{
			Type:    AnomalyHighCadence,
			Message: fmt.Sprintf("Cadence=%d spm (max %d)", p.Cadence, MaxPlausibleCadence),
			Details: map[string]interface{}{"cadence": p.Cadence, "max": MaxPlausibleCadence},
		})
	}

	if p.GroundContactTime > MaxPlausibleGroundContactTime {
		errors = append(errors, ValidationError{
			Type:    AnomalyLongGroundContact,
			Message: fmt.Sprintf("Ground contact=%d ms (max %d)", p.GroundContactTime, MaxPlausibleGroundContactTime),
			Details: map[string]interface{}{"gct": p.GroundContactTime, "max": MaxPlausibleGroundContactTime},
		})
	}

	if p.Flags.IMUError {
		errors = append(errors, ValidationError{
			Type:    AnomalyIMUError,
			Message: "Pod reports IMU error",
		})
	}

	return errors
}
