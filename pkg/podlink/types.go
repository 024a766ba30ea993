// SPDX-License-Identifier: Apache-2.0

// Package podlink manages connections to several FormTracker pods at once.
//
// A Manager owns one PodConnection per device. Each PodConnection runs its
// own state machine (disconnected, connecting, connected, reconnecting) in a
// single goroutine and reports what happens as events; the Manager folds
// those events into a Session under one mutex and publishes snapshots.
package podlink

import (
	"fmt"
	"sort"

	"github.com/tedfoley/form-trackers/pkg/podwire"
)

// ConnectionState is the per-pod link state.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ScanPhase reports whether discovery is running.
type ScanPhase int

const (
	ScanIdle ScanPhase = iota
	Scanning
)

func (p ScanPhase) String() string {
	if p == Scanning {
		return "scanning"
	}
	return "idle"
}

// BodyLocation is where a pod is worn. The zero value means unassigned.
type BodyLocation string

const (
	LocationNone BodyLocation = ""
	LeftFoot     BodyLocation = "left_foot"
	RightFoot    BodyLocation = "right_foot"
	Waist        BodyLocation = "waist"
)

// BodyLocations lists the assignable locations in display order.
var BodyLocations = []BodyLocation{LeftFoot, RightFoot, Waist}

// Valid reports whether l is a known location or LocationNone.
func (l BodyLocation) Valid() bool {
	switch l {
	case LocationNone, LeftFoot, RightFoot, Waist:
		return true
	}
	return false
}

// Label returns a display name.
func (l BodyLocation) Label() string {
	switch l {
	case LeftFoot:
		return "Left Foot"
	case RightFoot:
		return "Right Foot"
	case Waist:
		return "Waist"
	case LocationNone:
		return "Unassigned"
	}
	return string(l)
}

// ParseBodyLocation accepts the wire names (left_foot, ...) and "" / "none".
func ParseBodyLocation(s string) (BodyLocation, error) {
	if s == "none" {
		return LocationNone, nil
	}
	l := BodyLocation(s)
	if !l.Valid() {
		return LocationNone, fmt.Errorf("%w: %q", ErrInvalidLocation, s)
	}
	return l, nil
}

// Handle is the transport's opaque reference to a device.
type Handle any

// Advertisement is one discovery result from a Transport.
type Advertisement struct {
	ID     string
	Name   string
	RSSI   int16 // 0 when unknown
	Handle Handle
}

// ScannedDevice is a discovered pod that can be connected to.
type ScannedDevice struct {
	ID     string
	Name   string
	RSSI   int16
	Handle Handle
}

// PodState is the Manager's view of one pod.
type PodState struct {
	DeviceID     string
	Name         string
	Handle       Handle
	State        ConnectionState
	LatestPacket *podwire.FeaturePacket
	Battery      *uint8
	Location     BodyLocation
	TimeSynced   bool
	Demo         bool
	Stats        podwire.Statistics
}

// PodAssignment is the persisted part of a PodState. The JSON field names
// are shared with the mobile app.
type PodAssignment struct {
	DeviceID     string       `json:"deviceId"`
	DeviceName   string       `json:"deviceName"`
	BodyLocation BodyLocation `json:"bodyLocation"`
}

// Session is a point-in-time copy of the Manager state. Callers may keep
// and read it freely; it is never mutated after being handed out.
type Session struct {
	Phase       ScanPhase
	Scanned     map[string]ScannedDevice
	Pods        map[string]PodState
	Selected    string
	Assignments []PodAssignment
	Demo        bool
	Err         error
}

// ScannedDevices returns the scan results ordered by name, then id.
func (s Session) ScannedDevices() []ScannedDevice {
	out := make([]ScannedDevice, 0, len(s.Scanned))
	for _, d := range s.Scanned {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PodIDs returns the pod ids in sorted order.
func (s Session) PodIDs() []string {
	ids := make([]string, 0, len(s.Pods))
	for id := range s.Pods {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Holder returns the pod holding location l.
func (s Session) Holder(l BodyLocation) (string, bool) {
	if l == LocationNone {
		return "", false
	}
	for id, p := range s.Pods {
		if p.Location == l {
			return id, true
		}
	}
	return "", false
}
