// SPDX-License-Identifier: Apache-2.0

package podlink

import (
	"github.com/tedfoley/form-trackers/pkg/podwire"
	"github.com/tedfoley/form-trackers/pkg/synth"
)

// event is a message folded into the session by Manager.apply.
type event interface {
	isEvent()
}

// Pod connection events carry the emitting connection so events from a
// superseded or removed connection can be recognised and dropped.
type (
	podStateChanged struct {
		conn  *PodConnection
		state ConnectionState
	}
	podConnectFailed struct {
		conn *PodConnection
		err  error
	}
	podPacket struct {
		conn   *PodConnection
		packet podwire.FeaturePacket
		err    error
	}
	podBattery struct {
		conn  *PodConnection
		level uint8
	}
	podTimeSynced struct {
		conn *PodConnection
	}
)

// Scan events carry the scan generation they belong to.
type (
	scanResult struct {
		gen uint64
		ad  Advertisement
	}
	scanEnded struct {
		gen uint64
		err error
	}
)

// Demo events carry the stream that produced them.
type (
	demoPacket struct {
		stream *synth.Stream
		id     string
		packet podwire.FeaturePacket
	}
	demoBattery struct {
		stream *synth.Stream
		id     string
		level  uint8
	}
)

func (podStateChanged) isEvent()  {}
func (podConnectFailed) isEvent() {}
func (podPacket) isEvent()        {}
func (podBattery) isEvent()       {}
func (podTimeSynced) isEvent()    {}
func (scanResult) isEvent()       {}
func (scanEnded) isEvent()        {}
func (demoPacket) isEvent()       {}
func (demoBattery) isEvent()      {}
