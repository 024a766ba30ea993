// SPDX-License-Identifier: Apache-2.0

// Package synth generates believable pod telemetry without hardware.
//
// Each virtual pod follows a slow sinusoid around its baseline: cadence
// rises while ground contact time and vertical oscillation fall. Every
// packet is marked DataValid=false so consumers can tell synthetic data
// from a real pod.
package synth

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tedfoley/form-trackers/pkg/podwire"
)

// Battery drain defaults
const (
	DefaultBatteryStart  = 85
	DefaultBatteryFloor  = 15
	DefaultDrainDuration = 10 * time.Minute
	LowBatteryThreshold  = 15
)

// Profile describes one virtual pod.
type Profile struct {
	DeviceID string
	Name     string
	Location string

	BaseCadence      float64
	CadenceVariation float64
	BaseGCT          float64
	GCTVariation     float64
	BaseVertOsc      float64 // mm
	VertOscVariation float64

	SinePeriod time.Duration
}

// DefaultProfiles returns the standard left foot, right foot and waist pods.
func DefaultProfiles() []Profile {
	foot := Profile{
		BaseCadence:      160,
		CadenceVariation: 4,
		BaseGCT:          250,
		GCTVariation:     15,
		BaseVertOsc:      85,
		VertOscVariation: 10,
		SinePeriod:       30 * time.Second,
	}

	left := foot
	left.DeviceID, left.Name, left.Location = "demo-left-foot", "Demo Left Foot", "left_foot"

	right := foot
	right.DeviceID, right.Name, right.Location = "demo-right-foot", "Demo Right Foot", "right_foot"

	waist := foot
	waist.DeviceID, waist.Name, waist.Location = "demo-waist", "Demo Waist", "waist"
	waist.BaseVertOsc, waist.VertOscVariation = 70, 8

	return []Profile{left, right, waist}
}

// Options tune the generator. Zero values select the defaults.
type Options struct {
	RateHz        int
	BatteryStart  uint8
	BatteryFloor  uint8
	DrainDuration time.Duration
	Logger        *zerolog.Logger
	Now           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.RateHz <= 0 {
		o.RateHz = podwire.DefaultStreamRateHz
	}
	if o.BatteryStart == 0 {
		o.BatteryStart = DefaultBatteryStart
	}
	if o.BatteryFloor == 0 {
		o.BatteryFloor = DefaultBatteryFloor
	}
	if o.DrainDuration <= 0 {
		o.DrainDuration = DefaultDrainDuration
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	return o
}

// Reading is one generator step for one pod.
type Reading struct {
	Packet        podwire.FeaturePacket
	Battery       uint8
	ReportBattery bool // once per second of ticks
}

// Sample computes tick n of profile p. elapsed is the wall-clock time since
// the generator started and now drives the stride phase and timestamp.
func Sample(p Profile, tick uint64, now time.Time, elapsed time.Duration, opts Options) Reading {
	opts = opts.withDefaults()

	samplesPerPeriod := float64(opts.RateHz) * p.SinePeriod.Seconds()
	var phase float64
	if samplesPerPeriod > 0 {
		phase = math.Sin(2 * math.Pi * float64(tick) / samplesPerPeriod)
	}

	cadence := math.Round(p.BaseCadence + p.CadenceVariation*phase)
	gct := math.Round(p.BaseGCT - p.GCTVariation*phase)
	vertOsc := math.Round(p.BaseVertOsc - p.VertOscVariation*phase)

	nowMs := now.UnixMilli()
	stride := podwire.StrideStance
	if cadence > 0 {
		stridePeriodMs := int64(math.Round(60000 / cadence))
		stanceMs := int64(math.Round(float64(stridePeriodMs) * 2 / 3))
		if stridePeriodMs > 0 && nowMs%stridePeriodMs >= stanceMs {
			stride = podwire.StrideFlight
		}
	}

	battery := BatteryAt(elapsed, opts)

	return Reading{
		Packet: podwire.FeaturePacket{
			Timestamp:           uint32(nowMs),
			Cadence:             clampU16(cadence),
			GroundContactTime:   clampU16(gct),
			VerticalOscillation: clampU16(vertOsc),
			StridePhase:         stride,
			Flags: podwire.Flags{
				DataValid:  false,
				LowBattery: battery <= LowBatteryThreshold,
				TimeSynced: true,
			},
		},
		Battery:       battery,
		ReportBattery: tick%uint64(opts.RateHz) == 0,
	}
}

// BatteryAt returns the simulated battery level after elapsed: a straight
// line from BatteryStart to BatteryFloor over DrainDuration, then flat.
func BatteryAt(elapsed time.Duration, opts Options) uint8 {
	opts = opts.withDefaults()
	ratio := math.Min(float64(elapsed)/float64(opts.DrainDuration), 1)
	if ratio < 0 {
		ratio = 0
	}
	start, floor := float64(opts.BatteryStart), float64(opts.BatteryFloor)
	return uint8(math.Round(start - (start-floor)*ratio))
}

func clampU16(v float64) uint16 {
	switch {
	case v <= 0:
		return 0
	case v >= math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(v)
}

// Sink receives generator output. Calls for one pod are sequential; calls
// for different pods may run concurrently.
type Sink interface {
	Packet(deviceID string, p podwire.FeaturePacket)
	Battery(deviceID string, level uint8)
}

// Stream is a running generator. Stop halts every virtual pod.
type Stream struct {
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	log      zerolog.Logger
}

// Start launches one ticker per profile. The first sample is emitted one
// interval after Start.
func Start(profiles []Profile, sink Sink, opts Options) *Stream {
	opts = opts.withDefaults()
	s := &Stream{
		done: make(chan struct{}),
		log:  *opts.Logger,
	}

	start := opts.Now()
	interval := time.Second / time.Duration(opts.RateHz)

	for _, p := range profiles {
		s.wg.Add(1)
		go s.run(p, sink, start, interval, opts)
	}

	s.log.Debug().Int("pods", len(profiles)).Int("rate_hz", opts.RateHz).Msg("synthetic stream started")
	return s
}

func (s *Stream) run(p Profile, sink Sink, start time.Time, interval time.Duration, opts Options) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var tick uint64
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		// Stop may have raced the tick.
		select {
		case <-s.done:
			return
		default:
		}

		now := opts.Now()
		r := Sample(p, tick, now, now.Sub(start), opts)
		tick++

		sink.Packet(p.DeviceID, r.Packet)
		if r.ReportBattery {
			sink.Battery(p.DeviceID, r.Battery)
		}
	}
}

// Stop halts all virtual pods and waits for in-flight emissions to finish.
// It is idempotent. It must not be called from inside a Sink callback.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.log.Debug().Msg("synthetic stream stopped")
	})
}

// Done is closed once Stop has been called.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}
