// SPDX-License-Identifier: Apache-2.0

package podlink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tedfoley/form-trackers/pkg/podwire"
	"github.com/tedfoley/form-trackers/pkg/store"
	"github.com/tedfoley/form-trackers/pkg/synth"
)

// Options configure a Manager. Only Transport is needed for real pods;
// zero values select defaults elsewhere.
type Options struct {
	Transport  Transport
	Permission Permission
	Store      store.Store

	RateHz         uint8
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Clock          Clock

	DemoProfiles []synth.Profile
	DemoOptions  synth.Options

	Logger *zerolog.Logger
}

// podEntry is the registry slot for one pod. conn is nil for demo pods.
type podEntry struct {
	state PodState
	conn  *PodConnection
	stats *podwire.Statistics
}

// Manager owns every PodConnection, the discovery scan and the demo
// generator, and folds their events into one Session.
type Manager struct {
	opts Options
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	closed      bool
	phase       ScanPhase
	scanned     map[string]ScannedDevice
	pods        map[string]*podEntry
	selected    string
	assignments []PodAssignment
	demo        bool
	err         error

	scanGen    uint64
	scanCancel context.CancelFunc
	demoStream *synth.Stream

	subs    map[int]chan Session
	nextSub int
}

// NewManager creates a Manager. Call Close to release it.
func NewManager(opts Options) *Manager {
	if opts.Permission == nil {
		opts.Permission = AlwaysGranted{}
	}
	if opts.Store == nil {
		opts.Store = store.NewMemory()
	}
	if opts.RateHz == 0 {
		opts.RateHz = podwire.DefaultStreamRateHz
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.DemoProfiles == nil {
		opts.DemoProfiles = synth.DefaultProfiles()
	}
	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}
	if opts.DemoOptions.Logger == nil {
		opts.DemoOptions.Logger = opts.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:    opts,
		log:     *opts.Logger,
		ctx:     ctx,
		cancel:  cancel,
		scanned: make(map[string]ScannedDevice),
		pods:    make(map[string]*podEntry),
		subs:    make(map[int]chan Session),
	}
}

// ============================================================
// Event fold
// ============================================================

// handle folds one event into the session and publishes a snapshot.
func (m *Manager) handle(ev event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.apply(ev) {
		m.publishLocked()
	}
}

// apply is the only place events mutate the session. It reports whether
// anything changed. Caller holds m.mu.
func (m *Manager) apply(ev event) bool {
	switch ev := ev.(type) {
	case podStateChanged:
		e := m.entryFor(ev.conn)
		if e == nil {
			return false
		}
		e.state.State = ev.state
		if ev.state != Connected {
			e.state.TimeSynced = false
		}

	case podConnectFailed:
		e := m.entryFor(ev.conn)
		if e == nil {
			return false
		}
		m.removeLocked(ev.conn.id)
		m.err = ev.err

	case podPacket:
		e := m.entryFor(ev.conn)
		if e == nil {
			return false
		}
		m.recordPacket(e, ev.packet, ev.err)

	case podBattery:
		e := m.entryFor(ev.conn)
		if e == nil {
			return false
		}
		level := ev.level
		e.state.Battery = &level

	case podTimeSynced:
		e := m.entryFor(ev.conn)
		if e == nil {
			return false
		}
		e.state.TimeSynced = true

	case scanResult:
		if ev.gen != m.scanGen || m.phase != Scanning {
			return false
		}
		m.scanned[ev.ad.ID] = ScannedDevice{
			ID:     ev.ad.ID,
			Name:   ev.ad.Name,
			RSSI:   ev.ad.RSSI,
			Handle: ev.ad.Handle,
		}

	case scanEnded:
		if ev.gen != m.scanGen {
			return false
		}
		m.phase = ScanIdle
		m.scanCancel = nil
		if ev.err != nil && !errors.Is(ev.err, context.Canceled) && !errors.Is(ev.err, context.DeadlineExceeded) {
			m.err = fmt.Errorf("%w: %v", ErrScan, ev.err)
			m.log.Warn().Err(ev.err).Msg("Scan failed")
		}

	case demoPacket:
		if ev.stream != m.demoStream {
			return false
		}
		e := m.pods[ev.id]
		if e == nil || !e.state.Demo {
			return false
		}
		m.recordPacket(e, ev.packet, nil)

	case demoBattery:
		if ev.stream != m.demoStream {
			return false
		}
		e := m.pods[ev.id]
		if e == nil || !e.state.Demo {
			return false
		}
		level := ev.level
		e.state.Battery = &level

	default:
		return false
	}
	return true
}

// entryFor returns the registry entry owned by conn, or nil when conn has
// been superseded or removed.
func (m *Manager) entryFor(conn *PodConnection) *podEntry {
	e := m.pods[conn.id]
	if e == nil || e.conn != conn {
		return nil
	}
	return e
}

func (m *Manager) recordPacket(e *podEntry, p podwire.FeaturePacket, decodeErr error) {
	if decodeErr != nil {
		e.stats.Update(decodeErr, nil)
		return
	}
	e.stats.Update(nil, podwire.ValidatePacket(p))
	e.state.LatestPacket = &p
}

func (m *Manager) removeLocked(id string) {
	delete(m.pods, id)
	if m.selected == id {
		m.selected = ""
	}
}

// ============================================================
// Snapshots
// ============================================================

// Snapshot returns a copy of the current session.
func (m *Manager) Snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Session {
	s := Session{
		Phase:       m.phase,
		Scanned:     make(map[string]ScannedDevice, len(m.scanned)),
		Pods:        make(map[string]PodState, len(m.pods)),
		Selected:    m.selected,
		Assignments: append([]PodAssignment(nil), m.assignments...),
		Demo:        m.demo,
		Err:         m.err,
	}
	for id, d := range m.scanned {
		s.Scanned[id] = d
	}
	for id, e := range m.pods {
		st := e.state
		st.Stats = e.stats.Snapshot()
		s.Pods[id] = st
	}
	return s
}

// Subscribe returns a channel that receives a snapshot after every change.
// A slow reader only ever misses intermediate snapshots, never the latest.
// The channel is closed by cancel or Close.
func (m *Manager) Subscribe() (<-chan Session, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Session, 1)
	if m.closed {
		close(ch)
		return ch, func() {}
	}

	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	ch <- m.snapshotLocked()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

func (m *Manager) publishLocked() {
	if len(m.subs) == 0 {
		return
	}
	snap := m.snapshotLocked()
	for _, ch := range m.subs {
		select {
		case ch <- snap:
		default:
			// Replace the stale snapshot.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// ============================================================
// Scanning
// ============================================================

// StartScan asks for permission, clears previous results and starts
// discovery in the background. Only devices advertising the pod name
// prefix are kept. The scan runs until StopScan, ctx is done, or the
// transport fails.
func (m *Manager) StartScan(ctx context.Context) error {
	if m.opts.Transport == nil {
		return m.failScan(fmt.Errorf("%w: %v", ErrScan, ErrNoTransport))
	}

	granted, err := m.opts.Permission.RequestWirelessPermission(ctx)
	if err != nil {
		return m.failScan(fmt.Errorf("%w: %v", ErrPermissionDenied, err))
	}
	if !granted {
		return m.failScan(ErrPermissionDenied)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.scanCancel != nil {
		m.scanCancel()
	}
	m.scanGen++
	gen := m.scanGen
	scanCtx, cancel := context.WithCancel(ctx)
	m.scanCancel = cancel
	m.scanned = make(map[string]ScannedDevice)
	m.phase = Scanning
	m.err = nil
	m.publishLocked()
	m.mu.Unlock()

	m.log.Debug().Uint64("generation", gen).Msg("Scan started")

	go func() {
		err := m.opts.Transport.Discover(scanCtx, func(ad Advertisement) {
			if scanCtx.Err() != nil || !strings.HasPrefix(ad.Name, podwire.DeviceNamePrefix) {
				return
			}
			m.handle(scanResult{gen: gen, ad: ad})
		})
		cancel()
		m.handle(scanEnded{gen: gen, err: err})
	}()
	return nil
}

func (m *Manager) failScan(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = ScanIdle
	m.err = err
	m.publishLocked()
	return err
}

// StopScan cancels a running scan. It is a no-op when idle.
func (m *Manager) StopScan() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scanCancel == nil && m.phase == ScanIdle {
		return
	}
	if m.scanCancel != nil {
		m.scanCancel()
		m.scanCancel = nil
	}
	m.scanGen++
	m.phase = ScanIdle
	m.publishLocked()
}

// ============================================================
// Connections
// ============================================================

// Connect starts a PodConnection for dev. A connection already registered
// for the same id is superseded: it is stopped and its late events are
// ignored. Connect returns once the attempt has started; progress is
// reported through the session.
func (m *Manager) Connect(ctx context.Context, dev ScannedDevice) error {
	if m.opts.Transport == nil {
		return fmt.Errorf("%w: %v", ErrConnect, ErrNoTransport)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}

	old := m.pods[dev.ID]
	conn := newPodConnection(m.ctx, dev, m.opts.Transport, connConfig{
		rateHz:         m.opts.RateHz,
		initialBackoff: m.opts.InitialBackoff,
		maxBackoff:     m.opts.MaxBackoff,
		clock:          m.opts.Clock,
		logger:         m.log,
	}, m.handle)

	entry := &podEntry{
		state: PodState{
			DeviceID: dev.ID,
			Name:     dev.Name,
			Handle:   dev.Handle,
			State:    Connecting,
		},
		conn:  conn,
		stats: podwire.NewStatistics(),
	}
	if old != nil {
		entry.state.Location = old.state.Location
	}
	m.pods[dev.ID] = entry
	m.publishLocked()
	conn.start()
	m.mu.Unlock()

	if old != nil && old.conn != nil {
		m.log.Debug().Str("device", dev.ID).Msg("Superseding in-flight connection")
		old.conn.Stop(ctx)
	}
	return nil
}

// Disconnect stops the pod's connection and removes it from the session.
// Unknown ids are ignored.
func (m *Manager) Disconnect(ctx context.Context, id string) {
	m.mu.Lock()
	e := m.pods[id]
	if e == nil {
		m.mu.Unlock()
		return
	}
	m.removeLocked(id)
	m.publishLocked()
	m.mu.Unlock()

	if e.conn != nil {
		e.conn.Stop(ctx)
	}
}

// DisconnectAll stops demo mode and every pod, then resets the session to
// its initial state.
func (m *Manager) DisconnectAll(ctx context.Context) {
	m.mu.Lock()
	conns := m.resetLocked()
	m.publishLocked()
	stream := m.demoStream
	m.demoStream = nil
	m.mu.Unlock()

	if stream != nil {
		stream.Stop()
	}
	stopAll(ctx, conns)
}

// resetLocked empties the session and returns the connections that must
// be stopped.
func (m *Manager) resetLocked() []*PodConnection {
	var conns []*PodConnection
	for _, e := range m.pods {
		if e.conn != nil {
			conns = append(conns, e.conn)
		}
	}
	if m.scanCancel != nil {
		m.scanCancel()
		m.scanCancel = nil
	}
	m.scanGen++
	m.phase = ScanIdle
	m.scanned = make(map[string]ScannedDevice)
	m.pods = make(map[string]*podEntry)
	m.selected = ""
	m.assignments = nil
	m.demo = false
	m.err = nil
	return conns
}

func stopAll(ctx context.Context, conns []*PodConnection) {
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *PodConnection) {
			defer wg.Done()
			c.Stop(ctx)
		}(c)
	}
	wg.Wait()
}

// SelectPod marks id as the selected pod; "" clears the selection.
func (m *Manager) SelectPod(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id != "" {
		if _, ok := m.pods[id]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPod, id)
		}
	}
	m.selected = id
	m.publishLocked()
	return nil
}

// ClearError drops the session-level error.
func (m *Manager) ClearError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		m.err = nil
		m.publishLocked()
	}
}

// ============================================================
// Demo mode
// ============================================================

// demoSink forwards generator output into the event fold.
type demoSink struct {
	m      *Manager
	stream *synth.Stream
	ready  chan struct{}
}

func (s *demoSink) Packet(id string, p podwire.FeaturePacket) {
	<-s.ready
	s.m.handle(demoPacket{stream: s.stream, id: id, packet: p})
}

func (s *demoSink) Battery(id string, level uint8) {
	<-s.ready
	s.m.handle(demoBattery{stream: s.stream, id: id, level: level})
}

// StartDemo registers the virtual pods as connected and starts the
// synthetic generator. The first virtual pod is selected. Calling it while
// demo mode is active does nothing.
func (m *Manager) StartDemo() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.demoStream != nil {
		return nil
	}

	start := m.opts.DemoOptions.BatteryStart
	if start == 0 {
		start = synth.DefaultBatteryStart
	}

	profiles := m.opts.DemoProfiles
	for _, p := range profiles {
		level := start
		loc := BodyLocation(p.Location)
		if !loc.Valid() {
			loc = LocationNone
		}
		if loc != LocationNone {
			for _, e := range m.pods {
				if e.state.Location == loc {
					e.state.Location = LocationNone
				}
			}
		}
		m.pods[p.DeviceID] = &podEntry{
			state: PodState{
				DeviceID:   p.DeviceID,
				Name:       p.Name,
				State:      Connected,
				Battery:    &level,
				Location:   loc,
				TimeSynced: true,
				Demo:       true,
			},
			stats: podwire.NewStatistics(),
		}
	}
	if len(profiles) > 0 {
		m.selected = profiles[0].DeviceID
	}
	m.demo = true

	sink := &demoSink{m: m, ready: make(chan struct{})}
	sink.stream = synth.Start(profiles, sink, m.opts.DemoOptions)
	close(sink.ready)
	m.demoStream = sink.stream

	m.log.Info().Int("pods", len(profiles)).Msg("Demo mode started")
	m.publishLocked()
	return nil
}

// StopDemo halts the generator and resets the session: every pod, real or
// virtual, is dropped and real connections are stopped. No demo packet is
// folded after StopDemo returns.
func (m *Manager) StopDemo() {
	m.mu.Lock()
	stream := m.demoStream
	m.demoStream = nil
	conns := m.resetLocked()
	m.publishLocked()
	m.mu.Unlock()

	if stream != nil {
		stream.Stop()
		m.log.Info().Msg("Demo mode stopped")
	}
	stopAll(context.Background(), conns)
}

// ============================================================
// Shutdown
// ============================================================

// Close stops the scan, the demo generator and every pod, and closes all
// subscriber channels. The Manager is unusable afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.scanCancel != nil {
		m.scanCancel()
		m.scanCancel = nil
	}
	var conns []*PodConnection
	for _, e := range m.pods {
		if e.conn != nil {
			conns = append(conns, e.conn)
		}
	}
	stream := m.demoStream
	m.demoStream = nil
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.mu.Unlock()

	if stream != nil {
		stream.Stop()
	}
	stopAll(context.Background(), conns)
	m.cancel()
}
