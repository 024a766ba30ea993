// SPDX-License-Identifier: Apache-2.0

package podlink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tedfoley/form-trackers/pkg/synth"
)


// streaming reports whether pod id has finished its connect sequence and
// is ready for notifications.
func streaming(id string) func(Session) bool {
	return func(s Session) bool {
		p, ok := s.Pods[id]
		return ok && p.State == Connected && p.Battery != nil
	}
}

// ============================================================
// Scanning
// ============================================================

func TestManager_ScanFiltersAndDedupes(t *testing.T) {
	tr := newFakeTransport()
	tr.ads = []Advertisement{
		{ID: "aa", Name: "FormTracker-01", RSSI: -70, Handle: "aa"},
		{ID: "bb", Name: "Headphones", RSSI: -40, Handle: "bb"},
		{ID: "cc", Name: "FormTracker-02", RSSI: -60, Handle: "cc"},
		{ID: "aa", Name: "FormTracker-01", RSSI: -55, Handle: "aa"},
		{ID: "dd", Name: "", Handle: "dd"},
	}
	m := newTestManager(t, tr, newFakeClock())

	if err := m.StartScan(context.Background()); err != nil {
		t.Fatalf("StartScan() error: %v", err)
	}
	s := waitFor(t, m, "scan results", func(s Session) bool {
		return len(s.Scanned) == 2 && s.Scanned["aa"].RSSI == -55
	})

	if s.Phase != Scanning {
		t.Errorf("phase = %v, want scanning", s.Phase)
	}
	if _, ok := s.Scanned["bb"]; ok {
		t.Error("device without the pod name prefix was kept")
	}
	if list := s.ScannedDevices(); list[0].ID != "aa" || list[1].ID != "cc" {
		t.Errorf("ScannedDevices() order = %v", list)
	}

	m.StopScan()
	if m.Snapshot().Phase != ScanIdle {
		t.Error("phase not idle after StopScan")
	}
	m.StopScan()
}

func TestManager_ScanRestartClearsResults(t *testing.T) {
	tr := newFakeTransport()
	tr.ads = []Advertisement{{ID: "aa", Name: "FormTracker-01"}}
	m := newTestManager(t, tr, newFakeClock())

	m.StartScan(context.Background())
	waitFor(t, m, "first result", func(s Session) bool { return len(s.Scanned) == 1 })

	tr.mu.Lock()
	tr.ads = []Advertisement{{ID: "zz", Name: "FormTracker-99"}}
	tr.mu.Unlock()

	m.StartScan(context.Background())
	s := waitFor(t, m, "second scan result", func(s Session) bool { _, ok := s.Scanned["zz"]; return ok })
	if _, ok := s.Scanned["aa"]; ok {
		t.Error("previous scan results survived a new scan")
	}
}

func TestManager_ScanPermissionDenied(t *testing.T) {
	tests := []struct {
		name string
		perm fakePermission
	}{
		{"refused", fakePermission{granted: false}},
		{"error", fakePermission{err: errors.New("bluetooth off")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(Options{Transport: newFakeTransport(), Permission: tt.perm, Logger: nopLogger()})
			defer m.Close()

			err := m.StartScan(context.Background())
			if !errors.Is(err, ErrPermissionDenied) {
				t.Fatalf("StartScan() error = %v, want ErrPermissionDenied", err)
			}
			s := m.Snapshot()
			if s.Phase != ScanIdle || !errors.Is(s.Err, ErrPermissionDenied) {
				t.Errorf("session phase=%v err=%v", s.Phase, s.Err)
			}
		})
	}
}

func TestManager_ScanError(t *testing.T) {
	tr := newFakeTransport()
	tr.discoverErr = errors.New("adapter reset")
	m := newTestManager(t, tr, newFakeClock())

	if err := m.StartScan(context.Background()); err != nil {
		t.Fatalf("StartScan() error: %v", err)
	}
	s := waitFor(t, m, "scan error", func(s Session) bool { return s.Err != nil })
	if s.Phase != ScanIdle || !errors.Is(s.Err, ErrScan) {
		t.Errorf("session phase=%v err=%v, want idle + ErrScan", s.Phase, s.Err)
	}
}

// ============================================================
// Connections
// ============================================================

func TestManager_ConnectStreamsPackets(t *testing.T) {
	tr := newFakeTransport()
	m := newTestManager(t, tr, newFakeClock())

	dev := ScannedDevice{ID: "aa", Name: "FormTracker-01", Handle: "aa"}
	if err := m.Connect(context.Background(), dev); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	waitFor(t, m, "streaming", streaming("aa"))
	l := tr.nextLink(t)

	l.send(featureBytes(171))
	l.send([]byte{0xFF})
	s := waitFor(t, m, "packet", func(s Session) bool {
		p := s.Pods["aa"]
		return p.LatestPacket != nil && p.Battery != nil && p.TimeSynced && p.Stats.MalformedPackets == 1
	})

	p := s.Pods["aa"]
	if p.LatestPacket.Cadence != 171 {
		t.Errorf("cadence = %d, want 171", p.LatestPacket.Cadence)
	}
	if *p.Battery != 77 {
		t.Errorf("battery = %d, want 77", *p.Battery)
	}
	if p.Stats.ValidPackets != 1 {
		t.Errorf("valid packets = %d, want 1", p.Stats.ValidPackets)
	}
	if p.Name != "FormTracker-01" {
		t.Errorf("name = %q", p.Name)
	}
}

func TestManager_ConnectFailureRemovesPod(t *testing.T) {
	tr := newFakeTransport()
	tr.setConnectErr(errOutOfRange)
	m := newTestManager(t, tr, newFakeClock())

	m.Connect(context.Background(), ScannedDevice{ID: "aa", Handle: "aa"})
	s := waitFor(t, m, "pod removed", func(s Session) bool { return len(s.Pods) == 0 && s.Err != nil })
	if !errors.Is(s.Err, ErrConnect) {
		t.Errorf("session error = %v, want ErrConnect", s.Err)
	}
}

func TestManager_PodsAreIndependent(t *testing.T) {
	tr := newFakeTransport()
	clk := newFakeClock()
	m := newTestManager(t, tr, clk)

	m.Connect(context.Background(), ScannedDevice{ID: "aa", Handle: "aa"})
	m.Connect(context.Background(), ScannedDevice{ID: "bb", Handle: "bb"})
	waitFor(t, m, "both streaming", func(s Session) bool {
		return streaming("aa")(s) && streaming("bb")(s)
	})

	tr.setHandleErr("aa", errOutOfRange)
	tr.linkFor("aa").drop()
	waitFor(t, m, "aa reconnecting", podIn("aa", Reconnecting))
	clk.expectWait(t).fire()
	clk.expectWait(t)

	tr.linkFor("bb").send(featureBytes(165))
	s := waitFor(t, m, "bb packet", func(s Session) bool { return s.Pods["bb"].LatestPacket != nil })
	if s.Pods["bb"].State != Connected {
		t.Errorf("bb state = %v, want connected", s.Pods["bb"].State)
	}
	if s.Err != nil {
		t.Errorf("reconnect failures surfaced as session error: %v", s.Err)
	}
}

func TestManager_DisconnectDuringReconnect(t *testing.T) {
	tr := newFakeTransport()
	clk := newFakeClock()
	m := newTestManager(t, tr, clk)

	m.Connect(context.Background(), ScannedDevice{ID: "aa", Handle: "aa"})
	waitFor(t, m, "connected", podIn("aa", Connected))
	l := tr.nextLink(t)

	l.drop()
	waitFor(t, m, "reconnecting", podIn("aa", Reconnecting))
	w := clk.expectWait(t)
	connects := tr.connectCount()

	m.Disconnect(context.Background(), "aa")
	w.fire()
	time.Sleep(50 * time.Millisecond)

	if got := tr.connectCount(); got != connects {
		t.Errorf("%d connect attempts after Disconnect", got-connects)
	}
	if len(m.Snapshot().Pods) != 0 {
		t.Error("pod still registered after Disconnect")
	}

	// Unknown and repeated ids are ignored.
	m.Disconnect(context.Background(), "aa")
	m.Disconnect(context.Background(), "nope")
}

func TestManager_DisconnectClearsSelection(t *testing.T) {
	tr := newFakeTransport()
	m := newTestManager(t, tr, newFakeClock())

	m.Connect(context.Background(), ScannedDevice{ID: "aa", Handle: "aa"})
	waitFor(t, m, "connected", podIn("aa", Connected))
	if err := m.SelectPod("aa"); err != nil {
		t.Fatalf("SelectPod() error: %v", err)
	}
	if err := m.SelectPod("nope"); !errors.Is(err, ErrUnknownPod) {
		t.Errorf("SelectPod(unknown) error = %v", err)
	}

	l := tr.nextLink(t)
	m.Disconnect(context.Background(), "aa")

	if s := m.Snapshot(); s.Selected != "" {
		t.Errorf("selection = %q after disconnecting the selected pod", s.Selected)
	}
	if !l.wrote([]byte{0x02, 10, 0x00, 0x00}) || !l.isClosed() {
		t.Error("disconnect did not stop streaming and close the link")
	}
}

func TestManager_DuplicateConnectSupersedes(t *testing.T) {
	tr := newFakeTransport()
	m := newTestManager(t, tr, newFakeClock())

	m.Connect(context.Background(), ScannedDevice{ID: "aa", Handle: "first"})
	waitFor(t, m, "first connected", podIn("aa", Connected))
	if err := m.AssignBodyLocation("aa", Waist); err != nil {
		t.Fatal(err)
	}

	m.Connect(context.Background(), ScannedDevice{ID: "aa", Handle: "second"})
	first := tr.linkFor("first")
	if !first.isClosed() {
		t.Error("superseded connection still open after Connect returned")
	}

	s := waitFor(t, m, "second streaming", func(s Session) bool {
		p, ok := s.Pods["aa"]
		return ok && p.State == Connected && p.Handle == "second" && p.Battery != nil
	})
	if len(s.Pods) != 1 {
		t.Errorf("registry has %d pods, want 1", len(s.Pods))
	}
	if s.Pods["aa"].Location != Waist {
		t.Errorf("location = %q, want it kept across a reconnect request", s.Pods["aa"].Location)
	}

	first.send(featureBytes(111))
	second := tr.linkFor("second")
	second.send(featureBytes(222))
	s = waitFor(t, m, "packet", func(s Session) bool { return s.Pods["aa"].LatestPacket != nil })
	if got := s.Pods["aa"].LatestPacket.Cadence; got != 222 {
		t.Errorf("cadence = %d, want 222 from the live connection", got)
	}
}

func TestManager_NoTransport(t *testing.T) {
	m := NewManager(Options{Logger: nopLogger()})
	defer m.Close()

	if err := m.Connect(context.Background(), ScannedDevice{ID: "aa"}); !errors.Is(err, ErrConnect) {
		t.Errorf("Connect() error = %v, want ErrConnect", err)
	}
	if err := m.StartScan(context.Background()); !errors.Is(err, ErrScan) {
		t.Errorf("StartScan() error = %v, want ErrScan", err)
	}
}

// ============================================================
// Demo mode
// ============================================================

func newDemoManager(t *testing.T, tr *fakeTransport) *Manager {
	t.Helper()
	m := NewManager(Options{
		Transport:   tr,
		Clock:       newFakeClock(),
		Logger:      nopLogger(),
		DemoOptions: synth.Options{RateHz: 50},
	})
	t.Cleanup(m.Close)
	return m
}

func TestManager_Demo(t *testing.T) {
	m := newDemoManager(t, newFakeTransport())

	if err := m.StartDemo(); err != nil {
		t.Fatalf("StartDemo() error: %v", err)
	}
	s := m.Snapshot()
	if !s.Demo || len(s.Pods) != 3 || s.Selected != "demo-left-foot" {
		t.Fatalf("demo session: demo=%v pods=%d selected=%q", s.Demo, len(s.Pods), s.Selected)
	}
	for id, p := range s.Pods {
		if p.State != Connected || !p.Demo || p.Battery == nil || *p.Battery < 84 {
			t.Errorf("%s: state=%v demo=%v battery=%v", id, p.State, p.Demo, p.Battery)
		}
	}
	if holder, _ := s.Holder(Waist); holder != "demo-waist" {
		t.Errorf("waist holder = %q, want demo-waist", holder)
	}

	s = waitFor(t, m, "demo packets", func(s Session) bool {
		for _, p := range s.Pods {
			if p.LatestPacket == nil {
				return false
			}
		}
		return true
	})
	for id, p := range s.Pods {
		if p.LatestPacket.Flags.DataValid {
			t.Errorf("%s: synthetic packet marked valid", id)
		}
		if !p.LatestPacket.Flags.TimeSynced {
			t.Errorf("%s: synthetic packet not time synced", id)
		}
	}

	// Already running.
	if err := m.StartDemo(); err != nil {
		t.Errorf("second StartDemo() error: %v", err)
	}

	m.StopDemo()
	s = m.Snapshot()
	if s.Demo || len(s.Pods) != 0 || s.Selected != "" {
		t.Fatalf("after StopDemo: demo=%v pods=%d selected=%q", s.Demo, len(s.Pods), s.Selected)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(m.Snapshot().Pods); n != 0 {
		t.Errorf("%d pods reappeared after StopDemo", n)
	}
	m.StopDemo()
}

func TestManager_DisconnectAllResets(t *testing.T) {
	tr := newFakeTransport()
	tr.ads = []Advertisement{{ID: "zz", Name: "FormTracker-09"}}
	m := newDemoManager(t, tr)

	m.StartScan(context.Background())
	waitFor(t, m, "scan result", func(s Session) bool { return len(s.Scanned) == 1 })
	m.Connect(context.Background(), ScannedDevice{ID: "aa", Handle: "aa"})
	waitFor(t, m, "connected", podIn("aa", Connected))
	m.StartDemo()

	m.DisconnectAll(context.Background())

	s := m.Snapshot()
	if s.Demo || len(s.Pods) != 0 || len(s.Scanned) != 0 || s.Phase != ScanIdle || s.Selected != "" || s.Err != nil {
		t.Errorf("session not reset: %+v", s)
	}
	if !tr.linkFor("aa").isClosed() {
		t.Error("real pod link left open")
	}
	time.Sleep(30 * time.Millisecond)
	if n := len(m.Snapshot().Pods); n != 0 {
		t.Errorf("%d pods reappeared after DisconnectAll", n)
	}
}

func TestManager_StopDemoResetsRealPods(t *testing.T) {
	tr := newFakeTransport()
	m := newDemoManager(t, tr)

	m.Connect(context.Background(), ScannedDevice{ID: "aa", Name: "FormTracker-01", Handle: "aa"})
	waitFor(t, m, "connected", podIn("aa", Connected))
	if err := m.AssignBodyLocation("aa", RightFoot); err != nil {
		t.Fatalf("AssignBodyLocation() error: %v", err)
	}
	if err := m.StartDemo(); err != nil {
		t.Fatalf("StartDemo() error: %v", err)
	}

	m.StopDemo()

	s := m.Snapshot()
	if s.Demo || len(s.Pods) != 0 || s.Selected != "" {
		t.Fatalf("after StopDemo: demo=%v pods=%v selected=%q", s.Demo, s.PodIDs(), s.Selected)
	}
	if !tr.linkFor("aa").isClosed() {
		t.Error("real pod link left open")
	}
	time.Sleep(30 * time.Millisecond)
	if n := len(m.Snapshot().Pods); n != 0 {
		t.Errorf("%d pods reappeared after StopDemo", n)
	}
}

// ============================================================
// Subscriptions and shutdown
// ============================================================

func TestManager_SubscribeAndClose(t *testing.T) {
	tr := newFakeTransport()
	m := NewManager(Options{Transport: tr, Clock: newFakeClock(), Logger: nopLogger()})

	ch, cancel := m.Subscribe()
	first := <-ch
	if len(first.Pods) != 0 {
		t.Fatalf("initial snapshot has %d pods", len(first.Pods))
	}

	m.Connect(context.Background(), ScannedDevice{ID: "aa", Handle: "aa"})

	deadline := time.After(testTimeout)
	for connected := false; !connected; {
		select {
		case s := <-ch:
			connected = podIn("aa", Connected)(s)
		case <-deadline:
			t.Fatal("no connected snapshot delivered")
		}
	}

	other, cancelOther := m.Subscribe()
	cancelOther()
	if _, ok := <-drain(other); ok {
		t.Error("cancelled subscription channel still open")
	}
	cancelOther()

	l := tr.nextLink(t)
	m.Close()
	if _, ok := <-drain(ch); ok {
		t.Error("subscription channel open after Close")
	}
	cancel()
	if !l.isClosed() {
		t.Error("Close left a link open")
	}
	if err := m.StartDemo(); !errors.Is(err, ErrClosed) {
		t.Errorf("StartDemo() after Close error = %v, want ErrClosed", err)
	}
	m.Close()
}

// drain discards buffered snapshots and returns the channel once only the
// close (if any) is left.
func drain(ch <-chan Session) <-chan Session {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				closed := make(chan Session)
				close(closed)
				return closed
			}
		default:
			return ch
		}
	}
}
