// SPDX-License-Identifier: Apache-2.0

package podlink

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tedfoley/form-trackers/pkg/podwire"
)

const testTimeout = 2 * time.Second

var (
	errLinkLost   = errors.New("link lost")
	errOutOfRange = errors.New("device out of range")
)

// ============================================================
// Fake transport
// ============================================================

type fakeTransport struct {
	mu          sync.Mutex
	ads         []Advertisement
	discoverErr error
	connectErr  error
	handleErr   map[Handle]error
	linkHook    func(*fakeLink)
	connects    int
	links       []*fakeLink
	connected   chan *fakeLink
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handleErr: make(map[Handle]error),
		connected: make(chan *fakeLink, 64),
	}
}

func (t *fakeTransport) Discover(ctx context.Context, found func(Advertisement)) error {
	t.mu.Lock()
	ads := append([]Advertisement(nil), t.ads...)
	err := t.discoverErr
	t.mu.Unlock()

	for _, ad := range ads {
		found(ad)
	}
	if err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (t *fakeTransport) Connect(ctx context.Context, handle Handle, transferSize int) (Link, error) {
	t.mu.Lock()
	t.connects++
	err := t.connectErr
	if e, ok := t.handleErr[handle]; ok {
		err = e
	}
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	l := &fakeLink{handle: handle, transferSize: transferSize, battery: []byte{77}}
	if t.linkHook != nil {
		t.linkHook(l)
	}
	t.links = append(t.links, l)
	t.mu.Unlock()

	select {
	case t.connected <- l:
	default:
	}
	return l, nil
}

func (t *fakeTransport) setConnectErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectErr = err
}

func (t *fakeTransport) setHandleErr(h Handle, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.handleErr, h)
		return
	}
	t.handleErr[h] = err
}

func (t *fakeTransport) connectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

func (t *fakeTransport) linkFor(h Handle) *fakeLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.links) - 1; i >= 0; i-- {
		if t.links[i].handle == h {
			return t.links[i]
		}
	}
	return nil
}

func (t *fakeTransport) nextLink(tb testing.TB) *fakeLink {
	tb.Helper()
	select {
	case l := <-t.connected:
		return l
	case <-time.After(testTimeout):
		tb.Fatal("timed out waiting for a connect")
		return nil
	}
}

// ============================================================
// Fake link
// ============================================================

type fakeLink struct {
	handle       Handle
	transferSize int

	mu           sync.Mutex
	writes       [][]byte
	writeErr     func(data []byte) error
	battery      []byte
	readErr      error
	notify       func([]byte)
	subCancelled bool
	onDisconnect func(error)
	closed       bool
}

func (l *fakeLink) DiscoverServices(ctx context.Context) error {
	return nil
}

func (l *fakeLink) Write(ctx context.Context, service, char uuid.UUID, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("link closed")
	}
	l.writes = append(l.writes, append([]byte(nil), data...))
	if l.writeErr != nil {
		return l.writeErr(data)
	}
	return nil
}

func (l *fakeLink) Read(ctx context.Context, service, char uuid.UUID) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readErr != nil {
		return nil, l.readErr
	}
	return l.battery, nil
}

type fakeSubscription struct{ l *fakeLink }

func (s fakeSubscription) Cancel() {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	s.l.subCancelled = true
}

func (l *fakeLink) Subscribe(ctx context.Context, service, char uuid.UUID, cb func([]byte)) (Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notify = cb
	return fakeSubscription{l}, nil
}

func (l *fakeLink) OnDisconnect(cb func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onDisconnect = cb
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// drop simulates the pod going out of range.
func (l *fakeLink) drop() {
	l.mu.Lock()
	cb := l.onDisconnect
	l.mu.Unlock()
	if cb != nil {
		cb(errLinkLost)
	}
}

// send delivers a notification if the subscription is live.
func (l *fakeLink) send(data []byte) {
	l.mu.Lock()
	cb := l.notify
	live := !l.subCancelled
	l.mu.Unlock()
	if cb != nil && live {
		cb(data)
	}
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) isSubCancelled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subCancelled
}

func (l *fakeLink) written() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.writes...)
}

func (l *fakeLink) wrote(data []byte) bool {
	for _, w := range l.written() {
		if bytes.Equal(w, data) {
			return true
		}
	}
	return false
}

// waitClosed polls until the link is closed.
func (l *fakeLink) waitClosed(tb testing.TB) {
	tb.Helper()
	deadline := time.Now().Add(testTimeout)
	for !l.isClosed() {
		if time.Now().After(deadline) {
			tb.Fatal("link was never closed")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// ============================================================
// Fake clock
// ============================================================

type fakeWait struct {
	d  time.Duration
	ch chan time.Time
}

func (w fakeWait) fire() {
	select {
	case w.ch <- time.Time{}:
	default:
	}
}

type fakeClock struct {
	now   time.Time
	waits chan fakeWait
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now:   time.UnixMilli(1_760_000_000_000),
		waits: make(chan fakeWait, 64),
	}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	w := fakeWait{d: d, ch: make(chan time.Time, 1)}
	c.waits <- w
	return w.ch
}

func (c *fakeClock) expectWait(tb testing.TB) fakeWait {
	tb.Helper()
	select {
	case w := <-c.waits:
		return w
	case <-time.After(testTimeout):
		tb.Fatal("timed out waiting for a backoff timer")
		return fakeWait{}
	}
}

func (c *fakeClock) expectNoWait(tb testing.TB, within time.Duration) {
	tb.Helper()
	select {
	case w := <-c.waits:
		tb.Fatalf("unexpected backoff timer of %v", w.d)
	case <-time.After(within):
	}
}

// ============================================================
// Helpers
// ============================================================

type fakePermission struct {
	granted bool
	err     error
}

func (p fakePermission) RequestWirelessPermission(context.Context) (bool, error) {
	return p.granted, p.err
}

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func newTestManager(t *testing.T, tr *fakeTransport, clk *fakeClock) *Manager {
	t.Helper()
	m := NewManager(Options{
		Transport: tr,
		Clock:     clk,
		Logger:    nopLogger(),
	})
	t.Cleanup(m.Close)
	return m
}

// waitFor polls the manager until cond holds.
func waitFor(tb testing.TB, m *Manager, what string, cond func(Session) bool) Session {
	tb.Helper()
	deadline := time.Now().Add(testTimeout)
	for {
		s := m.Snapshot()
		if cond(s) {
			return s
		}
		if time.Now().After(deadline) {
			tb.Fatalf("timed out waiting for %s; session: phase=%v pods=%d err=%v",
				what, s.Phase, len(s.Pods), s.Err)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func podIn(id string, state ConnectionState) func(Session) bool {
	return func(s Session) bool {
		p, ok := s.Pods[id]
		return ok && p.State == state
	}
}

func featureBytes(cadence uint16) []byte {
	return podwire.EncodeFeaturePacket(podwire.FeaturePacket{
		Timestamp:   1234,
		Cadence:     cadence,
		StridePhase: podwire.StrideStance,
		Flags:       podwire.Flags{DataValid: true},
	})
}
