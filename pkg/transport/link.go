// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tedfoley/form-trackers/pkg/podlink"
	"github.com/tedfoley/form-trackers/pkg/podwire"
)

// DefaultRequestTimeout bounds a write or read round trip on a framed link.
const DefaultRequestTimeout = 2 * time.Second

var (
	ErrLinkClosed            = errors.New("link closed")
	ErrWriteRejected         = errors.New("write rejected by pod")
	ErrUnknownCharacteristic = errors.New("unknown characteristic")
)

// LinkOptions configure framed links.
type LinkOptions struct {
	RequestTimeout time.Duration
	Logger         *zerolog.Logger
}

func (o LinkOptions) withDefaults() LinkOptions {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	return o
}

// ============================================================
// Transport
// ============================================================

// LinkTransport reaches pods over a framed byte stream: a USB debug cable
// or a websocket bridge. Every endpoint carries at most one pod.
type LinkTransport struct {
	endpoints func() ([]string, error)
	dial      Dialer
	opts      LinkOptions
	log       zerolog.Logger
}

// NewLinkTransport creates a transport that probes the endpoints returned
// by endpoints and opens them with dial.
func NewLinkTransport(endpoints func() ([]string, error), dial Dialer, opts LinkOptions) *LinkTransport {
	opts = opts.withDefaults()
	return &LinkTransport{
		endpoints: endpoints,
		dial:      dial,
		opts:      opts,
		log:       *opts.Logger,
	}
}

// NewSerialTransport reaches a pod on a serial port. An empty port or
// "auto" probes every USB serial device.
func NewSerialTransport(port string, baud int, opts LinkOptions) *LinkTransport {
	endpoints := func() ([]string, error) { return []string{port}, nil }
	if port == "" || port == "auto" {
		endpoints = usbSerialPorts
	}
	dial := func(ctx context.Context, endpoint string) (io.ReadWriteCloser, error) {
		return OpenSerialConnection(endpoint, baud)
	}
	return NewLinkTransport(endpoints, dial, opts)
}

// NewWebSocketTransport reaches a pod through a websocket bridge.
func NewWebSocketTransport(wsURL string, ws WebSocketOptions, opts LinkOptions) *LinkTransport {
	endpoints := func() ([]string, error) { return []string{wsURL}, nil }
	dial := func(ctx context.Context, endpoint string) (io.ReadWriteCloser, error) {
		return OpenWebSocketConnection(ctx, endpoint, ws)
	}
	return NewLinkTransport(endpoints, dial, opts)
}

// Discover probes each endpoint once by reading the device name and
// reports the ones that answer. It returns when every endpoint has been
// tried.
func (t *LinkTransport) Discover(ctx context.Context, found func(podlink.Advertisement)) error {
	endpoints, err := t.endpoints()
	if err != nil {
		return err
	}

	for _, ep := range endpoints {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name, err := t.probe(ctx, ep)
		if err != nil {
			t.log.Debug().Err(err).Str("endpoint", ep).Msg("No pod on endpoint")
			continue
		}
		found(podlink.Advertisement{ID: ep, Name: name, Handle: ep})
	}
	return nil
}

func (t *LinkTransport) probe(ctx context.Context, endpoint string) (string, error) {
	rwc, err := t.dial(ctx, endpoint)
	if err != nil {
		return "", err
	}
	l := NewFrameLink(rwc, t.opts)
	defer l.Close()

	name, err := l.Read(ctx, podwire.ServiceUUID, podwire.DeviceNameCharUUID)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(name), "\x00"), nil
}

// Connect opens the endpoint named by handle. transferSize is fixed by the
// frame format and ignored.
func (t *LinkTransport) Connect(ctx context.Context, handle podlink.Handle, transferSize int) (podlink.Link, error) {
	endpoint, ok := handle.(string)
	if !ok {
		return nil, fmt.Errorf("unsupported handle %T", handle)
	}
	rwc, err := t.dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return NewFrameLink(rwc, t.opts), nil
}

// ============================================================
// Framed link
// ============================================================

type request struct {
	op   podwire.Op
	char byte
	ch   chan podwire.Frame
}

type frameSub struct {
	l    *FrameLink
	char byte
	cb   func([]byte)
}

func (s *frameSub) Cancel() {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	if s.l.subs[s.char] == s {
		delete(s.l.subs, s.char)
	}
}

// FrameLink carries GATT operations over a byte stream as podwire frames.
// One request is in flight at a time; notifications are delivered from the
// reader goroutine.
type FrameLink struct {
	rwc     io.ReadWriteCloser
	timeout time.Duration
	log     zerolog.Logger

	reqMu   sync.Mutex
	writeMu sync.Mutex

	mu           sync.Mutex
	pending      *request
	subs         map[byte]*frameSub
	onDisconnect func(error)
	closed       bool

	done chan struct{}
}

// NewFrameLink starts reading frames from rwc. The link owns rwc.
func NewFrameLink(rwc io.ReadWriteCloser, opts LinkOptions) *FrameLink {
	opts = opts.withDefaults()
	l := &FrameLink{
		rwc:     rwc,
		timeout: opts.RequestTimeout,
		log:     *opts.Logger,
		subs:    make(map[byte]*frameSub),
		done:    make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *FrameLink) readLoop() {
	defer close(l.done)

	decoder := podwire.NewDecoder()
	buf := make([]byte, 128)
	for {
		n, err := l.rwc.Read(buf)
		for i := 0; i < n; i++ {
			f, decodeErr := decoder.DecodeByte(buf[i])
			if decodeErr != nil {
				l.log.Debug().Err(decodeErr).Msg("Dropping broken frame")
				continue
			}
			if f != nil {
				l.dispatch(*f)
			}
		}
		if err != nil {
			l.lost(err)
			return
		}
	}
}

func (l *FrameLink) dispatch(f podwire.Frame) {
	l.mu.Lock()
	switch f.Op {
	case podwire.OpNotify:
		sub := l.subs[f.Char]
		l.mu.Unlock()
		if sub != nil {
			sub.cb(f.Data)
		}
		return

	case podwire.OpWriteAck, podwire.OpReadResponse:
		if p := l.pending; p != nil && p.op == f.Op && p.char == f.Char {
			l.pending = nil
			p.ch <- f
		} else {
			l.log.Debug().Str("op", f.Op.String()).Msg("Unsolicited response")
		}

	default:
		l.log.Debug().Str("op", f.Op.String()).Msg("Ignoring frame")
	}
	l.mu.Unlock()
}

func (l *FrameLink) lost(err error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	cb := l.onDisconnect
	l.mu.Unlock()

	l.rwc.Close()
	l.log.Debug().Err(err).Msg("Link lost")
	if cb != nil {
		cb(err)
	}
}

func (l *FrameLink) send(f podwire.Frame) error {
	wire, err := podwire.EncodeFrame(f)
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_, err = l.rwc.Write(wire)
	return err
}

// request sends f and waits for the response op on the same
// characteristic.
func (l *FrameLink) request(ctx context.Context, f podwire.Frame, want podwire.Op) (podwire.Frame, error) {
	l.reqMu.Lock()
	defer l.reqMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	ch := make(chan podwire.Frame, 1)
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return podwire.Frame{}, ErrLinkClosed
	}
	l.pending = &request{op: want, char: f.Char, ch: ch}
	l.mu.Unlock()

	drop := func() {
		l.mu.Lock()
		l.pending = nil
		l.mu.Unlock()
	}

	if err := l.send(f); err != nil {
		drop()
		return podwire.Frame{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-l.done:
		return podwire.Frame{}, ErrLinkClosed
	case <-ctx.Done():
		drop()
		return podwire.Frame{}, fmt.Errorf("%s 0x%02X: %w", f.Op, f.Char, ctx.Err())
	}
}

func charCode(service, char uuid.UUID) (byte, error) {
	if service != podwire.ServiceUUID {
		return 0, fmt.Errorf("%w: service %s", ErrUnknownCharacteristic, service)
	}
	code := podwire.CharCode(char)
	if _, ok := podwire.CharByCode(code); !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCharacteristic, char)
	}
	return code, nil
}

// DiscoverServices checks that a pod answers on the link.
func (l *FrameLink) DiscoverServices(ctx context.Context) error {
	if _, err := l.Read(ctx, podwire.ServiceUUID, podwire.DeviceNameCharUUID); err != nil {
		return fmt.Errorf("pod service not found: %w", err)
	}
	return nil
}

// Write sends data and waits for the pod's acknowledgement.
func (l *FrameLink) Write(ctx context.Context, service, char uuid.UUID, data []byte) error {
	code, err := charCode(service, char)
	if err != nil {
		return err
	}
	resp, err := l.request(ctx, podwire.Frame{Op: podwire.OpWrite, Char: code, Data: data}, podwire.OpWriteAck)
	if err != nil {
		return err
	}
	if len(resp.Data) == 0 || resp.Data[0] != podwire.AckOK {
		return fmt.Errorf("%w: %s", ErrWriteRejected, podwire.FormatCharacteristic(code))
	}
	return nil
}

// Read fetches the current value of a characteristic.
func (l *FrameLink) Read(ctx context.Context, service, char uuid.UUID) ([]byte, error) {
	code, err := charCode(service, char)
	if err != nil {
		return nil, err
	}
	resp, err := l.request(ctx, podwire.Frame{Op: podwire.OpRead, Char: code}, podwire.OpReadResponse)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Subscribe routes notifications for char to cb, replacing any earlier
// subscription for it. Pods on a framed link notify unconditionally, so
// nothing is sent.
func (l *FrameLink) Subscribe(ctx context.Context, service, char uuid.UUID, cb func([]byte)) (podlink.Subscription, error) {
	code, err := charCode(service, char)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLinkClosed
	}
	sub := &frameSub{l: l, char: code, cb: cb}
	l.subs[code] = sub
	return sub, nil
}

// OnDisconnect registers cb for a stream failure. cb runs on the reader
// goroutine and must not call Close.
func (l *FrameLink) OnDisconnect(cb func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onDisconnect = cb
}

// Close shuts the stream and waits for the reader to exit. It does not
// fire the disconnect callback.
func (l *FrameLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	err := l.rwc.Close()
	<-l.done
	return err
}
