// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"tinygo.org/x/bluetooth"

	"github.com/tedfoley/form-trackers/pkg/podlink"
	"github.com/tedfoley/form-trackers/pkg/podwire"
)

// BLE talks to pods over the host Bluetooth adapter.
//
// The adapter has a single connect handler, so BLE keeps its own table of
// open links and fans disconnects out by address.
type BLE struct {
	adapter *bluetooth.Adapter
	log     zerolog.Logger

	enableOnce sync.Once
	enableErr  error

	scanMu sync.Mutex

	mu    sync.Mutex
	links map[string]*bleLink
}

// NewBLE wraps adapter; nil selects the default adapter.
func NewBLE(adapter *bluetooth.Adapter, logger *zerolog.Logger) *BLE {
	if adapter == nil {
		adapter = bluetooth.DefaultAdapter
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &BLE{
		adapter: adapter,
		log:     *logger,
		links:   make(map[string]*bleLink),
	}
}

func (b *BLE) enable() error {
	b.enableOnce.Do(func() {
		if err := b.adapter.Enable(); err != nil {
			b.enableErr = fmt.Errorf("enable bluetooth adapter: %w", err)
			return
		}
		b.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if connected {
				return
			}
			b.mu.Lock()
			l := b.links[device.Address.String()]
			b.mu.Unlock()
			if l != nil {
				l.lost(errors.New("device disconnected"))
			}
		})
	})
	return b.enableErr
}

// RequestWirelessPermission powers up the adapter. Desktop stacks have no
// consent prompt; a refusal surfaces as an Enable error.
func (b *BLE) RequestWirelessPermission(ctx context.Context) (bool, error) {
	if err := b.enable(); err != nil {
		return false, err
	}
	return true, nil
}

// Discover scans until ctx is done. Scan results are reported unfiltered.
func (b *BLE) Discover(ctx context.Context, found func(podlink.Advertisement)) error {
	if err := b.enable(); err != nil {
		return err
	}
	b.scanMu.Lock()
	defer b.scanMu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			b.adapter.StopScan()
		case <-stop:
		}
	}()

	err := b.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		found(podlink.Advertisement{
			ID:     result.Address.String(),
			Name:   result.LocalName(),
			RSSI:   result.RSSI,
			Handle: result.Address,
		})
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("bluetooth scan: %w", err)
	}
	return nil
}

// Connect opens a GATT connection. The adapter negotiates the MTU itself;
// transferSize is only logged.
func (b *BLE) Connect(ctx context.Context, handle podlink.Handle, transferSize int) (podlink.Link, error) {
	addr, ok := handle.(bluetooth.Address)
	if !ok {
		return nil, fmt.Errorf("unsupported handle %T", handle)
	}
	if err := b.enable(); err != nil {
		return nil, err
	}

	var device bluetooth.Device
	err := blocking(ctx, func() error {
		var err error
		device, err = b.adapter.Connect(addr, bluetooth.ConnectionParams{})
		return err
	}, func() {
		b.log.Debug().Str("device", addr.String()).Msg("Dropping connection completed after cancel")
		device.Disconnect()
	})
	if err != nil {
		return nil, err
	}

	l := &bleLink{
		ble:    b,
		device: device,
		id:     addr.String(),
		chars:  make(map[uuid.UUID]bluetooth.DeviceCharacteristic),
	}
	b.mu.Lock()
	b.links[l.id] = l
	b.mu.Unlock()

	b.log.Debug().Str("device", l.id).Int("transfer_size", transferSize).Msg("GATT connected")
	return l, nil
}

func (b *BLE) forget(l *bleLink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.links[l.id] == l {
		delete(b.links, l.id)
	}
}

// blocking runs fn, which has no cancellation of its own, and gives up
// waiting when ctx is done. If fn still succeeds after that, undo (when
// non-nil) runs to release whatever fn acquired.
func blocking(ctx context.Context, fn func() error, undo func()) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if undo != nil {
			go func() {
				if err := <-done; err == nil {
					undo()
				}
			}()
		}
		return ctx.Err()
	}
}

func toBluetoothUUID(id uuid.UUID) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(id.String())
	if err != nil {
		panic(fmt.Sprintf("transport: %v", err))
	}
	return u
}

// ============================================================
// Link
// ============================================================

type bleLink struct {
	ble    *BLE
	device bluetooth.Device
	id     string

	mu           sync.Mutex
	chars        map[uuid.UUID]bluetooth.DeviceCharacteristic
	onDisconnect func(error)
	closed       bool
}

func (l *bleLink) DiscoverServices(ctx context.Context) error {
	svcUUID := toBluetoothUUID(podwire.ServiceUUID)
	want := []uuid.UUID{
		podwire.ConfigCharUUID,
		podwire.FeatureCharUUID,
		podwire.BatteryCharUUID,
	}
	charUUIDs := make([]bluetooth.UUID, 0, len(want))
	for _, id := range want {
		charUUIDs = append(charUUIDs, toBluetoothUUID(id))
	}

	return blocking(ctx, func() error {
		services, err := l.device.DiscoverServices([]bluetooth.UUID{svcUUID})
		if err != nil {
			return fmt.Errorf("discover services: %w", err)
		}
		if len(services) == 0 {
			return errors.New("pod service not found")
		}
		chars, err := services[0].DiscoverCharacteristics(charUUIDs)
		if err != nil {
			return fmt.Errorf("discover characteristics: %w", err)
		}

		l.mu.Lock()
		defer l.mu.Unlock()
		for _, c := range chars {
			for _, id := range want {
				if c.UUID() == toBluetoothUUID(id) {
					l.chars[id] = c
				}
			}
		}
		if len(l.chars) != len(want) {
			return fmt.Errorf("pod exposes %d of %d characteristics", len(l.chars), len(want))
		}
		return nil
	}, nil)
}

func (l *bleLink) char(service, char uuid.UUID) (bluetooth.DeviceCharacteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return bluetooth.DeviceCharacteristic{}, ErrLinkClosed
	}
	c, ok := l.chars[char]
	if service != podwire.ServiceUUID || !ok {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("%w: %s", ErrUnknownCharacteristic, char)
	}
	return c, nil
}

func (l *bleLink) Write(ctx context.Context, service, char uuid.UUID, data []byte) error {
	c, err := l.char(service, char)
	if err != nil {
		return err
	}
	return blocking(ctx, func() error {
		return writeCharacteristic(c, data)
	}, nil)
}

func (l *bleLink) Read(ctx context.Context, service, char uuid.UUID) ([]byte, error) {
	c, err := l.char(service, char)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, podwire.TransferSize)
	var n int
	err = blocking(ctx, func() error {
		var err error
		n, err = c.Read(buf)
		return err
	}, nil)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

type bleSub struct {
	c bluetooth.DeviceCharacteristic
}

func (s bleSub) Cancel() {
	s.c.EnableNotifications(nil)
}

func (l *bleLink) Subscribe(ctx context.Context, service, char uuid.UUID, cb func([]byte)) (podlink.Subscription, error) {
	c, err := l.char(service, char)
	if err != nil {
		return nil, err
	}
	err = blocking(ctx, func() error {
		return c.EnableNotifications(func(buf []byte) {
			cb(append([]byte(nil), buf...))
		})
	}, func() {
		c.EnableNotifications(nil)
	})
	if err != nil {
		return nil, fmt.Errorf("enable notifications: %w", err)
	}
	return bleSub{c: c}, nil
}

func (l *bleLink) OnDisconnect(cb func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onDisconnect = cb
}

func (l *bleLink) lost(err error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	cb := l.onDisconnect
	l.mu.Unlock()

	l.ble.forget(l)
	if cb != nil {
		cb(err)
	}
}

func (l *bleLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.ble.forget(l)
	return l.device.Disconnect()
}
