// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package podlink

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tedfoley/form-trackers/pkg/podwire"
)

const stopWriteTimeout = 2 * time.Second

type connConfig struct {
	rateHz         uint8
	initialBackoff time.Duration
	maxBackoff     time.Duration
	clock          Clock
	logger         zerolog.Logger
}

// attempt is the resources of one connect attempt. Cancelling ctx turns
// the attempt's notification callback into a no-op.
type attempt struct {
	link   Link
	sub    Subscription
	ctx    context.Context
	cancel context.CancelFunc
	lost   chan struct{}
}

func (a *attempt) teardown() {
	a.cancel()
	if a.sub != nil {
		a.sub.Cancel()
	}
	if a.link != nil {
		a.link.Close()
	}
}

// PodConnection drives one device through connect, stream and reconnect.
// All transitions happen on its own goroutine; the outside world sees them
// only as events passed to emit.
type PodConnection struct {
	id        string
	name      string
	handle    Handle
	transport Transport
	cfg       connConfig
	log       zerolog.Logger
	emit      func(event)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	shouldReconnect atomic.Bool
	stopOnce        sync.Once

	mu      sync.Mutex
	current *attempt
}

func newPodConnection(parent context.Context, dev ScannedDevice, transport Transport, cfg connConfig, emit func(event)) *PodConnection {
	ctx, cancel := context.WithCancel(parent)
	c := &PodConnection{
		id:        dev.ID,
		name:      dev.Name,
		handle:    dev.Handle,
		transport: transport,
		cfg:       cfg,
		log:       cfg.logger.With().Str("device", dev.ID).Logger(),
		emit:      emit,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c.shouldReconnect.Store(true)
	return c
}

// ID returns the device id.
func (c *PodConnection) ID() string {
	return c.id
}

func (c *PodConnection) start() {
	go c.run()
}

func (c *PodConnection) run() {
	defer close(c.done)
	defer func() {
		c.mu.Lock()
		a := c.current
		c.current = nil
		c.mu.Unlock()
		if a != nil {
			a.teardown()
		}
	}()

	backoff := NewBackoff(c.cfg.initialBackoff, c.cfg.maxBackoff)

	c.emitState(Connecting)
	a, err := c.establish()
	if err != nil {
		if c.ctx.Err() == nil {
			c.log.Warn().Err(err).Msg("Connection failed")
			c.emit(podConnectFailed{conn: c, err: err})
		}
		return
	}
	c.log.Info().Msg("Connected")

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-a.lost:
		}

		c.setCurrent(nil)
		a.teardown()
		if !c.shouldReconnect.Load() || c.ctx.Err() != nil {
			return
		}

		c.log.Warn().Msg("Connection lost, reconnecting")
		c.emitState(Reconnecting)

		for {
			delay := backoff.Next()
			c.log.Debug().Dur("delay", delay).Msg("Reconnect scheduled")

			select {
			case <-c.ctx.Done():
				return
			case <-c.cfg.clock.After(delay):
			}
			if !c.shouldReconnect.Load() {
				return
			}

			c.emitState(Connecting)
			a, err = c.establish()
			if err == nil {
				backoff.Reset()
				c.log.Info().Msg("Reconnected")
				break
			}
			if c.ctx.Err() != nil {
				return
			}
			c.log.Debug().Err(err).Msg("Reconnect attempt failed")
			c.emitState(Reconnecting)
		}
	}
}

// establish runs one full connect sequence. On success the attempt is
// stored as current and its lost channel fires on disconnect.
func (c *PodConnection) establish() (*attempt, error) {
	actx, cancel := context.WithCancel(c.ctx)
	a := &attempt{ctx: actx, cancel: cancel, lost: make(chan struct{}, 1)}

	link, err := c.transport.Connect(actx, c.handle, podwire.TransferSize)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	a.link = link
	link.OnDisconnect(func(error) {
		select {
		case a.lost <- struct{}{}:
		default:
		}
	})

	if err := link.DiscoverServices(actx); err != nil {
		a.teardown()
		return nil, fmt.Errorf("%w: service discovery: %v", ErrConnect, err)
	}
	c.setCurrent(a)
	c.emitState(Connected)

	epoch := podwire.EpochMillis(c.cfg.clock.Now())
	if err := link.Write(actx, podwire.ServiceUUID, podwire.ConfigCharUUID, podwire.EncodeTimeSync(epoch)); err != nil {
		c.log.Warn().Err(err).Msg("Time sync failed")
	} else if actx.Err() == nil {
		c.emit(podTimeSynced{conn: c})
	}

	start := podwire.MustEncodeControlCommand(podwire.StartStreaming, c.cfg.rateHz)
	if err := link.Write(actx, podwire.ServiceUUID, podwire.ConfigCharUUID, start); err != nil {
		c.setCurrent(nil)
		a.teardown()
		return nil, fmt.Errorf("%w: start streaming: %v", ErrWriteFailed, err)
	}

	sub, err := link.Subscribe(actx, podwire.ServiceUUID, podwire.FeatureCharUUID, func(data []byte) {
		if actx.Err() != nil {
			return
		}
		p, err := podwire.DecodeFeaturePacket(data)
		if err != nil {
			c.log.Debug().Err(err).Int("len", len(data)).Msg("Dropping malformed packet")
		}
		c.emit(podPacket{conn: c, packet: p, err: err})
	})
	if err != nil {
		c.log.Warn().Err(err).Msg("Telemetry subscription failed")
	} else {
		a.sub = sub
	}

	if data, err := link.Read(actx, podwire.ServiceUUID, podwire.BatteryCharUUID); err != nil {
		c.log.Warn().Err(err).Msg("Battery read failed")
	} else if level, err := podwire.DecodeBatteryLevel(data); err != nil {
		c.log.Warn().Err(err).Msg("Battery read failed")
	} else if actx.Err() == nil {
		c.emit(podBattery{conn: c, level: level})
	}

	return a, nil
}

func (c *PodConnection) emitState(s ConnectionState) {
	if c.ctx.Err() != nil {
		return
	}
	c.emit(podStateChanged{conn: c, state: s})
}

func (c *PodConnection) setCurrent(a *attempt) {
	c.mu.Lock()
	c.current = a
	c.mu.Unlock()
}

func (c *PodConnection) currentLink() Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	return c.current.link
}

// Stop performs the explicit disconnect: reconnects are disabled first,
// then a best-effort stop-streaming write is sent, then the link, pending
// timer and subscription are torn down. Stop waits for the connection
// goroutine to exit and is idempotent.
func (c *PodConnection) Stop(ctx context.Context) {
	c.stopOnce.Do(func() {
		c.shouldReconnect.Store(false)

		if link := c.currentLink(); link != nil {
			wctx, cancel := context.WithTimeout(ctx, stopWriteTimeout)
			stop := podwire.MustEncodeControlCommand(podwire.StopStreaming, c.cfg.rateHz)
			if err := link.Write(wctx, podwire.ServiceUUID, podwire.ConfigCharUUID, stop); err != nil {
				c.log.Debug().Err(err).Msg("Stop streaming failed")
			}
			cancel()
		}

		c.cancel()
		<-c.done
		c.log.Info().Msg("Disconnected")
	})
}

// Done is closed when the connection goroutine has exited.
func (c *PodConnection) Done() <-chan struct{} {
	return c.done
}
