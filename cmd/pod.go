// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tedfoley/form-trackers/pkg/podlink"
	"github.com/tedfoley/form-trackers/pkg/podwire"
)

var errNoPod = errors.New("no pod found")

// findPod scans until a pod matching id (any pod when id is empty) is
// seen, or ctx ends.
func findPod(ctx context.Context, tr podlink.Transport, id string) (podlink.Advertisement, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	found := make(chan podlink.Advertisement, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- tr.Discover(ctx, func(ad podlink.Advertisement) {
			if !strings.HasPrefix(ad.Name, podwire.DeviceNamePrefix) {
				return
			}
			if id != "" && ad.ID != id && ad.Name != id {
				return
			}
			select {
			case found <- ad:
				cancel()
			default:
			}
		})
	}()

	select {
	case ad := <-found:
		return ad, nil
	case err := <-errCh:
		select {
		case ad := <-found:
			return ad, nil
		default:
		}
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return podlink.Advertisement{}, err
		}
		return podlink.Advertisement{}, errNoPod
	}
}

// startStreaming runs the pod connect sequence on an open link: time
// sync, start command, telemetry subscription. A failed time sync is only
// logged.
func startStreaming(ctx context.Context, link podlink.Link, rateHz uint8, onPacket func([]byte)) (podlink.Subscription, error) {
	if err := link.DiscoverServices(ctx); err != nil {
		return nil, err
	}

	epoch := podwire.EpochMillis(time.Now())
	if err := link.Write(ctx, podwire.ServiceUUID, podwire.ConfigCharUUID, podwire.EncodeTimeSync(epoch)); err != nil {
		logger.Warn().Err(err).Msg("Time sync failed")
	}

	start := podwire.MustEncodeControlCommand(podwire.StartStreaming, rateHz)
	if err := link.Write(ctx, podwire.ServiceUUID, podwire.ConfigCharUUID, start); err != nil {
		return nil, fmt.Errorf("start streaming: %w", err)
	}

	return link.Subscribe(ctx, podwire.ServiceUUID, podwire.FeatureCharUUID, onPacket)
}

// stopStreaming sends the stop command with a short deadline.
func stopStreaming(link podlink.Link, rateHz uint8) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stop := podwire.MustEncodeControlCommand(podwire.StopStreaming, rateHz)
	if err := link.Write(ctx, podwire.ServiceUUID, podwire.ConfigCharUUID, stop); err != nil {
		logger.Debug().Err(err).Msg("Stop streaming failed")
	}
}
