// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/tedfoley/form-trackers/pkg/podwire"
	"github.com/tedfoley/form-trackers/pkg/transport"
)

var (
	rawLogDevice        string
	rawLogFrames        bool
	rawLogStatsInterval time.Duration
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display pod packets in human-readable format",
	Long: `Connect to one pod and decode feature packets as they arrive.

Each packet is printed with its timestamp, cadence, ground contact time,
vertical oscillation, stride phase and flags. Implausible values are
flagged as they are seen.

With --frames (serial or WebSocket only) nothing is sent to the pod; every
link frame on the wire is decoded and printed instead, including the
host's own commands when the bridge echoes them.

Examples:
  formtracker raw_log
  formtracker raw_log --device FormTracker-A1B2
  formtracker raw_log --port /dev/ttyACM0 --frames`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().StringVarP(&rawLogDevice, "device", "d", "", "Pod id or name (default: first pod found)")
	rawLogCmd.Flags().BoolVar(&rawLogFrames, "frames", false, "Print raw link frames (serial/WebSocket)")
	rawLogCmd.Flags().DurationVar(&rawLogStatsInterval, "stats-interval", 0, "Print statistics at this interval (0 = only on exit)")
}

func runRawLog(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if rawLogFrames {
		return runFrameLog(ctx)
	}

	tr, _, connInfo, err := OpenTransport()
	if err != nil {
		return err
	}

	fmt.Printf("FormTracker - Raw Packet Log\n")
	fmt.Printf("Connection: %s\n", connInfo)

	scanCtx, cancel := context.WithTimeout(ctx, cfg.Scan.Timeout.Duration)
	ad, err := findPod(scanCtx, tr, rawLogDevice)
	cancel()
	if err != nil {
		return err
	}
	fmt.Printf("Pod: %s (%s)\n", ad.Name, ad.ID)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	link, err := tr.Connect(ctx, ad.Handle, podwire.TransferSize)
	if err != nil {
		return err
	}
	defer link.Close()

	lost := make(chan error, 1)
	link.OnDisconnect(func(err error) {
		select {
		case lost <- err:
		default:
		}
	})

	var mu sync.Mutex
	stats := podwire.NewStatistics()
	rate := uint8(cfg.Stream.RateHz)

	sub, err := startStreaming(ctx, link, rate, func(data []byte) {
		mu.Lock()
		defer mu.Unlock()

		p, err := podwire.DecodeFeaturePacket(data)
		if err != nil {
			stats.Update(err, nil)
			fmt.Printf("[ERROR] %v\n", err)
			return
		}
		problems := podwire.ValidatePacket(p)
		stats.Update(nil, problems)
		fmt.Println(podwire.FormatPacket(time.Now(), ad.Name, p))
		for _, v := range problems {
			fmt.Printf("  [WARN] %s\n", v.Message)
		}
	})
	if err != nil {
		return err
	}
	defer sub.Cancel()

	if data, err := link.Read(ctx, podwire.ServiceUUID, podwire.BatteryCharUUID); err == nil {
		if level, err := podwire.DecodeBatteryLevel(data); err == nil {
			fmt.Printf("Battery: %d%%\n", level)
		}
	}

	var tick <-chan time.Time
	if rawLogStatsInterval > 0 {
		ticker := time.NewTicker(rawLogStatsInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	printStats := func() {
		mu.Lock()
		defer mu.Unlock()
		fmt.Print("\n" + stats.String())
	}

	for {
		select {
		case <-tick:
			printStats()
		case err := <-lost:
			printStats()
			return fmt.Errorf("pod disconnected: %w", err)
		case <-ctx.Done():
			stopStreaming(link, rate)
			printStats()
			return nil
		}
	}
}

// runFrameLog decodes every frame on a serial or WebSocket link.
func runFrameLog(ctx context.Context) error {
	var (
		conn     io.ReadWriteCloser
		connInfo string
		err      error
	)
	switch {
	case cfg.Link.URL != "":
		ws := transport.WebSocketOptions{Username: cfg.Link.Username, SkipSSLVerify: cfg.Link.NoSSLVerify}
		if ws.Username != "" {
			if ws.Password, err = GetPassword(); err != nil {
				return err
			}
		}
		conn, err = transport.OpenWebSocketConnection(ctx, cfg.Link.URL, ws)
		connInfo = fmt.Sprintf("WebSocket: %s", cfg.Link.URL)
	case cfg.Link.Port != "" && cfg.Link.Port != "auto":
		conn, err = transport.OpenSerialConnection(cfg.Link.Port, cfg.Link.Baud)
		connInfo = fmt.Sprintf("Serial: %s @ %d baud", cfg.Link.Port, cfg.Link.Baud)
	default:
		return errors.New("--frames needs --port <device> or --url")
	}
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("FormTracker - Raw Frame Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	decoder := podwire.NewDecoder()
	buf := make([]byte, 128)

	for {
		n, err := conn.Read(buf)
		for i := 0; i < n; i++ {
			frame, err := decoder.DecodeByte(buf[i])
			if err != nil {
				fmt.Printf("[ERROR] %v\n", err)
				continue
			}
			if frame != nil {
				fmt.Println(podwire.FormatFrame(*frame))
			}
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrConnectionClosed) || errors.Is(err, io.EOF) {
				logger.Info().Msg("Connection closed")
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}
	}
}
