// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/tedfoley/form-trackers/pkg/podwire"
)

var (
	packetTestTimeout int
	packetTestDevice  string
)

var packetTestCmd = &cobra.Command{
	Use:   "packet_test",
	Short: "Test a pod by waiting for a valid feature packet",
	Long: `Connect to a pod, start streaming and wait for a feature packet until
timeout.

Packets that fail to decode are skipped; the command succeeds on the first
packet that decodes.

Exit codes:
  0 - Packet received before timeout
  1 - Timeout reached without receiving a valid packet
  2 - Connection error

Useful for checking a pod on the bench or through a WebSocket bridge.`,
	RunE: runPacketTest,
}

func init() {
	rootCmd.AddCommand(packetTestCmd)
	packetTestCmd.Flags().IntVar(&packetTestTimeout, "timeout", 10, "Timeout in seconds to wait for a packet")
	packetTestCmd.Flags().StringVarP(&packetTestDevice, "device", "d", "", "Pod id or name (default: first pod found)")
}

func runPacketTest(cmd *cobra.Command, args []string) error {
	tr, _, connInfo, err := OpenTransport()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}

	timeout := time.Duration(packetTestTimeout) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	fmt.Printf("FormTracker - Packet Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", packetTestTimeout)

	ad, err := findPod(ctx, tr, packetTestDevice)
	if err != nil {
		fmt.Fprintf(os.Stderr, "TIMEOUT: %v within %d seconds\n", err, packetTestTimeout)
		os.Exit(1)
	}
	fmt.Printf("Pod: %s (%s)\n", ad.Name, ad.ID)
	fmt.Printf("Waiting for a valid feature packet...\n\n")

	link, err := tr.Connect(ctx, ad.Handle, podwire.TransferSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer link.Close()

	packetChan := make(chan podwire.FeaturePacket, 1)
	var skipped atomic.Int32
	rate := uint8(cfg.Stream.RateHz)

	sub, err := startStreaming(ctx, link, rate, func(data []byte) {
		p, err := podwire.DecodeFeaturePacket(data)
		if err != nil {
			skipped.Add(1)
			return
		}
		select {
		case packetChan <- p:
		default:
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer sub.Cancel()

	select {
	case p := <-packetChan:
		stopStreaming(link, rate)
		if n := skipped.Load(); n > 0 {
			fmt.Printf("(skipped %d malformed packets)\n", n)
		}
		fmt.Printf("SUCCESS: Received valid packet\n")
		fmt.Printf("  Cadence: %d spm\n", p.Cadence)
		fmt.Printf("  Ground contact: %d ms\n", p.GroundContactTime)
		fmt.Printf("  Vertical oscillation: %.1f cm\n", p.VerticalOscillationCM())
		fmt.Printf("  Stride phase: %s\n", p.StridePhase)
		fmt.Printf("  Flags: %s\n", podwire.FormatFlags(p.Flags))
		for _, v := range podwire.ValidatePacket(p) {
			fmt.Printf("  Warning: %s\n", v.Message)
		}
		link.Close()
		os.Exit(0)

	case <-ctx.Done():
		fmt.Fprintf(os.Stderr, "TIMEOUT: No valid packet received within %d seconds\n", packetTestTimeout)
		link.Close()
		os.Exit(1)
	}

	return nil
}
