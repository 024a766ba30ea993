// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/tedfoley/form-trackers/pkg/podlink"
)

var scanTimeout time.Duration

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for FormTracker pods",
	Long: `Scan for pods advertising the FormTracker name prefix.

Over Bluetooth the scan runs for --timeout. Over a serial port or WebSocket
bridge each endpoint is probed once by reading its device name.

Examples:
  # Bluetooth scan for 5 seconds
  formtracker scan --timeout 5s

  # Probe every USB serial port for a pod on a debug cable
  formtracker scan --port auto

Exit codes:
  0 - Scan successful (at least one pod found)
  1 - No pods found before the timeout
  2 - Connection or permission error`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 0, "Scan duration (default from config, 10s)")
}

func runScan(cmd *cobra.Command, args []string) error {
	m, connInfo, err := NewManager()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer m.Close()

	timeout := scanTimeout
	if timeout == 0 {
		timeout = cfg.Scan.Timeout.Duration
	}

	fmt.Printf("FormTracker - Pod Scan\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %s\n\n", timeout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	updates, unsubscribe := m.Subscribe()
	defer unsubscribe()
	<-updates // initial idle snapshot

	if err := m.StartScan(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Scan error: %v\n", err)
		if errors.Is(err, podlink.ErrPermissionDenied) {
			fmt.Fprintf(os.Stderr, "Bluetooth permission is required to scan for pods.\n")
		}
		os.Exit(2)
	}

	seen := make(map[string]bool)
	for session := range updates {
		for _, dev := range session.ScannedDevices() {
			if seen[dev.ID] {
				continue
			}
			seen[dev.ID] = true
			fmt.Printf("Pod found:\n")
			fmt.Printf("  Name: %s\n", dev.Name)
			fmt.Printf("  ID:   %s\n", dev.ID)
			if dev.RSSI != 0 {
				fmt.Printf("  RSSI: %d dBm\n", dev.RSSI)
			}
		}
		if session.Err != nil {
			fmt.Fprintf(os.Stderr, "\nScan error: %v\n", session.Err)
			os.Exit(2)
		}
		// The scan ends on timeout, on Ctrl+C, or when a probing
		// transport has tried every endpoint.
		if session.Phase == podlink.ScanIdle {
			break
		}
	}

	fmt.Printf("\n--- Scan summary ---\n")
	fmt.Printf("Pods found: %d\n", len(seen))

	if len(seen) == 0 {
		fmt.Printf("No pods found. Check that the pods are charged and nearby.\n")
		os.Exit(1)
	}
	return nil
}
