// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tedfoley/form-trackers/pkg/podwire"
)

var (
	pingTimeout time.Duration
	pingCount   int
	pingDevice  string
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measure round trips to a pod by reading its battery level",
	Long: `Connect to one pod and read the battery characteristic repeatedly.

Each read is a full request/response over the active link, so this checks
that the pod answers and how long a round trip takes. Over a WebSocket
bridge it also confirms that authentication works and frames flow both
ways.

Examples:
  formtracker ping --count 5
  formtracker ping --url wss://bridge.local/pod --username admin

Exit codes:
  0 - All pings successful
  1 - One or more pings failed/timed out
  2 - Connection error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().DurationVar(&pingTimeout, "timeout", 5*time.Second, "Timeout for each ping")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
	pingCmd.Flags().StringVarP(&pingDevice, "device", "d", "", "Pod id or name (default: first pod found)")
}

func runPing(cmd *cobra.Command, args []string) error {
	if pingCount < 1 {
		return fmt.Errorf("--count must be at least 1")
	}

	tr, _, connInfo, err := OpenTransport()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("FormTracker - Pod Ping\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	findCtx, cancel := context.WithTimeout(context.Background(), cfg.Scan.Timeout.Duration)
	ad, err := findPod(findCtx, tr, pingDevice)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}

	connCtx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	link, err := tr.Connect(connCtx, ad.Handle, podwire.TransferSize)
	if err == nil {
		err = link.DiscoverServices(connCtx)
	}
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer link.Close()

	successCount := 0
	failCount := 0

	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)

		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		startTime := time.Now()
		data, err := link.Read(ctx, podwire.ServiceUUID, podwire.BatteryCharUUID)
		rtt := time.Since(startTime)
		cancel()

		switch {
		case err != nil:
			fmt.Printf("FAILED: %v\n", err)
			failCount++
		default:
			level, decErr := podwire.DecodeBatteryLevel(data)
			if decErr != nil {
				fmt.Printf("BAD RESPONSE: %v\n", decErr)
				failCount++
				break
			}
			fmt.Printf("reply from %s, battery=%d%%, rtt=%v\n", ad.Name, level, rtt.Round(time.Millisecond))
			successCount++
		}

		// Small delay between pings
		if i < pingCount {
			time.Sleep(100 * time.Millisecond)
		}
	}

	// Summary
	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d responses received, %.0f%% packet loss\n",
		pingCount, successCount, float64(failCount)/float64(pingCount)*100)

	if failCount > 0 {
		os.Exit(1)
	}
	return nil
}
