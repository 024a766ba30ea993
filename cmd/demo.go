// SPDX-License-Identifier: GPL-2.0-or-later

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/tedfoley/form-trackers/pkg/podlink"
	"github.com/tedfoley/form-trackers/pkg/podwire"
)

var (
	demoTUI      bool
	demoDuration time.Duration
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Stream synthetic pods without hardware",
	Long: `Run the synthetic data generator through the session manager.

Three pods (left foot, right foot, waist) stream realistic running
telemetry with a slow cadence drift. The generator profiles and rate come
from the demo section of the config file.

Examples:
  # Print synthetic packets for 10 seconds
  formtracker demo --duration 10s

  # Explore the monitor TUI with synthetic pods
  formtracker demo --tui`,
	RunE: runDemo,
}

func init() {
	rootCmd.AddCommand(demoCmd)
	demoCmd.Flags().BoolVar(&demoTUI, "tui", false, "Show the monitor TUI instead of printing packets")
	demoCmd.Flags().DurationVar(&demoDuration, "duration", 0, "Stop after this long (default: until Ctrl+C)")
}

// demoManager builds a Manager with no transport. It can only run demo pods.
func demoManager() *podlink.Manager {
	return podlink.NewManager(podlink.Options{
		Store:        OpenStore(),
		RateHz:       uint8(cfg.Stream.RateHz),
		DemoProfiles: cfg.SynthProfiles(),
		DemoOptions:  cfg.SynthOptions(&logger),
		Logger:       &logger,
	})
}

func runDemo(cmd *cobra.Command, args []string) error {
	if demoTUI {
		quietLogger()
		m := demoManager()
		defer m.Close()
		return runMonitorTUI(m, "Demo", true, false)
	}

	m := demoManager()
	defer m.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if demoDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, demoDuration)
		defer cancel()
	}

	updates, unsubscribe := m.Subscribe()
	defer unsubscribe()

	if err := m.StartDemo(); err != nil {
		return err
	}
	fmt.Println("FormTracker - Demo Mode (Ctrl+C to stop)")
	fmt.Println()

	// Snapshots coalesce, so a packet is printed when a pod's latest
	// timestamp moves.
	last := make(map[string]uint32)
	var final podlink.Session
	for {
		select {
		case <-ctx.Done():
			m.StopDemo()
			printDemoSummary(final)
			return nil
		case s, ok := <-updates:
			if !ok {
				return nil
			}
			final = s
			now := time.Now()
			for _, id := range s.PodIDs() {
				pod := s.Pods[id]
				if pod.LatestPacket == nil {
					continue
				}
				if ts, seen := last[id]; seen && ts == pod.LatestPacket.Timestamp {
					continue
				}
				last[id] = pod.LatestPacket.Timestamp
				device := fmt.Sprintf("%s/%s", pod.Name, pod.Location)
				fmt.Println(podwire.FormatPacket(now, device, *pod.LatestPacket))
			}
		}
	}
}

func printDemoSummary(s podlink.Session) {
	fmt.Println()
	fmt.Println("=== Demo Summary ===")
	for _, id := range s.PodIDs() {
		pod := s.Pods[id]
		battery := "-"
		if pod.Battery != nil {
			battery = fmt.Sprintf("%d%%", *pod.Battery)
		}
		fmt.Printf("%-22s %-11s battery %-5s packets %d\n",
			pod.Name, pod.Location.Label(), battery, pod.Stats.TotalPackets)
	}
}
