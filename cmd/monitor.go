// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/tedfoley/form-trackers/pkg/podlink"
)

var (
	monitorDemo      bool
	monitorNoRestore bool
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Interactive TUI to connect pods, assign locations and watch metrics",
	Long: `Launch an interactive terminal UI for a running session.

Scan for pods, connect to several at once, assign each to a body location
and watch live cadence, ground contact time and vertical oscillation.
Saved assignments are restored automatically when their pods connect.

Keyboard Controls:
  s          Start/stop scan
  Enter, c   Connect to the selected pod
  x          Disconnect the selected pod
  1 / 2 / 3  Assign the selected pod to left foot / right foot / waist
  0          Clear the selected pod's location
  w          Save the current assignments
  r          Restore saved assignments now
  D          Toggle demo mode
  Up/Down    Select pod
  q, Ctrl+C  Quit

Examples:
  # Bluetooth
  formtracker monitor

  # Pod on a USB debug cable
  formtracker monitor --port /dev/ttyUSB0

  # Synthetic pods, no hardware
  formtracker monitor --demo`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&monitorDemo, "demo", false, "Start in demo mode with synthetic pods")
	monitorCmd.Flags().BoolVar(&monitorNoRestore, "no-restore", false, "Do not restore saved assignments on connect")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	// The TUI owns the terminal; logs only go to --log-file.
	quietLogger()

	var (
		m        *podlink.Manager
		connInfo string
		err      error
	)
	if monitorDemo {
		m, connInfo = demoManager(), "Demo"
	} else {
		m, connInfo, err = NewManager()
		if err != nil {
			return fmt.Errorf("failed to open transport: %w", err)
		}
	}
	defer m.Close()

	return runMonitorTUI(m, connInfo, monitorDemo, !monitorNoRestore)
}

// runMonitorTUI drives the monitor model until the user quits. Pods are
// disconnected on the way out so they stop streaming.
func runMonitorTUI(m *podlink.Manager, connInfo string, startDemo, autoRestore bool) error {
	m.LoadAssignments(context.Background())
	if startDemo {
		if err := m.StartDemo(); err != nil {
			return err
		}
	}

	updates, unsubscribe := m.Subscribe()
	defer unsubscribe()

	p := tea.NewProgram(
		initialMonitorModel(m, connInfo, updates, autoRestore),
		tea.WithAltScreen(),
	)
	_, err := p.Run()

	m.DisconnectAll(context.Background())
	if err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
