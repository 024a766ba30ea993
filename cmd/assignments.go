// SPDX-License-Identifier: GPL-2.0-or-later

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tedfoley/form-trackers/pkg/podlink"
)

var assignmentsCmd = &cobra.Command{
	Use:   "assignments",
	Short: "List or clear saved body-location assignments",
	Long: `Show or clear the saved pod to body-location assignments.

Assignments are saved from the monitor TUI and restored when the same pods
connect again. They live in the store file named by store.path in the
config (default: the user config directory).`,
}

var assignmentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved assignments",
	RunE: func(cmd *cobra.Command, args []string) error {
		m := storeOnlyManager()
		defer m.Close()

		list := m.LoadAssignments(context.Background())
		if len(list) == 0 {
			fmt.Println("No saved assignments.")
			return nil
		}
		for _, a := range list {
			name := a.DeviceName
			if name == "" {
				name = "-"
			}
			fmt.Printf("%-11s %-20s %s\n", a.BodyLocation.Label(), name, a.DeviceID)
		}
		return nil
	},
}

var assignmentsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all saved assignments",
	RunE: func(cmd *cobra.Command, args []string) error {
		m := storeOnlyManager()
		defer m.Close()

		if err := m.ClearAssignments(context.Background()); err != nil {
			return err
		}
		fmt.Println("Saved assignments cleared.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(assignmentsCmd)
	assignmentsCmd.AddCommand(assignmentsListCmd, assignmentsClearCmd)
}

// storeOnlyManager opens a Manager with no transport, enough for the
// assignment store.
func storeOnlyManager() *podlink.Manager {
	return podlink.NewManager(podlink.Options{Store: OpenStore(), Logger: &logger})
}
