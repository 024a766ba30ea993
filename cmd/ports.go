// SPDX-License-Identifier: GPL-2.0-or-later

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tedfoley/form-trackers/pkg/transport"
)

var portsUSBOnly bool

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports",
	Long: `List the serial ports on this host with their USB details.

A pod on a USB debug cable shows up as a USB serial device. Pass its name
to --port, or use --port auto to probe every USB serial port.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := transport.ListSerialPorts()
		if err != nil {
			return err
		}

		shown := 0
		for _, p := range ports {
			if portsUSBOnly && !p.IsUSB {
				continue
			}
			shown++
			if p.IsUSB {
				fmt.Printf("%-20s USB %s:%s %s %s\n", p.Name, p.VID, p.PID, p.Product, p.Serial)
			} else {
				fmt.Printf("%-20s\n", p.Name)
			}
		}
		if shown == 0 {
			fmt.Println("No serial ports found.")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(portsCmd)
	portsCmd.Flags().BoolVar(&portsUSBOnly, "usb", false, "Only list USB serial devices")
}
