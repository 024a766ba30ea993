// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// FormTracker - running form pod tool
//
// A CLI for scanning, connecting to and monitoring FormTracker pods over
// Bluetooth, a USB debug cable or a WebSocket bridge.

package main

import (
	"os"

	"github.com/tedfoley/form-trackers/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
