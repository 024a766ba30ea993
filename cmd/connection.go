// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/tedfoley/form-trackers/pkg/podlink"
	"github.com/tedfoley/form-trackers/pkg/store"
	"github.com/tedfoley/form-trackers/pkg/transport"
)

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	if pw := os.Getenv("FORMTRACKER_PASSWORD"); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Fallback to regular input if terminal functions fail
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// OpenTransport builds the transport selected by the link settings and
// describes it for the header line.
func OpenTransport() (podlink.Transport, podlink.Permission, string, error) {
	opts := transport.LinkOptions{Logger: &logger}
	lc := cfg.Link

	if lc.URL != "" {
		ws := transport.WebSocketOptions{Username: lc.Username, SkipSSLVerify: lc.NoSSLVerify}
		if lc.Username != "" {
			password, err := GetPassword()
			if err != nil {
				return nil, nil, "", err
			}
			ws.Password = password
		}
		return transport.NewWebSocketTransport(lc.URL, ws, opts), podlink.AlwaysGranted{},
			fmt.Sprintf("WebSocket: %s", lc.URL), nil
	}

	if lc.Port != "" {
		return transport.NewSerialTransport(lc.Port, lc.Baud, opts), podlink.AlwaysGranted{},
			fmt.Sprintf("Serial: %s @ %d baud", lc.Port, lc.Baud), nil
	}

	ble := transport.NewBLE(nil, &logger)
	return ble, ble, "Bluetooth", nil
}

// OpenStore opens the assignment store. An empty path keeps assignments in
// memory for this run only.
func OpenStore() store.Store {
	if cfg.Store.Path == "" {
		logger.Warn().Msg("No store path, assignments will not persist")
		return store.NewMemory()
	}
	return store.NewFile(cfg.Store.Path)
}

// NewManager wires a Manager to the configured transport and store.
func NewManager() (*podlink.Manager, string, error) {
	tr, perm, connInfo, err := OpenTransport()
	if err != nil {
		return nil, "", err
	}
	m := podlink.NewManager(podlink.Options{
		Transport:      tr,
		Permission:     perm,
		Store:          OpenStore(),
		RateHz:         uint8(cfg.Stream.RateHz),
		InitialBackoff: cfg.Reconnect.Initial.Duration,
		MaxBackoff:     cfg.Reconnect.Max.Duration,
		DemoProfiles:   cfg.SynthProfiles(),
		DemoOptions:    cfg.SynthOptions(&logger),
		Logger:         &logger,
	})
	return m, connInfo, nil
}
