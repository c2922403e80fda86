// Copyright (C) 2025 Laorent
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"os"

	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	relayURL string
	logDir   string
	verbose  bool

	rootCmd = &cobra.Command{
		Use:   "ether",
		Short: "A terminal client for the ether chat relay",
		Long: `Ether is a grounded chat client. It talks to an ether relay,
which streams model responses with web-search citations.`,
	}

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session with the relay",
		Run:   runChatCommand, // Defined in cmd_chat.go
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Check relay reachability and access protection",
		Run:   runStatusCommand, // Defined in cmd_status.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&relayURL, "relay", defaultRelayURL(), "Base URL of the ether relay")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Directory for client log files (disabled when empty)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(statusCmd)
}

// defaultRelayURL resolves the relay base URL from the environment,
// falling back to the local development default.
func defaultRelayURL() string {
	if url := os.Getenv("ETHER_RELAY_URL"); url != "" {
		return url
	}
	return "http://localhost:12310"
}
