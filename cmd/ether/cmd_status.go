// Copyright (C) 2025 Laorent
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/laorent/ether/pkg/chat"
)

func runStatusCommand(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := chat.NewClient(relayURL)
	status, err := client.AccessStatus(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, Styles.Error.Render(fmt.Sprintf("relay unreachable at %s: %v", relayURL, err)))
		os.Exit(1)
	}

	fmt.Println(Styles.Success.Render("relay reachable"), Styles.Muted.Render(relayURL))
	if status.IsPasswordProtected {
		fmt.Println(Styles.Warning.Render("access: password protected"))
	} else {
		fmt.Println(Styles.Muted.Render("access: open"))
	}
}
