package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coswise/claude-code-by-agents/internal/client"
)

var abortCmd = &cobra.Command{
	Use:   "abort <request-id>",
	Short: "Abort a running request on the hub",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), abortTimeout)
		defer cancel()

		aborted, err := client.New(hubURL(cfg)).Abort(ctx, args[0])
		if err != nil {
			return err
		}
		if !aborted {
			return fmt.Errorf("no running request %s", args[0])
		}
		fmt.Println(abortColor.Sprintf("Request %s aborted", args[0]))
		return nil
	},
}
