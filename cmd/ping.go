package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the DSP service is reachable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService(nil)
		if err != nil {
			return err
		}

		res, err := svc.Ping(cmd.Context())
		if err != nil {
			return fmt.Errorf("DSP service at %s is not reachable: %w", cfg.Service.BaseURL, err)
		}
		fmt.Printf("%s: %s (%s)\n", cfg.Service.BaseURL, res.Message, res.Status)
		return nil
	},
}
