package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nullharbor/turnrelayd/internal/config"
)

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate a new auth_secret",
	Long: `Generate a new random auth_secret, the shared key used to derive
ephemeral TURN credentials and forwarded to the portal as
JoinMessage.stamp_secret. The secret is printed to stdout, hex-encoded.

Example:
  turnrelayd genkey > /etc/turnrelayd/secrets.toml.fragment`,
	RunE: runGenkey,
}

func runGenkey(cmd *cobra.Command, args []string) error {
	secret, err := config.GenerateAuthSecret()
	if err != nil {
		return fmt.Errorf("generating auth secret: %w", err)
	}
	fmt.Println(secret)
	return nil
}
