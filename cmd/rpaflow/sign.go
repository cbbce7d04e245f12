package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/rpaflow/rpaflow/signature"
	"github.com/rpaflow/rpaflow/utils"
)

// newSignCmd creates the 'sign' subcommand.
func newSignCmd() *cobra.Command {
	var keyEnv string
	cmd := &cobra.Command{
		Use:   "sign [file]",
		Short: "Write a detached signature for a flow package",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			key := os.Getenv(keyEnv)
			if key == "" {
				utils.Error("signing key env var %s is empty", keyEnv)
				exit(1)
			}
			sigFile, err := signature.Sign(args[0], []byte(key))
			if err != nil {
				utils.Error("signing failed: %v", err)
				exit(2)
			}
			utils.User("wrote %s", sigFile)
		},
	}
	cmd.Flags().StringVar(&keyEnv, "key-env", "RPAFLOW_SIGN_KEY", "Env var holding the signing key")
	return cmd
}
