package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/rpaflow/rpaflow/signature"
	"github.com/rpaflow/rpaflow/utils"
)

// newVerifyCmd creates the 'verify' subcommand.
func newVerifyCmd() *cobra.Command {
	var keyEnv string
	cmd := &cobra.Command{
		Use:   "verify [file]",
		Short: "Check a flow package against its detached signature",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			key := os.Getenv(keyEnv)
			if key == "" {
				utils.Error("signing key env var %s is empty", keyEnv)
				exit(1)
			}
			if !signature.Verify(args[0], []byte(key)) {
				utils.Error("signature verification failed for %s", args[0])
				exit(2)
			}
			utils.User("signature OK")
		},
	}
	cmd.Flags().StringVar(&keyEnv, "key-env", "RPAFLOW_SIGN_KEY", "Env var holding the signing key")
	return cmd
}
