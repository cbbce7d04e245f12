package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/rpaflow/rpaflow/dsl"
	"github.com/rpaflow/rpaflow/engine"
	"github.com/rpaflow/rpaflow/model"
	"github.com/rpaflow/rpaflow/secrets"
	"github.com/rpaflow/rpaflow/storage"
	"github.com/rpaflow/rpaflow/utils"
)

// newRunCmd creates the 'run' subcommand.
func newRunCmd() *cobra.Command {
	var inputsPath, inputsJSON, resumeStep, checkpoint, signKeyEnv string
	cmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Execute a flow file",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadRunConfig()

			var flow *model.Flow
			var err error
			if key := os.Getenv(signKeyEnv); signKeyEnv != "" && key != "" {
				flow, err = dsl.LoadVerified(args[0], []byte(key))
			} else {
				flow, err = dsl.Load(args[0])
			}
			if err != nil {
				utils.Error("failed to load flow: %v", err)
				exit(1)
			}

			inputs, err := loadInputs(inputsPath, inputsJSON)
			if err != nil {
				utils.Error("failed to load inputs: %v", err)
				exit(2)
			}

			store, err := storage.New(cfg.Storage)
			if err != nil {
				utils.Error("failed to open storage: %v", err)
				exit(3)
			}
			defer store.Close()

			runner := engine.NewRunner(cfg,
				engine.WithBaseDir(baseDir),
				engine.WithStorage(store),
				engine.WithSecrets(secrets.NewEnvStore("RPAFLOW_SECRET_")),
			)

			var run *model.Run
			if resumeStep != "" {
				run, err = runner.ResumeFlow(cmd.Context(), flow, resumeStep, checkpoint, inputs)
			} else {
				run, err = runner.RunFlow(cmd.Context(), flow, inputs)
			}
			if run != nil {
				utils.User("run %s finished: %s", run.ID, run.Status)
			}
			if err != nil {
				utils.Error("run failed: %v", err)
				exit(4)
			}
		},
	}
	cmd.Flags().StringVar(&inputsPath, "inputs", "", "Path to inputs JSON file")
	cmd.Flags().StringVar(&inputsJSON, "inputs-json", "", "Inputs as inline JSON string")
	cmd.Flags().StringVar(&resumeStep, "resume-step", "", "Step id to resume from")
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "", "Checkpoint file for --resume-step")
	cmd.Flags().StringVar(&signKeyEnv, "verify-key-env", "", "Env var holding the signing key; when set and non-empty the flow signature is verified")
	return cmd
}

func loadInputs(path, inline string) (map[string]any, error) {
	if inline != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(inline), &m); err != nil {
			return nil, err
		}
		return m, nil
	}
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
