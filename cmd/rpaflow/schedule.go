package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/rpaflow/rpaflow/dsl"
	"github.com/rpaflow/rpaflow/engine"
	"github.com/rpaflow/rpaflow/scheduler"
	"github.com/rpaflow/rpaflow/secrets"
	"github.com/rpaflow/rpaflow/storage"
	"github.com/rpaflow/rpaflow/utils"
)

// jobSpec is one entry of the schedule file.
type jobSpec struct {
	Cron      string         `json:"cron"`
	Flow      string         `json:"flow"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	LockFile  string         `json:"lockFile,omitempty"`
	LogFile   string         `json:"logFile,omitempty"`
	ReportDir string         `json:"reportDir,omitempty"`
}

// newScheduleCmd creates the 'schedule' subcommand: a ticking scheduler
// running flows from a jobs file.
func newScheduleCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "schedule [jobs-file]",
		Short: "Run flows on cron schedules from a jobs JSON file",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadRunConfig()

			data, err := os.ReadFile(args[0])
			if err != nil {
				utils.Error("failed to read jobs file: %v", err)
				exit(1)
			}
			var specs []jobSpec
			if err := json.Unmarshal(data, &specs); err != nil {
				utils.Error("failed to parse jobs file: %v", err)
				exit(1)
			}

			store, err := storage.New(cfg.Storage)
			if err != nil {
				utils.Error("failed to open storage: %v", err)
				exit(2)
			}
			defer store.Close()

			sched := scheduler.New()
			for _, spec := range specs {
				spec := spec
				lock := spec.LockFile
				if lock == "" {
					lock = filepath.Join(baseDir, filepath.Base(spec.Flow)+".lock")
				}
				jobDir := filepath.Join(baseDir, "jobs", filepath.Base(spec.Flow))
				fn := func() error {
					flow, err := dsl.Load(spec.Flow)
					if err != nil {
						return err
					}
					runner := engine.NewRunner(cfg,
						engine.WithBaseDir(jobDir),
						engine.WithStorage(store),
						engine.WithSecrets(secrets.NewEnvStore("RPAFLOW_SECRET_")),
					)
					_, err = runner.RunFlow(cmd.Context(), flow, spec.Inputs)
					return err
				}
				opts := []scheduler.JobOption{scheduler.WithName(spec.Flow)}
				if spec.LogFile != "" {
					opts = append(opts, scheduler.WithLogFile(spec.LogFile))
				}
				if spec.ReportDir != "" {
					opts = append(opts, scheduler.WithReportDir(spec.ReportDir))
				}
				if _, err := sched.AddJob(spec.Cron, fn, lock, opts...); err != nil {
					utils.Error("failed to register job %s: %v", spec.Flow, err)
					exit(3)
				}
				utils.Info("scheduled %s (%s)", spec.Flow, spec.Cron)
			}

			sched.Start(cmd.Context(), interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "tick interval for due checks")
	return cmd
}
