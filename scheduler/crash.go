package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// crashLogTailLines bounds how much of the job log a report embeds.
const crashLogTailLines = 50

// CrashEnv describes the machine state captured alongside a job failure.
type CrashEnv struct {
	RuntimeVersion string `json:"runtimeVersion"`
	Platform       string `json:"platform"`
	Display        string `json:"display"`
	IsElevated     bool   `json:"isElevated"`
}

// CrashReport is the JSON document written on job failure.
type CrashReport struct {
	Error string   `json:"error"`
	Env   CrashEnv `json:"env"`
	Log   string   `json:"log"`
}

// WriteCrashReport captures the failure, environment probes and the
// tail of the job log into crash_<millis>.json under the report dir.
func (s *Scheduler) WriteCrashReport(j *Job, jobErr error) (string, error) {
	report := CrashReport{
		Error: jobErr.Error(),
		Env: CrashEnv{
			RuntimeVersion: runtime.Version(),
			Platform:       runtime.GOOS,
			Display:        s.displayProbe(),
			IsElevated:     s.elevationProbe(),
		},
		Log: tailFile(j.logFile, crashLogTailLines),
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(j.reportDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(j.reportDir, fmt.Sprintf("crash_%d.json", time.Now().UnixMilli()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func tailFile(path string, lines int) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	all := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(all) > lines {
		all = all[len(all)-lines:]
	}
	return strings.Join(all, "\n")
}
