// pkg/installer/launchd.go - Supervising a child process through launchd.
//
// Some installers behave differently when run from a launchd context, so
// the executor can delegate a command to a throwaway launchd job: write a
// descriptor, load it, start it, poll launchctl list until it exits, then
// unload and clean up.

package installer

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/macadmins/gomunki/pkg/logging"
	"github.com/macadmins/gomunki/pkg/plist"
)

// launchdPollInterval is how often job state is sampled while waiting.
const launchdPollInterval = 100 * time.Millisecond

// LaunchdJob is a supervised external process with a stable label and a
// serialized descriptor on disk.
type LaunchdJob struct {
	Label      string
	Cleanup    bool
	descriptor string
	stdoutPath string
	stderrPath string
	tempDir    string
}

// NewLaunchdJob writes a job descriptor for cmd into dir and returns the
// unloaded job. The descriptor is mode 0644 owned root:wheel where
// possible.
func NewLaunchdJob(cmd []string, env map[string]string, dir string) (*LaunchdJob, error) {
	if len(cmd) == 0 {
		return nil, fmt.Errorf("launchd job needs a command")
	}
	job := &LaunchdJob{
		Label:   "com.googlecode.munki." + uuid.NewString(),
		Cleanup: true,
		tempDir: dir,
	}
	job.descriptor = filepath.Join(dir, job.Label+".plist")
	job.stdoutPath = filepath.Join(dir, job.Label+".stdout")
	job.stderrPath = filepath.Join(dir, job.Label+".stderr")

	args := make([]interface{}, len(cmd))
	for i, a := range cmd {
		args[i] = a
	}
	doc := plist.Dict{
		"Label":             job.Label,
		"ProgramArguments":  args,
		"StandardOutPath":   job.stdoutPath,
		"StandardErrorPath": job.stderrPath,
	}
	if len(env) > 0 {
		vars := make(map[string]interface{}, len(env))
		for k, v := range env {
			vars[k] = v
		}
		doc["EnvironmentVariables"] = vars
	}
	if err := plist.Write(doc, job.descriptor); err != nil {
		return nil, err
	}
	if err := os.Chmod(job.descriptor, 0644); err != nil {
		return nil, err
	}
	if err := os.Chown(job.descriptor, 0, 0); err != nil {
		logging.Debug("Could not set descriptor ownership", "path", job.descriptor, "error", err)
	}
	return job, nil
}

// Load registers the job with launchd.
func (j *LaunchdJob) Load(ctx context.Context) error {
	if err := execCommand(ctx, "/bin/launchctl", "load", j.descriptor).Run(); err != nil {
		return fmt.Errorf("launchctl load %s: %w", j.Label, err)
	}
	return nil
}

// Start kicks off the loaded job.
func (j *LaunchdJob) Start(ctx context.Context) error {
	if err := execCommand(ctx, "/bin/launchctl", "start", j.Label).Run(); err != nil {
		return fmt.Errorf("launchctl start %s: %w", j.Label, err)
	}
	return nil
}

// jobState is one sample of launchctl's view of the job.
type jobState struct {
	Loaded     bool
	Running    bool
	ExitStatus int
}

// state parses launchctl list output. Each line is "PID\tStatus\tLabel",
// with "-" for the PID of a non-running job.
func (j *LaunchdJob) state(ctx context.Context) (jobState, error) {
	out, err := execCommand(ctx, "/bin/launchctl", "list").Output()
	if err != nil {
		return jobState{}, fmt.Errorf("launchctl list: %w", err)
	}
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 || fields[2] != j.Label {
			continue
		}
		st := jobState{Loaded: true}
		if fields[0] != "-" {
			st.Running = true
		}
		if code, err := strconv.Atoi(fields[1]); err == nil {
			st.ExitStatus = code
		}
		return st, nil
	}
	return jobState{}, nil
}

// Wait polls until the job stops and returns its exit status.
func (j *LaunchdJob) Wait(ctx context.Context) (int, error) {
	started := false
	for {
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(launchdPollInterval):
		}
		st, err := j.state(ctx)
		if err != nil {
			return -1, err
		}
		if st.Running {
			started = true
			continue
		}
		if st.Loaded && started {
			return st.ExitStatus, nil
		}
		if st.Loaded {
			// Loaded but never observed running; the job may have finished
			// between polls. The recorded status is still authoritative.
			return st.ExitStatus, nil
		}
		return -1, fmt.Errorf("launchd job %s disappeared", j.Label)
	}
}

// Remove unloads the job and, when cleanup is enabled, deletes the
// descriptor and output files.
func (j *LaunchdJob) Remove(ctx context.Context) {
	if err := execCommand(ctx, "/bin/launchctl", "unload", j.descriptor).Run(); err != nil {
		logging.Debug("launchctl unload failed", "label", j.Label, "error", err)
	}
	if !j.Cleanup {
		return
	}
	for _, path := range []string{j.descriptor, j.stdoutPath, j.stderrPath} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logging.Warn("Could not remove launchd job file", "path", path, "error", err)
		}
	}
}
