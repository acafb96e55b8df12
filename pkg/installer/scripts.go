// pkg/installer/scripts.go - Running pre/post and external scripts.
//
// External scripts must pass a permission gate before execution; embedded
// scripts are materialized to a temp file owned by this process, which
// passes the gate trivially.

package installer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/macadmins/gomunki/pkg/logging"
)

// allowedScriptGroups are the group names an external script may belong to.
var allowedScriptGroups = map[string]bool{"wheel": true, "admin": true}

// InsecurePermissionsError reports why a script failed the permission gate.
type InsecurePermissionsError struct {
	Path   string
	Reason string
}

func (e *InsecurePermissionsError) Error() string {
	return fmt.Sprintf("insecure permissions on %s: %s", e.Path, e.Reason)
}

// checkScriptPermissions enforces the execution gate: owner must be root
// or the current process owner, group must be wheel or admin, the
// world-write bit must be clear, and the owner-execute bit set.
func checkScriptPermissions(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return &InsecurePermissionsError{Path: path, Reason: "ownership not determinable"}
	}
	if int(st.Uid) != 0 && int(st.Uid) != os.Getuid() {
		return &InsecurePermissionsError{Path: path, Reason: fmt.Sprintf("owned by uid %d", st.Uid)}
	}
	group, err := user.LookupGroupId(strconv.Itoa(int(st.Gid)))
	if err != nil || !allowedScriptGroups[group.Name] {
		// The process's own primary group is as trustworthy as admin.
		if int(st.Gid) != os.Getgid() {
			return &InsecurePermissionsError{Path: path, Reason: fmt.Sprintf("group id %d not allowed", st.Gid)}
		}
	}
	if fi.Mode().Perm()&0002 != 0 {
		return &InsecurePermissionsError{Path: path, Reason: "world-writable"}
	}
	if fi.Mode().Perm()&0100 == 0 {
		return &InsecurePermissionsError{Path: path, Reason: "not executable"}
	}
	return nil
}

// runScript executes an external script after the permission gate, with
// stdout streamed line by line and stderr captured. On nonzero exit the
// combined output is logged at error level between dashed separators.
func runScript(ctx context.Context, path, itemName string, timeout time.Duration) (int, error) {
	if err := checkScriptPermissions(path); err != nil {
		return -1, err
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := execCommand(ctx, path)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, err
	}
	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("starting %s: %w", path, err)
	}

	var outLines []string
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		outLines = append(outLines, line)
		logging.Info(line, "item", itemName)
	}

	err = cmd.Wait()
	exitCode := 0
	if err != nil {
		exitCode = -1
		if cmd.ProcessState != nil {
			exitCode = cmd.ProcessState.ExitCode()
		}
		separator := strings.Repeat("-", 78)
		logging.Error(separator)
		logging.Error("Script failed", "script", path, "item", itemName, "exit", exitCode)
		for _, line := range outLines {
			logging.Error(line)
		}
		for _, line := range strings.Split(strings.TrimRight(stderr.String(), "\n"), "\n") {
			if line != "" {
				logging.Error(line)
			}
		}
		logging.Error(separator)
		return exitCode, fmt.Errorf("script %s exited %d", path, exitCode)
	}
	return exitCode, nil
}

// runEmbeddedScript materializes a pkginfo script string to a temp file
// with mode 0700 and runs it through the standard runner.
func runEmbeddedScript(ctx context.Context, tempDir, scriptName, content, itemName string, timeout time.Duration) (int, error) {
	path := filepath.Join(tempDir, scriptName)
	if err := os.WriteFile(path, []byte(content), 0700); err != nil {
		return -1, fmt.Errorf("writing %s: %w", scriptName, err)
	}
	defer os.Remove(path)
	return runScript(ctx, path, itemName, timeout)
}
