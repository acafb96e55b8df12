// pkg/installer/installer.go - Executing the resolved install and removal
// actions. The executor consumes InstallInfo read-only, downloads package
// payloads through the fetcher, and performs the side effects item by
// item, honoring the cooperative stop flag between items.

package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/macadmins/gomunki/pkg/blocking"
	"github.com/macadmins/gomunki/pkg/catalog"
	"github.com/macadmins/gomunki/pkg/config"
	"github.com/macadmins/gomunki/pkg/fetch"
	"github.com/macadmins/gomunki/pkg/logging"
	"github.com/macadmins/gomunki/pkg/plist"
	"github.com/macadmins/gomunki/pkg/report"
	"github.com/macadmins/gomunki/pkg/retry"
	"github.com/macadmins/gomunki/pkg/runstate"
)

// PostAction is what the machine owes the user after an install pass, in
// escalation order. Callers compose the maximum across passes.
type PostAction int

const (
	PostActionNone PostAction = iota
	PostActionLogout
	PostActionRestart
	PostActionShutdown
)

func (a PostAction) String() string {
	switch a {
	case PostActionLogout:
		return "Logout"
	case PostActionRestart:
		return "Restart"
	case PostActionShutdown:
		return "Shutdown"
	default:
		return "None"
	}
}

// MaxPostAction returns the more demanding of two post-actions.
func MaxPostAction(a, b PostAction) PostAction {
	if a > b {
		return a
	}
	return b
}

// postActionForRestart maps a pkginfo RestartAction to a post-action.
func postActionForRestart(restartAction string) PostAction {
	switch restartAction {
	case catalog.RequireRestart, catalog.RecommendRestart:
		return PostActionRestart
	case catalog.RequireLogout:
		return PostActionLogout
	default:
		return PostActionNone
	}
}

// Executor performs installs and removals.
type Executor struct {
	Cfg    *config.Configuration
	Client *fetch.Client
	State  *runstate.State
	Report *report.Report
}

func (e *Executor) scriptTimeout() time.Duration {
	seconds := e.Cfg.ScriptTimeoutSeconds
	if seconds <= 0 {
		seconds = 60
	}
	return time.Duration(seconds) * time.Second
}

// InstallPass runs every resolved managed install and returns the maximum
// post-action the pass demands. Individual failures are recorded and do
// not stop the pass.
func (e *Executor) InstallPass(ctx context.Context, info *catalog.InstallInfo) PostAction {
	post := PostActionNone
	for _, record := range info.ManagedInstalls {
		if e.State.StopRequested() {
			logging.Info("Stop requested, ending install pass")
			break
		}
		if apps := blocking.ApplicationsRunning(record); len(apps) > 0 {
			e.Report.Warning("Skipping install, blocking applications running",
				"item", record.Name, "applications", strings.Join(apps, ", "))
			continue
		}
		logging.Info("Installing", "item", record.Name, "version", record.VersionToInstall)
		if err := e.installItem(ctx, record); err != nil {
			e.Report.Error("Install failed", "item", record.Name, "error", err)
			e.Report.Append("InstallResults", map[string]interface{}{
				"name":    record.Name,
				"version": record.VersionToInstall,
				"status":  -1,
			})
			continue
		}
		e.Report.Append("InstallResults", map[string]interface{}{
			"name":    record.Name,
			"version": record.VersionToInstall,
			"status":  0,
		})
		post = MaxPostAction(post, postActionForRestart(record.RestartAction))
	}
	return post
}

// installItem downloads, verifies, and installs one item, running its
// embedded scripts around the payload.
func (e *Executor) installItem(ctx context.Context, record catalog.PackageRecord) error {
	if record.InstallerItem == "" {
		return fmt.Errorf("no installer item for %s", record.Name)
	}
	dest := filepath.Join(e.Cfg.CacheDir(), filepath.Base(record.InstallerItem))
	var path string
	err := retry.Do(retry.Config{MaxAttempts: 3, InitialInterval: 5 * time.Second, Multiplier: 2}, func() error {
		var ferr error
		_, path, ferr = e.Client.Fetch(ctx, fetch.KindPackage, record.InstallerItem, dest,
			fetch.Options{OnlyIfChanged: true, Resume: true})
		// A 404 or auth failure will not get better on retry.
		var httpErr *fetch.HTTPError
		if fetch.IsNotRetrieved(ferr) || errors.As(ferr, &httpErr) {
			return retry.Permanent(ferr)
		}
		return ferr
	})
	if err != nil {
		return fmt.Errorf("downloading %s: %w", record.InstallerItem, err)
	}
	if record.InstallerItemHash != "" && !fetch.Verify(path, record.InstallerItemHash) {
		return fmt.Errorf("hash mismatch for %s", record.InstallerItem)
	}

	tempDir, err := e.State.Temp.Shared()
	if err != nil {
		return err
	}
	if record.PreinstallScript != "" {
		if _, err := runEmbeddedScript(ctx, tempDir, record.Name+"_preinstall",
			record.PreinstallScript, record.Name, e.scriptTimeout()); err != nil {
			return fmt.Errorf("preinstall script: %w", err)
		}
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".dmg", ".iso":
		if err := e.installFromDiskImage(ctx, path, record); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported installer item type %s", filepath.Ext(path))
	}

	if record.PostinstallScript != "" {
		if _, err := runEmbeddedScript(ctx, tempDir, record.Name+"_postinstall",
			record.PostinstallScript, record.Name, e.scriptTimeout()); err != nil {
			return fmt.Errorf("postinstall script: %w", err)
		}
	}
	return nil
}

// installFromDiskImage mounts the image, copies each declared item to its
// destination, and detaches the image if this run attached it.
func (e *Executor) installFromDiskImage(ctx context.Context, imagePath string, record catalog.PackageRecord) error {
	if len(record.ItemsToCopy) == 0 {
		return fmt.Errorf("%s has no items_to_copy", record.Name)
	}
	mountpoint, weMounted, err := mountDiskImage(ctx, imagePath)
	if err != nil {
		return err
	}
	if weMounted {
		defer func() {
			if err := unmountDiskImage(ctx, mountpoint); err != nil {
				logging.Warn("Could not detach disk image", "image", imagePath, "error", err)
			}
		}()
	}
	for _, item := range record.ItemsToCopy {
		if e.State.StopRequested() {
			return nil
		}
		if err := e.copyDiskImageItem(mountpoint, item); err != nil {
			return err
		}
	}
	return nil
}

// copyDiskImageItem copies one items_to_copy entry from the mountpoint to
// its destination: stage into a temp dir on the destination filesystem,
// strip quarantine, apply ownership and mode, then atomically replace.
func (e *Executor) copyDiskImageItem(mountpoint string, item plist.Dict) error {
	src := filepath.Join(mountpoint, item.String("source_item"))
	destDir, destName, err := destinationForItem(item)
	if err != nil {
		return err
	}
	if err := makeIntermediateDirs(destDir); err != nil {
		return err
	}

	// Staging inside the destination directory keeps the final rename on
	// one filesystem.
	stagingDir, err := os.MkdirTemp(destDir, ".inprogress-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(stagingDir)

	staged := filepath.Join(stagingDir, destName)
	logging.Debug("Copying item", "source", src, "destination", filepath.Join(destDir, destName))
	if err := copyWithProgress(src, staged, &e.State.Display); err != nil {
		return fmt.Errorf("copying %s: %w", src, err)
	}
	removeQuarantineRecursive(staged)
	if err := applyOwnershipAndMode(staged, item.String("user"), item.String("group"), item.String("mode")); err != nil {
		return err
	}
	return atomicReplace(staged, filepath.Join(destDir, destName))
}

// runSupervised executes cmd under a throwaway launchd job in a private
// temp dir, returning the job's exit status. Private because the job's
// files must outlive the shared temp cleanup if the run is interrupted
// while launchd still references them.
func (e *Executor) runSupervised(ctx context.Context, cmd []string, env map[string]string) (int, error) {
	dir, err := e.State.Temp.Private("munki-launchd-")
	if err != nil {
		return -1, err
	}
	job, err := NewLaunchdJob(cmd, env, dir)
	if err != nil {
		return -1, err
	}
	defer job.Remove(ctx)
	if err := job.Load(ctx); err != nil {
		return -1, err
	}
	if err := job.Start(ctx); err != nil {
		return -1, err
	}
	return job.Wait(ctx)
}

// AppleSoftwareUpdatesPass installs the pending Apple updates through
// softwareupdate. The tool behaves differently outside a launchd context,
// so it runs as a supervised job rather than a direct child.
func (e *Executor) AppleSoftwareUpdatesPass(ctx context.Context) PostAction {
	doc, err := plist.Read(e.Cfg.AppleUpdatesPath())
	if err != nil {
		return PostActionNone
	}
	updates := doc.DictArray("AppleUpdates")
	if len(updates) == 0 || e.State.StopRequested() {
		return PostActionNone
	}

	logging.Info("Installing Apple software updates", "count", len(updates))
	status, err := e.runSupervised(ctx,
		[]string{"/usr/sbin/softwareupdate", "--install", "--all"},
		map[string]string{"COMMAND_LINE_INSTALL": "1"})
	if err != nil {
		e.Report.Error("Apple software update run failed", "error", err)
		return PostActionNone
	}
	if status != 0 {
		e.Report.Error("softwareupdate exited nonzero", "status", status)
		return PostActionNone
	}

	post := PostActionNone
	for _, update := range updates {
		e.Report.Append("AppleUpdateResults", map[string]interface{}{
			"name":    update.String("name"),
			"version": update.String("version_to_install"),
			"status":  0,
		})
		post = MaxPostAction(post, postActionForRestart(update.String("RestartAction")))
	}
	return post
}

// RemovalPass removes every resolved removal's installed files.
func (e *Executor) RemovalPass(ctx context.Context, info *catalog.InstallInfo) {
	for _, record := range info.Removals {
		if e.State.StopRequested() {
			logging.Info("Stop requested, ending removal pass")
			return
		}
		logging.Info("Removing", "item", record.Name)
		failed := false
		for _, inst := range record.Installs {
			path := inst.String("path")
			if path == "" {
				continue
			}
			if err := os.RemoveAll(path); err != nil {
				e.Report.Error("Removal failed", "item", record.Name, "path", path, "error", err)
				failed = true
			}
		}
		if !failed {
			e.Report.Append("RemovalResults", map[string]interface{}{
				"name":   record.Name,
				"status": 0,
			})
		}
	}
}
