// cmd/managedsoftwareupdate/main.go - The managed-software agent entry
// point: check for updates against the repo, then install what is due.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/macadmins/gomunki/pkg/catalog"
	"github.com/macadmins/gomunki/pkg/config"
	"github.com/macadmins/gomunki/pkg/fetch"
	"github.com/macadmins/gomunki/pkg/installer"
	"github.com/macadmins/gomunki/pkg/logging"
	"github.com/macadmins/gomunki/pkg/manifest"
	"github.com/macadmins/gomunki/pkg/pending"
	"github.com/macadmins/gomunki/pkg/plist"
	"github.com/macadmins/gomunki/pkg/predicates"
	"github.com/macadmins/gomunki/pkg/report"
	"github.com/macadmins/gomunki/pkg/runstate"
)

const version = "1.0.0"

func main() {
	var (
		showVersion bool
		checkOnly   bool
		installOnly bool
		auto        bool
		identifier  string
		verbosity   int
	)
	flag.BoolVar(&showVersion, "version", false, "Print the version and exit")
	flag.BoolVar(&checkOnly, "checkonly", false, "Check for updates but do not install")
	flag.BoolVar(&installOnly, "installonly", false, "Install pending updates without checking")
	flag.BoolVar(&auto, "auto", false, "Scheduled run: check, then install unattended updates")
	flag.StringVar(&identifier, "id", "", "Client identifier overriding the preference")
	flag.CountVarP(&verbosity, "verbose", "v", "More verbose output (repeatable)")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}
	if checkOnly && installOnly {
		fmt.Fprintln(os.Stderr, "--checkonly and --installonly are mutually exclusive")
		os.Exit(2)
	}

	if err := run(checkOnly, installOnly, auto, identifier, verbosity); err != nil {
		logging.Error("Run failed", "error", err)
		os.Exit(1)
	}
}

func runType(checkOnly, installOnly, auto bool) string {
	switch {
	case checkOnly:
		return "checkonly"
	case installOnly:
		return "installonly"
	case auto:
		return "auto"
	default:
		return "manual"
	}
}

func run(checkOnly, installOnly, auto bool, identifier string, verbosity int) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if identifier != "" {
		cfg.ClientIdentifier = identifier
	}
	cfg.CheckOnly = checkOnly

	level := logging.ParseLevel(cfg.LogLevel)
	if verbosity > 0 {
		level = logging.LevelDebug
	}
	if err := logging.Init(cfg.LogsDir(), level, true); err != nil {
		return err
	}
	defer logging.Close()
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	state := runstate.New()
	state.Display.Verbose = verbosity > 0
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		logging.Warn("Signal received, stopping at next opportunity", "signal", sig.String())
		state.RequestStop()
	}()
	defer state.Temp.Cleanup()

	rep := report.New()
	rep.Record("RunType", runType(checkOnly, installOnly, auto))
	rep.Record("ManagedInstallVersion", version)

	ctx := context.Background()
	client := fetch.NewClient(cfg)
	tracker := pending.New(cfg)

	if !installOnly {
		if err := check(ctx, cfg, client, state, rep, tracker); err != nil {
			cfg.LastCheckResult = -1
			rep.Save(cfg.ReportPath())
			config.SaveState(cfg, config.PreferencesPath)
			return err
		}
	}

	forceStatus := tracker.ForceInstallPackageCheck()
	if forceStatus != pending.ForceNone {
		logging.Info("Force-install deadline status", "status", forceStatus.String())
		rep.Record("ForceInstallStatus", forceStatus.String())
	}

	post := installer.PostActionNone
	shouldInstall := installOnly ||
		(auto && !checkOnly && (cfg.PendingUpdateCount > 0 || forceStatus >= pending.ForceNow))
	if shouldInstall && !state.StopRequested() {
		post = install(ctx, cfg, client, state, rep)
		// Installs change the pending set; refresh the tracking documents.
		if err := tracker.SavePendingUpdateTimes(); err != nil {
			rep.Warning("Could not update pending-update tracking", "error", err)
		}
	}
	rep.Record("PostAction", post.String())

	if err := rep.Save(cfg.ReportPath()); err != nil {
		logging.Warn("Could not save run report", "error", err)
	}
	if err := config.SaveState(cfg, config.PreferencesPath); err != nil {
		logging.Warn("Could not save run state", "error", err)
	}
	logging.Info("Run complete", "postaction", post.String())
	return nil
}

// check resolves the manifest hierarchy into InstallInfo.plist and updates
// the pending-update tracking documents.
func check(ctx context.Context, cfg *config.Configuration, client *fetch.Client,
	state *runstate.State, rep *report.Report, tracker *pending.Tracker) error {

	cfg.LastCheckDate = time.Now()

	hostname, _ := os.Hostname()
	candidates := manifest.CandidateIdentifiers(cfg.ClientIdentifier, hostname, manifest.SerialNumber())
	resolver := &manifest.Resolver{
		Client:    client,
		Processor: &catalog.Processor{Store: catalog.NewStore(client)},
		State:     state,
		Facts:     predicates.MachineContext(),
	}

	primary, err := resolver.FindPrimaryManifest(ctx, candidates)
	if err != nil {
		return err
	}
	rep.Record("ManifestName", primary)

	info := catalog.NewInstallInfo()
	if err := resolver.ResolveAll(ctx, primary, info); err != nil {
		return err
	}
	resolveSelfServe(ctx, cfg, resolver, state, primary, info)
	if state.StopRequested() {
		logging.Info("Stop requested, skipping InstallInfo update")
		return nil
	}

	if err := plist.Write(info.ToDict(), cfg.InstallInfoPath()); err != nil {
		return err
	}
	if err := manifest.CleanManifestsDir(cfg.ManifestsDir(), state.Manifests); err != nil {
		logging.Warn("Manifest cleanup failed", "error", err)
	}

	if err := tracker.SavePendingUpdateTimes(); err != nil {
		return err
	}
	pendingInfo := tracker.PendingUpdateInfo()
	cfg.LastCheckResult = 1
	cfg.PendingUpdateCount = pendingInfo.PendingCount
	cfg.OldestUpdateDays = pendingInfo.OldestUpdateDays
	cfg.ForcedUpdateDueDate = pendingInfo.ForcedUpdateDueDate

	rep.Record("ItemsToInstall", len(info.ManagedInstalls))
	rep.Record("ItemsToRemove", len(info.Removals))
	rep.Record("PendingUpdateCount", pendingInfo.PendingCount)

	if pendingInfo.PendingCount > 0 && tracker.ShouldNotify(cfg.LastNotifiedDate) {
		logging.Info("User notification due", "pending", pendingInfo.PendingCount,
			"oldest_days", pendingInfo.OldestUpdateDays)
		rep.Record("NotificationDue", true)
		cfg.LastNotifiedDate = time.Now()
	}
	logging.Info("Check complete",
		"installs", len(info.ManagedInstalls),
		"removals", len(info.Removals),
		"pending", pendingInfo.PendingCount)
	return nil
}

// resolveSelfServe folds the local SelfServeManifest's choices into the
// accumulator. It has no catalogs of its own; it inherits the primary
// manifest's.
func resolveSelfServe(ctx context.Context, cfg *config.Configuration, resolver *manifest.Resolver,
	state *runstate.State, primary string, info *catalog.InstallInfo) {

	selfServePath := cfg.SelfServeManifestPath()
	if _, err := os.Stat(selfServePath); err != nil {
		return
	}
	primaryPath, ok := state.Manifests.Get(primary)
	if !ok {
		return
	}
	primaryDoc, err := plist.Read(primaryPath)
	if err != nil {
		return
	}
	catalogs := primaryDoc.StringArray("catalogs")
	state.Manifests.Set("SelfServeManifest", selfServePath)
	for _, selector := range []manifest.SelectorKey{manifest.ManagedInstalls, manifest.ManagedUninstalls} {
		if err := resolver.Resolve(ctx, "SelfServeManifest", selector, catalogs, info); err != nil {
			logging.Warn("Self-serve manifest processing failed", "error", err)
			return
		}
	}
}

// install runs the install and removal passes against the current
// InstallInfo document.
func install(ctx context.Context, cfg *config.Configuration, client *fetch.Client,
	state *runstate.State, rep *report.Report) installer.PostAction {

	exec := &installer.Executor{Cfg: cfg, Client: client, State: state, Report: rep}
	post := installer.PostActionNone
	if !cfg.AppleSoftwareUpdatesOnly {
		doc, err := plist.Read(cfg.InstallInfoPath())
		if err != nil {
			rep.Warning("No InstallInfo to act on", "error", err)
		} else {
			info := catalog.NewInstallInfo()
			for _, item := range doc.DictArray("managed_installs") {
				info.ManagedInstalls = append(info.ManagedInstalls, catalog.RecordFromDict(item))
			}
			for _, item := range doc.DictArray("removals") {
				info.Removals = append(info.Removals, catalog.RecordFromDict(item))
			}
			exec.RemovalPass(ctx, info)
			post = exec.InstallPass(ctx, info)
		}
	}
	if cfg.InstallAppleSoftwareUpdates || cfg.AppleSoftwareUpdatesOnly {
		post = installer.MaxPostAction(post, exec.AppleSoftwareUpdatesPass(ctx))
	}
	return post
}
