// pkg/catalog/installinfo.go - The InstallInfo accumulator and the per-item
// package processors. The resolver owns the accumulator during resolution;
// afterwards it is written to InstallInfo.plist and consumed read-only by
// the executor and the pending-update tracker.

package catalog

import (
	"context"
	"os"
	"time"

	version "github.com/hashicorp/go-version"

	"github.com/macadmins/gomunki/pkg/logging"
	"github.com/macadmins/gomunki/pkg/plist"
)

// RestartAction values, in escalation order.
const (
	RestartNone      = "None"
	RecommendRestart = "RecommendRestart"
	RequireRestart   = "RequireRestart"
	RequireLogout    = "RequireLogout"
)

// PackageRecord is one entry in the InstallInfo lists.
type PackageRecord struct {
	Name                  string
	DisplayName           string
	VersionToInstall      string
	InstallerItem         string
	InstallerItemHash     string
	InstallerItemSize     int64
	Installs              []plist.Dict
	ItemsToCopy           []plist.Dict
	RestartAction         string
	ForceInstallAfterDate time.Time
	UnattendedInstall     bool
	BlockingApplications  []string
	PreinstallScript      string
	PostinstallScript     string
}

// ToDict renders the record for persistence, omitting absent optionals.
func (r PackageRecord) ToDict() plist.Dict {
	d := plist.Dict{
		"name":                r.Name,
		"version_to_install":  r.VersionToInstall,
		"installer_item":      r.InstallerItem,
		"installer_item_hash": r.InstallerItemHash,
		"installer_item_size": r.InstallerItemSize,
	}
	if r.DisplayName != "" {
		d["display_name"] = r.DisplayName
	}
	if len(r.Installs) > 0 {
		installs := make([]interface{}, len(r.Installs))
		for i, inst := range r.Installs {
			installs[i] = map[string]interface{}(inst)
		}
		d["installs"] = installs
	}
	if len(r.ItemsToCopy) > 0 {
		items := make([]interface{}, len(r.ItemsToCopy))
		for i, item := range r.ItemsToCopy {
			items[i] = map[string]interface{}(item)
		}
		d["items_to_copy"] = items
	}
	if r.RestartAction != "" {
		d["RestartAction"] = r.RestartAction
	}
	if !r.ForceInstallAfterDate.IsZero() {
		d["force_install_after_date"] = r.ForceInstallAfterDate
	}
	if r.UnattendedInstall {
		d["unattended_install"] = true
	}
	if len(r.BlockingApplications) > 0 {
		apps := make([]interface{}, len(r.BlockingApplications))
		for i, a := range r.BlockingApplications {
			apps[i] = a
		}
		d["blocking_applications"] = apps
	}
	if r.PreinstallScript != "" {
		d["preinstall_script"] = r.PreinstallScript
	}
	if r.PostinstallScript != "" {
		d["postinstall_script"] = r.PostinstallScript
	}
	return d
}

// RecordFromDict is the inverse of ToDict, used by readers of
// InstallInfo.plist.
func RecordFromDict(d plist.Dict) PackageRecord {
	return PackageRecord{
		Name:                  d.String("name"),
		DisplayName:           d.String("display_name"),
		VersionToInstall:      d.String("version_to_install"),
		InstallerItem:         d.String("installer_item"),
		InstallerItemHash:     d.String("installer_item_hash"),
		InstallerItemSize:     int64(d.Int("installer_item_size")),
		Installs:              d.DictArray("installs"),
		ItemsToCopy:           d.DictArray("items_to_copy"),
		RestartAction:         d.String("RestartAction"),
		ForceInstallAfterDate: d.Date("force_install_after_date"),
		UnattendedInstall:     d.Bool("unattended_install"),
		BlockingApplications:  d.StringArray("blocking_applications"),
		PreinstallScript:      d.String("preinstall_script"),
		PostinstallScript:     d.String("postinstall_script"),
	}
}

// InstallInfo accumulates resolved actions. Only the resolver mutates it.
type InstallInfo struct {
	ManagedInstalls  []PackageRecord
	Removals         []PackageRecord
	OptionalInstalls []PackageRecord
	ManagedUpdates   []PackageRecord
	DefaultInstalls  []string
	FeaturedItems    []string

	featuredSeen  map[string]bool
	defaultSeen   map[string]bool
	processedKeys map[string]bool
}

// NewInstallInfo returns an empty accumulator.
func NewInstallInfo() *InstallInfo {
	return &InstallInfo{
		featuredSeen:  make(map[string]bool),
		defaultSeen:   make(map[string]bool),
		processedKeys: make(map[string]bool),
	}
}

// AddFeatured merges names into the featured set, preserving first-seen
// order and dropping duplicates.
func (info *InstallInfo) AddFeatured(names []string) {
	for _, name := range names {
		if name == "" || info.featuredSeen[name] {
			continue
		}
		info.featuredSeen[name] = true
		info.FeaturedItems = append(info.FeaturedItems, name)
	}
}

// AddDefaults merges names into the default-installs list.
func (info *InstallInfo) AddDefaults(names []string) {
	for _, name := range names {
		if name == "" || info.defaultSeen[name] {
			continue
		}
		info.defaultSeen[name] = true
		info.DefaultInstalls = append(info.DefaultInstalls, name)
	}
}

// alreadyProcessed memoizes (action, name) so an item reached through
// several manifests is acted on once, in first-reached order.
func (info *InstallInfo) alreadyProcessed(action, name string) bool {
	key := action + "|" + name
	if info.processedKeys[key] {
		return true
	}
	info.processedKeys[key] = true
	return false
}

// ToDict renders the accumulator for InstallInfo.plist.
func (info *InstallInfo) ToDict() plist.Dict {
	return plist.Dict{
		"managed_installs":  recordsToArray(info.ManagedInstalls),
		"removals":          recordsToArray(info.Removals),
		"optional_installs": recordsToArray(info.OptionalInstalls),
		"managed_updates":   recordsToArray(info.ManagedUpdates),
		"default_installs":  stringsToArray(info.DefaultInstalls),
		"featured_items":    stringsToArray(info.FeaturedItems),
	}
}

func recordsToArray(records []PackageRecord) []interface{} {
	out := make([]interface{}, len(records))
	for i, r := range records {
		out[i] = map[string]interface{}(r.ToDict())
	}
	return out
}

func stringsToArray(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// Processor applies the per-item decisions: given an item name and the
// effective catalog set, consult catalog metadata and append any needed
// action to the accumulator.
type Processor struct {
	Store *Store
}

func recordFromPkginfo(d plist.Dict) PackageRecord {
	return PackageRecord{
		Name:                  d.String("name"),
		DisplayName:           d.String("display_name"),
		VersionToInstall:      d.String("version"),
		InstallerItem:         d.String("installer_item_location"),
		InstallerItemHash:     d.String("installer_item_hash"),
		InstallerItemSize:     int64(d.Int("installer_item_size")),
		Installs:              d.DictArray("installs"),
		ItemsToCopy:           d.DictArray("items_to_copy"),
		RestartAction:         d.String("RestartAction"),
		ForceInstallAfterDate: d.Date("force_install_after_date"),
		UnattendedInstall:     d.Bool("unattended_install"),
		BlockingApplications:  d.StringArray("blocking_applications"),
		PreinstallScript:      d.String("preinstall_script"),
		PostinstallScript:     d.String("postinstall_script"),
	}
}

// ProcessInstall appends an install action when the item is not already
// present on disk at the required version.
func (p *Processor) ProcessInstall(ctx context.Context, name string, catalogs []string, info *InstallInfo) {
	if info.alreadyProcessed("install", name) {
		return
	}
	pkginfo, err := p.Store.Lookup(ctx, name, catalogs)
	if err != nil {
		logging.Warn("No catalog entry for managed install", "item", name, "error", err)
		return
	}
	record := recordFromPkginfo(pkginfo)
	if itemInstalled(record) {
		logging.Debug("Item already installed", "item", record.Name, "version", record.VersionToInstall)
		return
	}
	info.ManagedInstalls = append(info.ManagedInstalls, record)
}

// ProcessUpdate appends an update action only when some version of the
// item is already present; managed_updates never install from scratch.
func (p *Processor) ProcessUpdate(ctx context.Context, name string, catalogs []string, info *InstallInfo) {
	if info.alreadyProcessed("update", name) {
		return
	}
	pkginfo, err := p.Store.Lookup(ctx, name, catalogs)
	if err != nil {
		logging.Warn("No catalog entry for managed update", "item", name, "error", err)
		return
	}
	record := recordFromPkginfo(pkginfo)
	if !anyInstallPresent(record) {
		logging.Debug("Managed update not installed, skipping", "item", record.Name)
		return
	}
	if itemInstalled(record) {
		return
	}
	info.ManagedUpdates = append(info.ManagedUpdates, record)
}

// ProcessOptional records the item as available for self-service install.
func (p *Processor) ProcessOptional(ctx context.Context, name string, catalogs []string, info *InstallInfo) {
	if info.alreadyProcessed("optional", name) {
		return
	}
	pkginfo, err := p.Store.Lookup(ctx, name, catalogs)
	if err != nil {
		logging.Warn("No catalog entry for optional install", "item", name, "error", err)
		return
	}
	info.OptionalInstalls = append(info.OptionalInstalls, recordFromPkginfo(pkginfo))
}

// ProcessRemoval appends a removal when the item looks installed.
func (p *Processor) ProcessRemoval(ctx context.Context, name string, catalogs []string, info *InstallInfo) {
	if info.alreadyProcessed("removal", name) {
		return
	}
	pkginfo, err := p.Store.Lookup(ctx, name, catalogs)
	if err != nil {
		// A removal can proceed on name alone; there may be no catalog
		// entry left for retired items.
		logging.Debug("No catalog entry for removal, using bare name", "item", name)
		info.Removals = append(info.Removals, PackageRecord{Name: name})
		return
	}
	record := recordFromPkginfo(pkginfo)
	if !anyInstallPresent(record) {
		logging.Debug("Removal target not installed", "item", record.Name)
		return
	}
	info.Removals = append(info.Removals, record)
}

// itemInstalled checks the pkginfo "installs" list: every entry must exist
// and, where it names a version, be at least the catalog version.
func itemInstalled(record PackageRecord) bool {
	if len(record.Installs) == 0 {
		return false
	}
	for _, inst := range record.Installs {
		path := inst.String("path")
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			return false
		}
		if !installedVersionSufficient(inst, path, record.VersionToInstall) {
			return false
		}
	}
	return true
}

// anyInstallPresent reports whether any installs entry exists on disk.
func anyInstallPresent(record PackageRecord) bool {
	for _, inst := range record.Installs {
		path := inst.String("path")
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}

// installedVersionSufficient compares the on-disk version against wanted.
// Applications read CFBundleShortVersionString from the bundle's
// Info.plist; other entries may carry an explicit version in the check.
func installedVersionSufficient(inst plist.Dict, path, wanted string) bool {
	if wanted == "" {
		return true
	}
	installedStr := inst.String("version")
	if inst.String("type") == "application" {
		if doc, err := plist.Read(path + "/Contents/Info.plist"); err == nil {
			if v := doc.String("CFBundleShortVersionString"); v != "" {
				installedStr = v
			}
		}
	}
	if installedStr == "" {
		// Presence-only check.
		return true
	}
	installed, err := version.NewVersion(installedStr)
	if err != nil {
		return true
	}
	want, err := version.NewVersion(wanted)
	if err != nil {
		return true
	}
	return installed.GreaterThanOrEqual(want)
}
