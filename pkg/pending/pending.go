// pkg/pending/pending.go - Tracking pending updates across runs.
//
// Two documents persist under the managed installs directory:
// UpdateNotificationTracking.plist maps category -> item -> first-seen
// instant, and AppleUpdateHistory.plist keeps per-productKey history so an
// Apple update that temporarily vanishes from the available list keeps its
// original first-seen time.

package pending

import (
	"errors"
	"time"

	"github.com/macadmins/gomunki/pkg/config"
	"github.com/macadmins/gomunki/pkg/logging"
	"github.com/macadmins/gomunki/pkg/plist"
)

// Pending-update categories.
const (
	CategoryManagedInstalls = "managed_installs"
	CategoryRemovals        = "removals"
	CategoryAppleUpdates    = "AppleUpdates"
	CategoryStagedOSUpdates = "StagedOSUpdates"
)

// ForceInstallStatus is the escalation level demanded by force-install
// deadlines, totally ordered from none to restart.
type ForceInstallStatus int

const (
	ForceNone ForceInstallStatus = iota
	ForceSoon
	ForceNow
	ForceLogout
	ForceRestart
)

// String returns the status name used in logs and the report.
func (s ForceInstallStatus) String() string {
	switch s {
	case ForceSoon:
		return "soon"
	case ForceNow:
		return "now"
	case ForceLogout:
		return "logout"
	case ForceRestart:
		return "restart"
	default:
		return "none"
	}
}

func maxStatus(a, b ForceInstallStatus) ForceInstallStatus {
	if a > b {
		return a
	}
	return b
}

// soonWindow is how far ahead of a deadline the status escalates to soon.
const soonWindow = 4 * time.Hour

// Tracker reads the current InstallInfo and AppleUpdates documents and
// maintains the cross-run tracking state. Now and Loc are injectable for
// tests; Loc is the location force-install instants are normalized into.
type Tracker struct {
	Cfg *config.Configuration
	Now func() time.Time
	Loc *time.Location
}

// New returns a Tracker over cfg using wall-clock time and the local zone.
func New(cfg *config.Configuration) *Tracker {
	return &Tracker{Cfg: cfg, Now: time.Now, Loc: time.Local}
}

// normalizeForceInstallDate reinterprets the stored instant's clock
// reading in the tracker's zone. Plist dates decode as UTC, but
// force_install_after_date is authored as local wall time; this is the
// single read-site contract for the conversion.
func (t *Tracker) normalizeForceInstallDate(raw time.Time) time.Time {
	return time.Date(raw.Year(), raw.Month(), raw.Day(),
		raw.Hour(), raw.Minute(), raw.Second(), 0, t.Loc)
}

// readDictOrEmpty treats a missing or malformed document as empty.
func readDictOrEmpty(path string) plist.Dict {
	doc, err := plist.Read(path)
	if err != nil {
		if !errors.Is(err, plist.ErrNotFound) {
			logging.Warn("Unreadable tracking document treated as empty", "path", path, "error", err)
		}
		return plist.Dict{}
	}
	return doc
}

// currentPending returns the (category, name) pairs pending right now,
// plus the AppleUpdates records for history bookkeeping.
func (t *Tracker) currentPending() (map[string][]string, []plist.Dict) {
	pending := make(map[string][]string)

	installInfo := readDictOrEmpty(t.Cfg.InstallInfoPath())
	for _, item := range installInfo.DictArray("managed_installs") {
		if name := item.String("name"); name != "" {
			pending[CategoryManagedInstalls] = append(pending[CategoryManagedInstalls], name)
		}
	}
	for _, item := range installInfo.DictArray("removals") {
		if name := item.String("name"); name != "" {
			pending[CategoryRemovals] = append(pending[CategoryRemovals], name)
		}
	}

	appleDoc := readDictOrEmpty(t.Cfg.AppleUpdatesPath())
	appleUpdates := appleDoc.DictArray("AppleUpdates")
	for _, item := range appleUpdates {
		if name := item.String("name"); name != "" {
			pending[CategoryAppleUpdates] = append(pending[CategoryAppleUpdates], name)
		}
	}

	stagedDoc := readDictOrEmpty(t.Cfg.StagedOSInstallerPath())
	if name := stagedDoc.String("name"); name != "" {
		pending[CategoryStagedOSUpdates] = append(pending[CategoryStagedOSUpdates], name)
	}

	return pending, appleUpdates
}

// appleFirstSeen returns the historical first-seen for an Apple update,
// creating the history entry at now when absent. history is mutated in
// place; the caller persists it once.
func (t *Tracker) appleFirstSeen(history plist.Dict, item plist.Dict, now time.Time) time.Time {
	productKey := item.String("productKey")
	if productKey == "" {
		return now
	}
	if entry := history.Dict(productKey); entry != nil {
		if first := entry.Date("firstSeen"); !first.IsZero() {
			return first
		}
	}
	history[productKey] = map[string]interface{}{
		"firstSeen":    now,
		"display_name": item.String("display_name"),
		"version":      item.String("version_to_install"),
	}
	return now
}

// SavePendingUpdateTimes rebuilds the notification-tracking document from
// the current pending set, carrying forward prior first-seen instants and
// consulting the Apple history for Apple updates. Both documents are
// written atomically.
func (t *Tracker) SavePendingUpdateTimes() error {
	now := t.Now()
	pending, appleUpdates := t.currentPending()

	prior := readDictOrEmpty(t.Cfg.UpdateTrackingPath())
	history := readDictOrEmpty(t.Cfg.AppleUpdateHistoryPath())
	historyDirty := false

	appleByName := make(map[string]plist.Dict, len(appleUpdates))
	for _, item := range appleUpdates {
		appleByName[item.String("name")] = item
	}

	next := plist.Dict{}
	for category, names := range pending {
		priorCategory := prior.Dict(category)
		entries := map[string]interface{}{}
		for _, name := range names {
			if priorCategory != nil {
				if first := priorCategory.Date(name); !first.IsZero() {
					entries[name] = first
					continue
				}
			}
			if category == CategoryAppleUpdates {
				before := len(history)
				entries[name] = t.appleFirstSeen(history, appleByName[name], now)
				if len(history) != before {
					historyDirty = true
				}
				continue
			}
			entries[name] = now
		}
		if len(entries) > 0 {
			next[category] = entries
		}
	}

	if historyDirty {
		if err := plist.Write(history, t.Cfg.AppleUpdateHistoryPath()); err != nil {
			return err
		}
	}
	return plist.Write(next, t.Cfg.UpdateTrackingPath())
}

// oldestFirstSeen returns the minimum first-seen across every category,
// or the zero time when nothing is pending.
func (t *Tracker) oldestFirstSeen() time.Time {
	doc := readDictOrEmpty(t.Cfg.UpdateTrackingPath())
	var oldest time.Time
	for category := range doc {
		entries := doc.Dict(category)
		for name := range entries {
			first := entries.Date(name)
			if first.IsZero() {
				continue
			}
			if oldest.IsZero() || first.Before(oldest) {
				oldest = first
			}
		}
	}
	return oldest
}

// OldestPendingUpdateInDays reports how long the longest-pending update
// has been waiting. Zero when nothing is tracked.
func (t *Tracker) OldestPendingUpdateInDays() float64 {
	oldest := t.oldestFirstSeen()
	if oldest.IsZero() {
		return 0
	}
	return t.Now().Sub(oldest).Seconds() / 86400
}

// Info is the combined pending-update report record.
type Info struct {
	InstallCount        int
	RemovalCount        int
	AppleUpdateCount    int
	PendingCount        int
	OldestUpdateDays    float64
	ForcedUpdateDueDate time.Time
}

// PendingUpdateInfo summarizes the pending set, including the earliest
// force-install deadline across managed installs and Apple updates.
func (t *Tracker) PendingUpdateInfo() Info {
	info := Info{}

	installInfo := readDictOrEmpty(t.Cfg.InstallInfoPath())
	installs := installInfo.DictArray("managed_installs")
	removals := installInfo.DictArray("removals")
	appleDoc := readDictOrEmpty(t.Cfg.AppleUpdatesPath())
	apple := appleDoc.DictArray("AppleUpdates")

	info.InstallCount = len(installs)
	info.RemovalCount = len(removals)
	info.AppleUpdateCount = len(apple)
	info.PendingCount = info.InstallCount + info.RemovalCount + info.AppleUpdateCount
	info.OldestUpdateDays = t.OldestPendingUpdateInDays()

	for _, item := range append(installs, apple...) {
		raw := item.Date("force_install_after_date")
		if raw.IsZero() {
			continue
		}
		due := t.normalizeForceInstallDate(raw)
		if info.ForcedUpdateDueDate.IsZero() || due.Before(info.ForcedUpdateDueDate) {
			info.ForcedUpdateDueDate = due
		}
	}
	return info
}

// ShouldNotify applies the DaysBetweenNotifications throttle. A six-hour
// grace is subtracted so a daily run scheduled at roughly the same time
// does not drift a day for being minutes early.
func (t *Tracker) ShouldNotify(lastNotified time.Time) bool {
	days := t.Cfg.DaysBetweenNotifications
	if days < 1 {
		days = 1
	}
	interval := time.Duration(days)*24*time.Hour - 6*time.Hour
	return t.Now().Sub(lastNotified) > interval
}

// forceInstallSource is one (document, key) pair consulted by the scan.
type forceInstallSource struct {
	path string
	key  string
}

func (t *Tracker) forceInstallSources() []forceInstallSource {
	sources := []forceInstallSource{{t.Cfg.InstallInfoPath(), "managed_installs"}}
	if t.Cfg.InstallAppleSoftwareUpdates || t.Cfg.AppleSoftwareUpdatesOnly {
		sources = append(sources, forceInstallSource{t.Cfg.AppleUpdatesPath(), "AppleUpdates"})
	}
	return sources
}

// ForceInstallPackageCheck scans every consulted document for items whose
// force_install_after_date has passed or is near, returning the maximum
// escalation. Items past deadline with no RestartAction and no
// unattended_install are flipped to unattended and the document written
// back atomically.
func (t *Tracker) ForceInstallPackageCheck() ForceInstallStatus {
	now := t.Now()
	soon := now.Add(soonWindow)
	result := ForceNone

	for _, source := range t.forceInstallSources() {
		doc, err := plist.Read(source.path)
		if err != nil {
			continue
		}
		items := doc.DictArray(source.key)
		rewritten := make([]interface{}, len(items))
		dirty := false

		for i, item := range items {
			rewritten[i] = map[string]interface{}(item)
			raw := item.Date("force_install_after_date")
			if raw.IsZero() {
				continue
			}
			deadline := t.normalizeForceInstallDate(raw)

			if !now.Before(deadline) {
				result = maxStatus(result, ForceNow)
				switch item.String("RestartAction") {
				case "RequireLogout":
					result = maxStatus(result, ForceLogout)
				case "RequireRestart", "RecommendRestart":
					result = maxStatus(result, ForceRestart)
				default:
					if !item.Has("unattended_install") {
						mutated := make(map[string]interface{}, len(item)+1)
						for k, v := range item {
							mutated[k] = v
						}
						mutated["unattended_install"] = true
						rewritten[i] = mutated
						dirty = true
					}
				}
				continue
			}
			if result == ForceNone && !soon.Before(deadline) {
				result = ForceSoon
			}
		}

		if dirty {
			doc[source.key] = rewritten
			if err := plist.Write(doc, source.path); err != nil {
				logging.Error("Failed to write back unattended flip", "path", source.path, "error", err)
			}
		}
	}
	return result
}
