// pkg/config/config.go - Preferences for the managed-software agent.
//
// Preferences live in /Library/Preferences/ManagedInstalls.plist. Missing
// keys fall back to defaults; run-state keys (LastCheckDate and friends)
// are written back by SaveState at the end of a run.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/macadmins/gomunki/pkg/plist"
)

// PreferencesPath is the on-disk location of the agent preferences.
const PreferencesPath = "/Library/Preferences/ManagedInstalls.plist"

// Configuration holds the configurable options for the agent.
type Configuration struct {
	SoftwareRepoURL   string
	ClientIdentifier  string
	ManagedInstallDir string
	LogLevel          string
	Verbose           bool
	CheckOnly         bool

	InstallAppleSoftwareUpdates bool
	AppleSoftwareUpdatesOnly    bool
	DaysBetweenNotifications    int

	UseClientCertificate                     bool
	UseClientCertificateCNAsClientIdentifier bool

	// HTTP behavior.
	ConnectionTimeoutSeconds int
	FollowHTTPRedirects      string // "none" or "all"
	MinimumTLSVersion        string // "1.0" .. "1.3"
	RepoUsername             string
	RepoPassword             string

	// Script behavior.
	ScriptTimeoutSeconds int

	// Run state, surfaced to external consumers.
	LastCheckDate       time.Time
	LastCheckResult     int
	LastNotifiedDate    time.Time
	PendingUpdateCount  int
	OldestUpdateDays    float64
	ForcedUpdateDueDate time.Time
}

// Default returns the built-in defaults.
func Default() *Configuration {
	return &Configuration{
		SoftwareRepoURL:          "https://munki.example.com/repo",
		ManagedInstallDir:        "/Library/Managed Installs",
		LogLevel:                 "INFO",
		DaysBetweenNotifications: 1,
		ConnectionTimeoutSeconds: 60,
		FollowHTTPRedirects:      "none",
		MinimumTLSVersion:        "1.2",
		ScriptTimeoutSeconds:     60,
	}
}

// Load reads the preferences plist, layering it over the defaults. A
// missing file is not an error; malformed preferences are.
func Load() (*Configuration, error) {
	return LoadPath(PreferencesPath)
}

// LoadPath is Load with an explicit preferences path, for tests.
func LoadPath(path string) (*Configuration, error) {
	cfg := Default()
	doc, err := plist.Read(path)
	if err != nil {
		if errors.Is(err, plist.ErrNotFound) {
			return cfg, nil
		}
		return nil, fmt.Errorf("loading preferences: %w", err)
	}

	applyString(doc, "SoftwareRepoURL", &cfg.SoftwareRepoURL)
	applyString(doc, "ClientIdentifier", &cfg.ClientIdentifier)
	applyString(doc, "ManagedInstallDir", &cfg.ManagedInstallDir)
	applyString(doc, "LogLevel", &cfg.LogLevel)
	applyString(doc, "FollowHTTPRedirects", &cfg.FollowHTTPRedirects)
	applyString(doc, "MinimumTLSVersion", &cfg.MinimumTLSVersion)
	applyString(doc, "RepoUsername", &cfg.RepoUsername)
	applyString(doc, "RepoPassword", &cfg.RepoPassword)

	applyBool(doc, "InstallAppleSoftwareUpdates", &cfg.InstallAppleSoftwareUpdates)
	applyBool(doc, "AppleSoftwareUpdatesOnly", &cfg.AppleSoftwareUpdatesOnly)
	applyBool(doc, "UseClientCertificate", &cfg.UseClientCertificate)
	applyBool(doc, "UseClientCertificateCNAsClientIdentifier", &cfg.UseClientCertificateCNAsClientIdentifier)

	applyInt(doc, "DaysBetweenNotifications", &cfg.DaysBetweenNotifications)
	applyInt(doc, "ConnectionTimeoutSeconds", &cfg.ConnectionTimeoutSeconds)
	applyInt(doc, "ScriptTimeoutSeconds", &cfg.ScriptTimeoutSeconds)

	cfg.LastCheckDate = doc.Date("LastCheckDate")
	cfg.LastCheckResult = doc.Int("LastCheckResult")
	cfg.LastNotifiedDate = doc.Date("LastNotifiedDate")
	cfg.PendingUpdateCount = doc.Int("PendingUpdateCount")
	cfg.ForcedUpdateDueDate = doc.Date("ForcedUpdateDueDate")

	return cfg, nil
}

// SaveState writes the run-state keys back to the preferences plist,
// preserving any unrelated keys already present.
func SaveState(cfg *Configuration, path string) error {
	doc, err := plist.Read(path)
	if err != nil {
		doc = plist.Dict{}
	}
	doc["LastCheckDate"] = cfg.LastCheckDate
	doc["LastCheckResult"] = cfg.LastCheckResult
	doc["PendingUpdateCount"] = cfg.PendingUpdateCount
	doc["OldestUpdateDays"] = cfg.OldestUpdateDays
	if !cfg.LastNotifiedDate.IsZero() {
		doc["LastNotifiedDate"] = cfg.LastNotifiedDate
	}
	if !cfg.ForcedUpdateDueDate.IsZero() {
		doc["ForcedUpdateDueDate"] = cfg.ForcedUpdateDueDate
	} else {
		delete(doc, "ForcedUpdateDueDate")
	}
	return plist.Write(doc, path)
}

// Directory and document path helpers, all rooted at ManagedInstallDir.

func (c *Configuration) ManifestsDir() string { return filepath.Join(c.ManagedInstallDir, "manifests") }
func (c *Configuration) CatalogsDir() string  { return filepath.Join(c.ManagedInstallDir, "catalogs") }
func (c *Configuration) CacheDir() string     { return filepath.Join(c.ManagedInstallDir, "Cache") }
func (c *Configuration) IconsDir() string     { return filepath.Join(c.ManagedInstallDir, "icons") }
func (c *Configuration) LogsDir() string      { return filepath.Join(c.ManagedInstallDir, "Logs") }
func (c *Configuration) ArchivesDir() string  { return filepath.Join(c.ManagedInstallDir, "Archives") }
func (c *Configuration) ClientResourcesDir() string {
	return filepath.Join(c.ManagedInstallDir, "client_resources")
}

func (c *Configuration) InstallInfoPath() string {
	return filepath.Join(c.ManagedInstallDir, "InstallInfo.plist")
}
func (c *Configuration) AppleUpdatesPath() string {
	return filepath.Join(c.ManagedInstallDir, "AppleUpdates.plist")
}
func (c *Configuration) UpdateTrackingPath() string {
	return filepath.Join(c.ManagedInstallDir, "UpdateNotificationTracking.plist")
}
func (c *Configuration) AppleUpdateHistoryPath() string {
	return filepath.Join(c.ManagedInstallDir, "AppleUpdateHistory.plist")
}
func (c *Configuration) StagedOSInstallerPath() string {
	return filepath.Join(c.ManagedInstallDir, "StagedOSInstaller.plist")
}
func (c *Configuration) SelfServeManifestPath() string {
	return filepath.Join(c.ManagedInstallDir, "SelfServeManifest")
}
func (c *Configuration) ReportPath() string {
	return filepath.Join(c.ManagedInstallDir, "ManagedInstallReport.plist")
}

// EnsureDirectories creates the working tree under ManagedInstallDir.
func (c *Configuration) EnsureDirectories() error {
	dirs := []string{
		c.ManifestsDir(), c.CatalogsDir(), c.CacheDir(),
		c.IconsDir(), c.ArchivesDir(), c.LogsDir(), c.ClientResourcesDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}

func applyString(doc plist.Dict, key string, target *string) {
	if doc.Has(key) {
		if s := doc.String(key); s != "" {
			*target = s
		}
	}
}

func applyBool(doc plist.Dict, key string, target *bool) {
	if doc.Has(key) {
		*target = doc.Bool(key)
	}
}

func applyInt(doc plist.Dict, key string, target *int) {
	if doc.Has(key) {
		*target = doc.Int(key)
	}
}
