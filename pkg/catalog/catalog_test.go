package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	hplist "howett.net/plist"

	"github.com/macadmins/gomunki/pkg/config"
	"github.com/macadmins/gomunki/pkg/fetch"
	"github.com/macadmins/gomunki/pkg/plist"
)

// catalogStore spins up a repo serving the given catalogs and returns a
// Store backed by it.
func catalogStore(t *testing.T, catalogs map[string][]plist.Dict) *Store {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := filepath.Base(r.URL.Path)
		items, ok := catalogs[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		raw := make([]interface{}, len(items))
		for i, item := range items {
			raw[i] = map[string]interface{}(item)
		}
		data, err := hplist.Marshal(map[string]interface{}{"items": raw}, hplist.XMLFormat)
		require.NoError(t, err)
		w.Write(data)
	}))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.SoftwareRepoURL = srv.URL
	cfg.ManagedInstallDir = t.TempDir()
	return NewStore(fetch.NewClient(cfg))
}

func entry(name, version string, extra plist.Dict) plist.Dict {
	d := plist.Dict{"name": name, "version": version}
	for k, v := range extra {
		d[k] = v
	}
	return d
}

func TestLookupHighestVersionWins(t *testing.T) {
	store := catalogStore(t, map[string][]plist.Dict{
		"production": {
			entry("AppX", "1.0", nil),
			entry("AppX", "2.0", nil),
			entry("AppX", "1.5", nil),
		},
	})
	got, err := store.Lookup(context.Background(), "AppX", []string{"production"})
	require.NoError(t, err)
	assert.Equal(t, "2.0", got.String("version"))
}

func TestLookupFirstCatalogWins(t *testing.T) {
	store := catalogStore(t, map[string][]plist.Dict{
		"testing":    {entry("AppX", "3.0", nil)},
		"production": {entry("AppX", "2.0", nil)},
	})
	got, err := store.Lookup(context.Background(), "AppX", []string{"testing", "production"})
	require.NoError(t, err)
	assert.Equal(t, "3.0", got.String("version"))
}

func TestLookupPinnedVersion(t *testing.T) {
	store := catalogStore(t, map[string][]plist.Dict{
		"production": {
			entry("AppX", "1.0", nil),
			entry("AppX", "2.0", nil),
		},
	})
	got, err := store.Lookup(context.Background(), "AppX--1.0", []string{"production"})
	require.NoError(t, err)
	assert.Equal(t, "1.0", got.String("version"))

	_, err = store.Lookup(context.Background(), "AppX--9.9", []string{"production"})
	assert.Error(t, err)
}

func TestLookupMissingItem(t *testing.T) {
	store := catalogStore(t, map[string][]plist.Dict{"production": {}})
	_, err := store.Lookup(context.Background(), "Ghost", []string{"production"})
	assert.Error(t, err)
}

func TestGetMemoizesFailedCatalog(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.SoftwareRepoURL = srv.URL
	cfg.ManagedInstallDir = t.TempDir()
	store := NewStore(fetch.NewClient(cfg))

	assert.Empty(t, store.Get(context.Background(), "missing"))
	assert.Empty(t, store.Get(context.Background(), "missing"))
	assert.Equal(t, 1, requests)
}

func TestProcessInstallSkipsInstalledItem(t *testing.T) {
	present := filepath.Join(t.TempDir(), "present")
	require.NoError(t, os.WriteFile(present, []byte("x"), 0644))

	store := catalogStore(t, map[string][]plist.Dict{
		"production": {
			entry("AppX", "1.0", plist.Dict{
				"installs": []interface{}{
					map[string]interface{}{"type": "file", "path": present},
				},
			}),
		},
	})
	p := &Processor{Store: store}
	info := NewInstallInfo()
	p.ProcessInstall(context.Background(), "AppX", []string{"production"}, info)
	assert.Empty(t, info.ManagedInstalls)
}

func TestProcessInstallAppendsMissingItem(t *testing.T) {
	store := catalogStore(t, map[string][]plist.Dict{
		"production": {
			entry("AppX", "1.0", plist.Dict{
				"installer_item_location": "apps/AppX-1.0.dmg",
				"installs": []interface{}{
					map[string]interface{}{"type": "file", "path": "/nonexistent/AppX"},
				},
			}),
		},
	})
	p := &Processor{Store: store}
	info := NewInstallInfo()
	p.ProcessInstall(context.Background(), "AppX", []string{"production"}, info)
	require.Len(t, info.ManagedInstalls, 1)
	assert.Equal(t, "apps/AppX-1.0.dmg", info.ManagedInstalls[0].InstallerItem)
}

func TestProcessUpdateRequiresPresence(t *testing.T) {
	store := catalogStore(t, map[string][]plist.Dict{
		"production": {
			entry("AppX", "2.0", plist.Dict{
				"installs": []interface{}{
					map[string]interface{}{"type": "file", "path": "/nonexistent/AppX"},
				},
			}),
		},
	})
	p := &Processor{Store: store}
	info := NewInstallInfo()
	p.ProcessUpdate(context.Background(), "AppX", []string{"production"}, info)
	assert.Empty(t, info.ManagedUpdates)
}

func TestProcessRemovalWithoutCatalogEntryUsesBareName(t *testing.T) {
	store := catalogStore(t, map[string][]plist.Dict{"production": {}})
	p := &Processor{Store: store}
	info := NewInstallInfo()
	p.ProcessRemoval(context.Background(), "RetiredApp", []string{"production"}, info)
	require.Len(t, info.Removals, 1)
	assert.Equal(t, "RetiredApp", info.Removals[0].Name)
}

func TestProcessRemovalSkipsNotInstalled(t *testing.T) {
	store := catalogStore(t, map[string][]plist.Dict{
		"production": {
			entry("AppX", "1.0", plist.Dict{
				"installs": []interface{}{
					map[string]interface{}{"type": "file", "path": "/nonexistent/AppX"},
				},
			}),
		},
	})
	p := &Processor{Store: store}
	info := NewInstallInfo()
	p.ProcessRemoval(context.Background(), "AppX", []string{"production"}, info)
	assert.Empty(t, info.Removals)
}

func TestRecordRoundTrip(t *testing.T) {
	record := PackageRecord{
		Name:                 "AppX",
		DisplayName:          "App X",
		VersionToInstall:     "1.0",
		InstallerItem:        "apps/AppX-1.0.dmg",
		InstallerItemHash:    "deadbeef",
		InstallerItemSize:    2048,
		RestartAction:        RequireRestart,
		UnattendedInstall:    true,
		BlockingApplications: []string{"AppX.app"},
		ItemsToCopy: []plist.Dict{
			{"source_item": "AppX.app", "destination_path": "/Applications"},
		},
	}
	assert.Equal(t, record, RecordFromDict(record.ToDict()))
}
