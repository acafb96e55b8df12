package pending

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macadmins/gomunki/pkg/config"
	"github.com/macadmins/gomunki/pkg/plist"
)

func newTracker(t *testing.T, now time.Time) *Tracker {
	t.Helper()
	cfg := config.Default()
	cfg.ManagedInstallDir = t.TempDir()
	return &Tracker{Cfg: cfg, Now: func() time.Time { return now }, Loc: time.UTC}
}

func writeInstallInfo(t *testing.T, tr *Tracker, installs ...map[string]interface{}) {
	t.Helper()
	raw := make([]interface{}, len(installs))
	for i, item := range installs {
		raw[i] = item
	}
	require.NoError(t, plist.Write(plist.Dict{"managed_installs": raw}, tr.Cfg.InstallInfoPath()))
}

func TestForceInstallSoonBeforeDeadline(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tr := newTracker(t, now)
	writeInstallInfo(t, tr, map[string]interface{}{
		"name":                     "AppX",
		"force_install_after_date": now.Add(2 * time.Hour),
		"unattended_install":       true,
	})

	before, err := plist.Read(tr.Cfg.InstallInfoPath())
	require.NoError(t, err)

	assert.Equal(t, ForceSoon, tr.ForceInstallPackageCheck())

	// Nothing past deadline, so no writeback.
	after, err := plist.Read(tr.Cfg.InstallInfoPath())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestForceInstallPastDeadlineWithRestart(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tr := newTracker(t, now)
	writeInstallInfo(t, tr, map[string]interface{}{
		"name":                     "AppX",
		"force_install_after_date": now.Add(-1 * time.Hour),
		"RestartAction":            "RequireRestart",
	})

	assert.Equal(t, ForceRestart, tr.ForceInstallPackageCheck())
}

func TestForceInstallPastDeadlineFlipsUnattended(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tr := newTracker(t, now)
	writeInstallInfo(t, tr, map[string]interface{}{
		"name":                     "AppX",
		"force_install_after_date": now.Add(-1 * time.Hour),
	})

	assert.Equal(t, ForceNow, tr.ForceInstallPackageCheck())

	doc, err := plist.Read(tr.Cfg.InstallInfoPath())
	require.NoError(t, err)
	items := doc.DictArray("managed_installs")
	require.Len(t, items, 1)
	assert.True(t, items[0].Bool("unattended_install"))
}

func TestForceInstallLogoutBeatsNow(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tr := newTracker(t, now)
	writeInstallInfo(t, tr,
		map[string]interface{}{
			"name":                     "AppA",
			"force_install_after_date": now.Add(-1 * time.Hour),
			"unattended_install":       true,
		},
		map[string]interface{}{
			"name":                     "AppB",
			"force_install_after_date": now.Add(-1 * time.Hour),
			"RestartAction":            "RequireLogout",
		},
	)

	assert.Equal(t, ForceLogout, tr.ForceInstallPackageCheck())
}

func TestForceInstallAppleUpdatesOnlyWhenEnabled(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tr := newTracker(t, now)
	require.NoError(t, plist.Write(plist.Dict{
		"AppleUpdates": []interface{}{
			map[string]interface{}{
				"name":                     "Safari",
				"productKey":               "052-1234",
				"force_install_after_date": now.Add(-1 * time.Hour),
				"RestartAction":            "RequireRestart",
			},
		},
	}, tr.Cfg.AppleUpdatesPath()))

	assert.Equal(t, ForceNone, tr.ForceInstallPackageCheck())

	tr.Cfg.InstallAppleSoftwareUpdates = true
	assert.Equal(t, ForceRestart, tr.ForceInstallPackageCheck())
}

func TestSavePendingUpdateTimesCarriesFirstSeenForward(t *testing.T) {
	day1 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tr := newTracker(t, day1)
	writeInstallInfo(t, tr, map[string]interface{}{"name": "AppX"})

	require.NoError(t, tr.SavePendingUpdateTimes())

	// Second run a day later: the first-seen instant must not move.
	tr.Now = func() time.Time { return day1.Add(24 * time.Hour) }
	require.NoError(t, tr.SavePendingUpdateTimes())

	doc, err := plist.Read(tr.Cfg.UpdateTrackingPath())
	require.NoError(t, err)
	assert.Equal(t, day1, doc.Dict(CategoryManagedInstalls).Date("AppX").UTC())
	assert.InDelta(t, 1.0, tr.OldestPendingUpdateInDays(), 0.001)
}

func TestSavePendingUpdateTimesDropsResolvedItems(t *testing.T) {
	day1 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tr := newTracker(t, day1)
	writeInstallInfo(t, tr, map[string]interface{}{"name": "AppX"})
	require.NoError(t, tr.SavePendingUpdateTimes())

	// AppX installed; pending set is now empty.
	writeInstallInfo(t, tr)
	require.NoError(t, tr.SavePendingUpdateTimes())

	doc, err := plist.Read(tr.Cfg.UpdateTrackingPath())
	require.NoError(t, err)
	assert.Nil(t, doc.Dict(CategoryManagedInstalls))
	assert.Zero(t, tr.OldestPendingUpdateInDays())
}

func TestAppleUpdateFirstSeenSurvivesDisappearance(t *testing.T) {
	day1 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tr := newTracker(t, day1)

	writeApple := func(present bool) {
		updates := []interface{}{}
		if present {
			updates = append(updates, map[string]interface{}{
				"name":               "Safari",
				"productKey":         "052-1234",
				"display_name":       "Safari",
				"version_to_install": "17.5",
			})
		}
		require.NoError(t, plist.Write(plist.Dict{"AppleUpdates": updates}, tr.Cfg.AppleUpdatesPath()))
	}

	// Run N: update appears, history entry created at day1.
	writeApple(true)
	require.NoError(t, tr.SavePendingUpdateTimes())

	// Run N+1: update vanished from the available list.
	writeApple(false)
	tr.Now = func() time.Time { return day1.Add(24 * time.Hour) }
	require.NoError(t, tr.SavePendingUpdateTimes())

	// Run N+2: same productKey reappears; first-seen comes from history.
	writeApple(true)
	tr.Now = func() time.Time { return day1.Add(48 * time.Hour) }
	require.NoError(t, tr.SavePendingUpdateTimes())

	doc, err := plist.Read(tr.Cfg.UpdateTrackingPath())
	require.NoError(t, err)
	assert.Equal(t, day1, doc.Dict(CategoryAppleUpdates).Date("Safari").UTC())
}

func TestOldestPendingUpdateMalformedDocumentIsZero(t *testing.T) {
	tr := newTracker(t, time.Now())
	require.NoError(t, os.MkdirAll(tr.Cfg.ManagedInstallDir, 0755))
	require.NoError(t, os.WriteFile(tr.Cfg.UpdateTrackingPath(), []byte("not a plist"), 0644))
	assert.Zero(t, tr.OldestPendingUpdateInDays())
}

func TestPendingUpdateInfoCountsAndDueDate(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tr := newTracker(t, now)
	require.NoError(t, plist.Write(plist.Dict{
		"managed_installs": []interface{}{
			map[string]interface{}{
				"name":                     "AppX",
				"force_install_after_date": now.Add(48 * time.Hour),
			},
		},
		"removals": []interface{}{
			map[string]interface{}{"name": "OldApp"},
		},
	}, tr.Cfg.InstallInfoPath()))
	require.NoError(t, plist.Write(plist.Dict{
		"AppleUpdates": []interface{}{
			map[string]interface{}{
				"name":                     "Safari",
				"productKey":               "052-1234",
				"force_install_after_date": now.Add(24 * time.Hour),
			},
		},
	}, tr.Cfg.AppleUpdatesPath()))

	info := tr.PendingUpdateInfo()
	assert.Equal(t, 1, info.InstallCount)
	assert.Equal(t, 1, info.RemovalCount)
	assert.Equal(t, 1, info.AppleUpdateCount)
	assert.Equal(t, 3, info.PendingCount)
	// The Apple update carries the earlier deadline.
	assert.Equal(t, now.Add(24*time.Hour), info.ForcedUpdateDueDate)
}

func TestShouldNotifyGraceWindow(t *testing.T) {
	now := time.Date(2024, 6, 2, 9, 0, 0, 0, time.UTC)
	tr := newTracker(t, now)
	tr.Cfg.DaysBetweenNotifications = 1

	// Last notified 23 hours ago: within the 6 hour grace, so notify.
	assert.True(t, tr.ShouldNotify(now.Add(-23*time.Hour)))
	// Last notified 10 hours ago: throttled.
	assert.False(t, tr.ShouldNotify(now.Add(-10*time.Hour)))
}
