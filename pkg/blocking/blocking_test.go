package blocking

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/macadmins/gomunki/pkg/catalog"
	"github.com/macadmins/gomunki/pkg/plist"
)

func stubProcesses(t *testing.T, names []string, err error) {
	t.Helper()
	prev := runningProcessNames
	runningProcessNames = func() ([]string, error) { return names, err }
	t.Cleanup(func() { runningProcessNames = prev })
}

func TestBlockingNamesExplicitListWins(t *testing.T) {
	record := catalog.PackageRecord{
		BlockingApplications: []string{"Firefox.app"},
		Installs: []plist.Dict{
			{"type": "application", "path": "/Applications/Thunderbird.app"},
		},
	}
	assert.Equal(t, []string{"Firefox.app"}, BlockingNames(record))
}

func TestBlockingNamesFallBackToApplicationInstalls(t *testing.T) {
	record := catalog.PackageRecord{
		Installs: []plist.Dict{
			{"type": "application", "path": "/Applications/Firefox.app"},
			{"type": "file", "path": "/usr/local/bin/tool"},
		},
	}
	assert.Equal(t, []string{"Firefox.app"}, BlockingNames(record))
}

func TestApplicationsRunningMatchesCaseAndSuffix(t *testing.T) {
	stubProcesses(t, []string{"firefox", "loginwindow"}, nil)
	record := catalog.PackageRecord{BlockingApplications: []string{"Firefox.app"}}
	assert.Equal(t, []string{"Firefox.app"}, ApplicationsRunning(record))
}

func TestApplicationsRunningNoneBlocking(t *testing.T) {
	stubProcesses(t, []string{"loginwindow"}, nil)
	record := catalog.PackageRecord{BlockingApplications: []string{"Firefox.app"}}
	assert.Empty(t, ApplicationsRunning(record))
}

func TestApplicationsRunningProcessListFailureIsOpen(t *testing.T) {
	stubProcesses(t, nil, errors.New("psutil unavailable"))
	record := catalog.PackageRecord{BlockingApplications: []string{"Firefox.app"}}
	assert.Empty(t, ApplicationsRunning(record))
}
