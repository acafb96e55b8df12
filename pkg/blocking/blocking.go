// pkg/blocking/blocking.go - Detecting applications that block an install.
//
// An item declares blocking_applications explicitly; when it does not, any
// installs entry of type "application" blocks by its bundle name. Matching
// is against the running process list, case-insensitive on the executable
// name.

package blocking

import (
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/macadmins/gomunki/pkg/catalog"
	"github.com/macadmins/gomunki/pkg/logging"
)

// BlockingNames returns the application names whose presence in the
// process list should defer installation of record.
func BlockingNames(record catalog.PackageRecord) []string {
	if len(record.BlockingApplications) > 0 {
		return record.BlockingApplications
	}
	var names []string
	for _, inst := range record.Installs {
		if inst.String("type") != "application" {
			continue
		}
		if path := inst.String("path"); path != "" {
			names = append(names, filepath.Base(path))
		}
	}
	return names
}

// runningProcessNames is swappable in tests.
var runningProcessNames = func() ([]string, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(procs))
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// normalize strips a ".app" suffix and lowercases for comparison, so
// "Firefox.app" in a blocking list matches the "firefox" process.
func normalize(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, ".app"))
}

// ApplicationsRunning returns the subset of the record's blocking
// applications that are currently running. A process-list failure is
// treated as nothing running; deferring every install on a psutil error
// would wedge the client.
func ApplicationsRunning(record catalog.PackageRecord) []string {
	blocking := BlockingNames(record)
	if len(blocking) == 0 {
		return nil
	}
	running, err := runningProcessNames()
	if err != nil {
		logging.Warn("Could not list processes for blocking check", "error", err)
		return nil
	}
	runningSet := make(map[string]bool, len(running))
	for _, name := range running {
		runningSet[normalize(name)] = true
	}
	var found []string
	for _, name := range blocking {
		if runningSet[normalize(name)] {
			found = append(found, name)
		}
	}
	return found
}
