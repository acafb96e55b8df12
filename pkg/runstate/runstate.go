// pkg/runstate/runstate.go - Process-wide state shared across a run:
// the active-manifest table, temp-dir lifecycle, display options, and the
// cooperative stop flag. All mutation happens from the main flow; the
// mutexes only guard against the signal handler flipping the stop flag.

package runstate

import (
	"os"
	"sync"

	"github.com/macadmins/gomunki/pkg/logging"
)

// ManifestTable maps manifest names to their local cached paths for the
// duration of a run. It doubles as the memoization that terminates
// recursive manifest processing and as the live set for the cleanup pass.
type ManifestTable struct {
	mu    sync.Mutex
	paths map[string]string
}

// NewManifestTable returns an empty table.
func NewManifestTable() *ManifestTable {
	return &ManifestTable{paths: make(map[string]string)}
}

// Set records the local path for a manifest name.
func (t *ManifestTable) Set(name, path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paths[name] = path
}

// Get returns the local path for name, if the manifest was already fetched
// this run.
func (t *ManifestTable) Get(name string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.paths[name]
	return p, ok
}

// List returns every recorded local path, for the garbage-collection pass.
func (t *ManifestTable) List() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.paths))
	for _, p := range t.paths {
		out = append(out, p)
	}
	return out
}

// DisplayOptions control verbosity and whether progress is mirrored to a
// GUI status channel.
type DisplayOptions struct {
	Verbose     bool
	MunkiStatus bool
	PercentDone int
}

// TempDirs allocates per-process temp directories. The shared directory is
// removed by Cleanup at the end of the run; private directories are not.
type TempDirs struct {
	mu      sync.Mutex
	shared  string
	private []string
}

// Shared returns the per-run shared temp directory, creating it on first
// use.
func (t *TempDirs) Shared() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shared != "" {
		return t.shared, nil
	}
	dir, err := os.MkdirTemp("", "munki-shared-")
	if err != nil {
		return "", err
	}
	t.shared = dir
	return dir, nil
}

// Private returns a fresh temp directory that survives Cleanup; callers own
// its lifetime (launchd job files, for instance, outlive the run).
func (t *TempDirs) Private(prefix string) (string, error) {
	dir, err := os.MkdirTemp("", prefix)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	t.private = append(t.private, dir)
	t.mu.Unlock()
	return dir, nil
}

// Cleanup removes the shared temp directory.
func (t *TempDirs) Cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shared != "" {
		if err := os.RemoveAll(t.shared); err != nil {
			logging.Warn("Failed to remove shared temp dir", "dir", t.shared, "error", err)
		}
		t.shared = ""
	}
}

// State carries the per-run singletons, threaded explicitly through the
// pipeline instead of package globals.
type State struct {
	Manifests *ManifestTable
	Display   DisplayOptions
	Temp      TempDirs

	mu            sync.Mutex
	stopRequested bool
}

// New returns a fresh run state.
func New() *State {
	return &State{Manifests: NewManifestTable()}
}

// RequestStop asks the run to end at the next cooperative check.
func (s *State) RequestStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopRequested = true
}

// StopRequested reports whether a stop has been requested. The resolver
// consults it at recursion boundaries, the executor between items.
func (s *State) StopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequested
}
