// pkg/report/report.go - The run report: an append-only record of labeled
// values accumulated during a run and saved atomically to
// ManagedInstallReport.plist.

package report

import (
	"sync"
	"time"

	"github.com/macadmins/gomunki/pkg/logging"
	"github.com/macadmins/gomunki/pkg/plist"
)

// Report accumulates labeled values over a run.
type Report struct {
	mu     sync.Mutex
	fields plist.Dict
}

// New returns an empty report stamped with the run start time.
func New() *Report {
	return &Report{fields: plist.Dict{"StartTime": time.Now()}}
}

// Record sets a labeled value. Later writes to the same label win.
func (r *Report) Record(label string, value interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fields[label] = value
}

// Append adds value to the list stored under label.
func (r *Report) Append(label string, value interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, _ := r.fields[label].([]interface{})
	r.fields[label] = append(existing, value)
}

// Warning records a warning both in the log and the report.
func (r *Report) Warning(msg string, keysAndValues ...interface{}) {
	logging.Warn(msg, keysAndValues...)
	r.Append("Warnings", msg)
}

// Error records an error both in the log and the report.
func (r *Report) Error(msg string, keysAndValues ...interface{}) {
	logging.Error(msg, keysAndValues...)
	r.Append("Errors", msg)
}

// Get returns the value recorded under label, or nil.
func (r *Report) Get(label string) interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fields[label]
}

// Save stamps the end time and writes the report atomically to path.
func (r *Report) Save(path string) error {
	r.mu.Lock()
	r.fields["EndTime"] = time.Now()
	snapshot := make(plist.Dict, len(r.fields))
	for k, v := range r.fields {
		snapshot[k] = v
	}
	r.mu.Unlock()
	return plist.Write(snapshot, path)
}
