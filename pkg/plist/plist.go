// pkg/plist/plist.go - Typed read/write of property-list documents on disk.
//
// Every persisted artifact (InstallInfo, AppleUpdates, tracking documents,
// the run report, preferences) goes through this store. Documents are
// schemaless here; callers enforce their own shapes through the typed
// accessors, and a failed coercion surfaces as ErrMalformed instead of a
// cascade of nil checks.

package plist

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	hplist "howett.net/plist"
)

var (
	// ErrNotFound means no document exists at the given path.
	ErrNotFound = errors.New("plist: not found")
	// ErrMalformed means the document exists but could not be decoded,
	// or a value had an unexpected type.
	ErrMalformed = errors.New("plist: malformed")
)

// Dict is a property-list dictionary with string keys and dynamically
// typed values.
type Dict map[string]interface{}

// Read loads the plist document at path. Missing files return ErrNotFound,
// undecodable content returns ErrMalformed, everything else is an I/O error.
func Read(path string) (Dict, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var doc Dict
	if _, err := hplist.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}
	return doc, nil
}

// Write serializes doc as XML plist and writes it atomically: the bytes go
// to a temp file in the destination directory which is then renamed over
// the target.
func Write(doc Dict, path string) error {
	data, err := hplist.MarshalIndent(doc, hplist.XMLFormat, "\t")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return writeAtomic(path, data, 0644)
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming %s: %w", tmpName, err)
	}
	return nil
}

// String returns the string at key, or "" when absent or of another type.
func (d Dict) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// Bool returns the boolean at key, defaulting to false.
func (d Dict) Bool(key string) bool {
	b, _ := d[key].(bool)
	return b
}

// Int returns the integer at key. Plist decoding may produce any of the
// machine integer widths, so all are accepted.
func (d Dict) Int(key string) int {
	switch v := d[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Date returns the date at key, or the zero time when absent.
func (d Dict) Date(key string) time.Time {
	t, _ := d[key].(time.Time)
	return t
}

// Data returns the binary blob at key.
func (d Dict) Data(key string) []byte {
	b, _ := d[key].([]byte)
	return b
}

// Dict returns the nested dictionary at key, or nil.
func (d Dict) Dict(key string) Dict {
	switch v := d[key].(type) {
	case Dict:
		return v
	case map[string]interface{}:
		return Dict(v)
	}
	return nil
}

// Array returns the list at key, or nil.
func (d Dict) Array(key string) []interface{} {
	a, _ := d[key].([]interface{})
	return a
}

// StringArray returns the list at key coerced to strings; entries of other
// types are dropped.
func (d Dict) StringArray(key string) []string {
	raw := d.Array(key)
	if raw == nil {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// DictArray returns the list at key coerced to dictionaries; entries of
// other types are dropped.
func (d Dict) DictArray(key string) []Dict {
	raw := d.Array(key)
	if raw == nil {
		return nil
	}
	out := make([]Dict, 0, len(raw))
	for _, v := range raw {
		switch m := v.(type) {
		case Dict:
			out = append(out, m)
		case map[string]interface{}:
			out = append(out, Dict(m))
		}
	}
	return out
}

// Has reports whether key is present at all.
func (d Dict) Has(key string) bool {
	_, ok := d[key]
	return ok
}
