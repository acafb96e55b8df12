// pkg/fetch/sidecar.go - Per-file download bookkeeping, stored as a plist
// dictionary in an extended attribute on the destination file. Filesystems
// that reject user xattrs get an adjacent ".download" file instead so the
// cache-validation and resume logic behaves the same everywhere.

package fetch

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
	hplist "howett.net/plist"
)

// XattrName is the extended attribute holding the sidecar plist.
const XattrName = "com.googlecode.munki.downloadData"

// sidecar carries the cache validators for a cached download. An empty
// ExpectedLength means the previous download completed.
type sidecar struct {
	ETag           string `plist:"etag,omitempty"`
	LastModified   string `plist:"last-modified,omitempty"`
	ExpectedLength string `plist:"expected-length,omitempty"`
}

func (s sidecar) empty() bool {
	return s.ETag == "" && s.LastModified == "" && s.ExpectedLength == ""
}

func sidecarFallbackPath(dest string) string {
	return dest + ".download"
}

// readSidecar returns the sidecar for dest, or a zero sidecar when none
// exists. Decoding failures are treated as no sidecar; the worst case is a
// full re-download.
func readSidecar(dest string) sidecar {
	var sc sidecar
	data, err := getxattr(dest, XattrName)
	if err != nil {
		data, err = os.ReadFile(sidecarFallbackPath(dest))
		if err != nil {
			return sc
		}
	}
	if _, err := hplist.Unmarshal(data, &sc); err != nil {
		return sidecar{}
	}
	return sc
}

// writeSidecar stores sc on dest, preferring the extended attribute.
func writeSidecar(dest string, sc sidecar) error {
	data, err := hplist.Marshal(sc, hplist.XMLFormat)
	if err != nil {
		return &IOError{Detail: "encoding download sidecar", Err: err}
	}
	if err := unix.Setxattr(dest, XattrName, data, 0); err != nil {
		if !errors.Is(err, unix.ENOTSUP) && !errors.Is(err, unix.EPERM) && !errors.Is(err, unix.EACCES) {
			return &IOError{Detail: "writing download sidecar xattr", Err: err}
		}
		if err := os.WriteFile(sidecarFallbackPath(dest), data, 0644); err != nil {
			return &IOError{Detail: "writing download sidecar file", Err: err}
		}
	}
	return nil
}

// removeSidecar drops all sidecar state for dest.
func removeSidecar(dest string) {
	_ = unix.Removexattr(dest, XattrName)
	_ = os.Remove(sidecarFallbackPath(dest))
}

func getxattr(path, name string) ([]byte, error) {
	size, err := unix.Getxattr(path, name, nil)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, os.ErrNotExist
	}
	buf := make([]byte, size)
	n, err := unix.Getxattr(path, name, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}
