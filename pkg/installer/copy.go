// pkg/installer/copy.go - Copying items out of a mounted disk image to
// their destinations: destination computation, intermediate directory
// creation, progress-aware recursive copy, quarantine stripping, ownership
// and mode application, and the final atomic replace.

package installer

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/macadmins/gomunki/pkg/logging"
	"github.com/macadmins/gomunki/pkg/plist"
	"github.com/macadmins/gomunki/pkg/runstate"
)

const quarantineAttr = "com.apple.quarantine"

// removeXattr is swappable in tests.
var removeXattr = func(path, name string) error {
	return unix.Removexattr(path, name)
}

// destinationForItem computes the destination directory and final name for
// one items_to_copy entry. destination_path names the directory directly;
// otherwise destination_item must carry a directory component to split.
// The filename defaults to the source basename.
func destinationForItem(item plist.Dict) (string, string, error) {
	source := item.String("source_item")
	if source == "" {
		return "", "", fmt.Errorf("items_to_copy entry has no source_item")
	}
	destPath := item.String("destination_path")
	destItem := item.String("destination_item")

	if destPath != "" {
		name := filepath.Base(source)
		if destItem != "" {
			name = filepath.Base(destItem)
		}
		return destPath, name, nil
	}
	if destItem != "" {
		dir, name := filepath.Split(destItem)
		if dir == "" {
			return "", "", fmt.Errorf("destination_item %q has no directory component", destItem)
		}
		if name == "" {
			name = filepath.Base(source)
		}
		return filepath.Clean(dir), name, nil
	}
	return "", "", fmt.Errorf("items_to_copy entry has no destination")
}

// makeIntermediateDirs creates any missing components of dir, inheriting
// owner, group, and mode from the nearest existing ancestor. Mode defaults
// to 0755 when the ancestor cannot be inspected.
func makeIntermediateDirs(dir string) error {
	var missing []string
	ancestor := filepath.Clean(dir)
	for {
		fi, err := os.Stat(ancestor)
		if err == nil {
			if !fi.IsDir() {
				return fmt.Errorf("%s exists and is not a directory", ancestor)
			}
			break
		}
		if !os.IsNotExist(err) {
			return err
		}
		missing = append([]string{ancestor}, missing...)
		parent := filepath.Dir(ancestor)
		if parent == ancestor {
			break
		}
		ancestor = parent
	}
	if len(missing) == 0 {
		return nil
	}

	mode := os.FileMode(0755)
	uid, gid := -1, -1
	if fi, err := os.Stat(ancestor); err == nil {
		mode = fi.Mode().Perm()
		if st, ok := fi.Sys().(*syscall.Stat_t); ok {
			uid, gid = int(st.Uid), int(st.Gid)
		}
	}
	for _, d := range missing {
		if err := os.Mkdir(d, mode); err != nil && !os.IsExist(err) {
			return fmt.Errorf("creating %s: %w", d, err)
		}
		if uid >= 0 {
			if err := os.Chown(d, uid, gid); err != nil {
				logging.Debug("Could not set owner on intermediate dir", "dir", d, "error", err)
			}
		}
	}
	return nil
}

// treeSize totals the file bytes under root, for progress reporting.
func treeSize(root string) int64 {
	var total int64
	filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
		if err == nil && fi.Mode().IsRegular() {
			total += fi.Size()
		}
		return nil
	})
	return total
}

// copyWithProgress copies src (file or directory) to dst, mirroring
// symlinks and permissions and updating the display percent as bytes land.
func copyWithProgress(src, dst string, display *runstate.DisplayOptions) error {
	total := treeSize(src)
	var copied int64
	return copyTree(src, dst, func(n int64) {
		copied += n
		if display != nil && total > 0 {
			display.PercentDone = int(copied * 100 / total)
		}
	})
}

func copyTree(src, dst string, progress func(int64)) error {
	fi, err := os.Lstat(src)
	if err != nil {
		return err
	}
	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dst)
	case fi.IsDir():
		if err := os.Mkdir(dst, fi.Mode().Perm()); err != nil && !os.IsExist(err) {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := copyTree(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name()), progress); err != nil {
				return err
			}
		}
		return nil
	default:
		return copyFile(src, dst, fi.Mode().Perm(), progress)
	}
}

func copyFile(src, dst string, perm os.FileMode, progress func(int64)) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	buf := make([]byte, 256*1024)
	for {
		n, readErr := in.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				out.Close()
				return err
			}
			progress(int64(n))
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			return readErr
		}
	}
	return out.Close()
}

// removeQuarantineRecursive strips the quarantine attribute from path and
// every descendant. Filesystems without xattr support and entries without
// the attribute are not errors.
func removeQuarantineRecursive(root string) {
	filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if xerr := removeXattr(path, quarantineAttr); xerr != nil && !ignorableXattrError(xerr) {
			logging.Warn("Could not remove quarantine attribute", "path", path, "error", xerr)
		}
		return nil
	})
}

func ignorableXattrError(err error) bool {
	switch err {
	case unix.ENOTSUP, unix.EPERM, unix.EACCES, unix.ENOENT:
		return true
	}
	// removexattr on a file without the attribute fails with ENOATTR on
	// darwin and ENODATA on linux.
	return err == errNoAttr || err == unix.ENODATA
}

// applyOwnershipAndMode walks root setting the requested user, group, and
// mode. user defaults to root, group to admin. An empty mode applies the
// default adjustment: clear world-write, grant group and other read, and
// grant execute on directories and on files already owner-executable.
func applyOwnershipAndMode(root, userName, groupName, mode string) error {
	if userName == "" {
		userName = "root"
	}
	if groupName == "" {
		groupName = "admin"
	}
	uid, gid := lookupIDs(userName, groupName)

	var explicit os.FileMode = 0
	hasExplicit := false
	if mode != "" {
		parsed, err := strconv.ParseUint(mode, 8, 32)
		if err != nil {
			return fmt.Errorf("invalid mode %q: %w", mode, err)
		}
		explicit = os.FileMode(parsed)
		hasExplicit = true
	}

	return filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		if uid >= 0 {
			if cerr := os.Chown(path, uid, gid); cerr != nil {
				logging.Debug("Could not set owner", "path", path, "error", cerr)
			}
		}
		want := defaultModeAdjust(fi.Mode().Perm(), fi.IsDir())
		if hasExplicit {
			want = explicit
			if fi.IsDir() {
				want |= 0700
			}
		}
		if cerr := os.Chmod(path, want); cerr != nil {
			return cerr
		}
		return nil
	})
}

func defaultModeAdjust(perm os.FileMode, isDir bool) os.FileMode {
	perm &^= 0002
	perm |= 0044
	if isDir || perm&0100 != 0 {
		perm |= 0011
	}
	return perm
}

func lookupIDs(userName, groupName string) (int, int) {
	uid, gid := -1, -1
	if u, err := user.Lookup(userName); err == nil {
		if id, err := strconv.Atoi(u.Uid); err == nil {
			uid = id
		}
	}
	if g, err := user.LookupGroup(groupName); err == nil {
		if id, err := strconv.Atoi(g.Gid); err == nil {
			gid = id
		}
	}
	if uid < 0 {
		logging.Debug("Unknown user for ownership, leaving as-is", "user", userName)
	}
	return uid, gid
}

// atomicReplace moves staged over dest. An existing dest is renamed aside
// first and restored if the final rename fails.
func atomicReplace(staged, dest string) error {
	aside := dest + ".premunki"
	haveAside := false
	if _, err := os.Lstat(dest); err == nil {
		if err := os.Rename(dest, aside); err != nil {
			return fmt.Errorf("moving existing %s aside: %w", dest, err)
		}
		haveAside = true
	}
	if err := os.Rename(staged, dest); err != nil {
		if haveAside {
			os.Rename(aside, dest)
		}
		return fmt.Errorf("replacing %s: %w", dest, err)
	}
	if haveAside {
		if err := os.RemoveAll(aside); err != nil {
			logging.Warn("Could not remove replaced item", "path", aside, "error", err)
		}
	}
	return nil
}
