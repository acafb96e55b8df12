// pkg/installer/dmg.go - Mounting and unmounting disk images via hdiutil.

package installer

import (
	"context"
	"fmt"
	"os/exec"

	hplist "howett.net/plist"

	"github.com/macadmins/gomunki/pkg/logging"
	"github.com/macadmins/gomunki/pkg/plist"
)

// execCommand is swappable in tests.
var execCommand = exec.CommandContext

// currentMountPoint returns the mountpoint when the image at path is
// already attached, consulting hdiutil's inventory.
func currentMountPoint(ctx context.Context, path string) (string, error) {
	out, err := execCommand(ctx, "/usr/bin/hdiutil", "info", "-plist").Output()
	if err != nil {
		return "", fmt.Errorf("hdiutil info: %w", err)
	}
	var doc plist.Dict
	if _, err := hplist.Unmarshal(out, &doc); err != nil {
		return "", fmt.Errorf("parsing hdiutil info: %w", err)
	}
	for _, image := range doc.DictArray("images") {
		if image.String("image-path") != path {
			continue
		}
		for _, entity := range image.DictArray("system-entities") {
			if mp := entity.String("mount-point"); mp != "" {
				return mp, nil
			}
		}
	}
	return "", nil
}

// mountDiskImage attaches the image and returns its mountpoint. When the
// image is already attached the existing mountpoint is reused and the
// second return is false, meaning the caller must not detach it.
func mountDiskImage(ctx context.Context, path string) (string, bool, error) {
	if existing, err := currentMountPoint(ctx, path); err == nil && existing != "" {
		logging.Debug("Disk image already mounted", "image", path, "mountpoint", existing)
		return existing, false, nil
	}
	out, err := execCommand(ctx, "/usr/bin/hdiutil", "attach", path,
		"-mountRandom", "/tmp", "-nobrowse", "-plist").Output()
	if err != nil {
		return "", false, fmt.Errorf("hdiutil attach %s: %w", path, err)
	}
	var doc plist.Dict
	if _, err := hplist.Unmarshal(out, &doc); err != nil {
		return "", false, fmt.Errorf("parsing hdiutil attach output: %w", err)
	}
	for _, entity := range doc.DictArray("system-entities") {
		if mp := entity.String("mount-point"); mp != "" {
			return mp, true, nil
		}
	}
	return "", false, fmt.Errorf("no mountpoint in hdiutil output for %s", path)
}

// unmountDiskImage detaches the mountpoint, forcing on a second attempt.
func unmountDiskImage(ctx context.Context, mountpoint string) error {
	if err := execCommand(ctx, "/usr/bin/hdiutil", "detach", mountpoint).Run(); err == nil {
		return nil
	}
	if err := execCommand(ctx, "/usr/bin/hdiutil", "detach", mountpoint, "-force").Run(); err != nil {
		return fmt.Errorf("hdiutil detach %s: %w", mountpoint, err)
	}
	return nil
}
