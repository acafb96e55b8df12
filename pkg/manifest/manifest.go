// pkg/manifest/manifest.go - Fetching and resolving the manifest hierarchy
// into install/remove/optional/featured actions.
//
// Resolution is depth-first and deterministic: within a manifest,
// included_manifests are processed before conditional_items, which are
// processed before the selector lists; items append in manifest order. The
// active-manifest table memoizes fetched manifests for the run; a per-pass
// visited set breaks inclusion cycles.

package manifest

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/macadmins/gomunki/pkg/catalog"
	"github.com/macadmins/gomunki/pkg/fetch"
	"github.com/macadmins/gomunki/pkg/logging"
	"github.com/macadmins/gomunki/pkg/plist"
	"github.com/macadmins/gomunki/pkg/predicates"
	"github.com/macadmins/gomunki/pkg/runstate"
)

// SelectorKey names the manifest list a resolution pass flattens.
type SelectorKey string

const (
	ManagedInstalls   SelectorKey = "managed_installs"
	ManagedUninstalls SelectorKey = "managed_uninstalls"
	ManagedUpdates    SelectorKey = "managed_updates"
	OptionalInstalls  SelectorKey = "optional_installs"
	DefaultInstalls   SelectorKey = "default_installs"
	FeaturedItems     SelectorKey = "featured_items"
)

// ManifestsWhitelist names files in the manifests directory that the
// cleanup pass never deletes.
var ManifestsWhitelist = map[string]bool{"SelfServeManifest": true}

// Resolver walks the manifest hierarchy, consulting catalogs through the
// processor and accumulating actions into an InstallInfo.
type Resolver struct {
	Client    *fetch.Client
	Processor *catalog.Processor
	State     *runstate.State
	Facts     predicates.Context
}

// CandidateIdentifiers builds the primary-manifest fallback chain: the
// explicit identifier if configured, else fully-qualified hostname, short
// hostname when distinct, serial number when known, then site_default.
func CandidateIdentifiers(explicit, hostname, serial string) []string {
	if explicit != "" {
		return []string{explicit}
	}
	var out []string
	if hostname != "" {
		out = append(out, hostname)
		if short := strings.SplitN(hostname, ".", 2)[0]; short != hostname {
			out = append(out, short)
		}
	}
	if serial != "" {
		out = append(out, serial)
	}
	return append(out, "site_default")
}

// SerialNumber reads the machine serial from the IO registry. An empty
// string means unknown; the identifier chain just skips it.
func SerialNumber() string {
	out, err := exec.Command("/usr/sbin/ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output()
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line, "IOPlatformSerialNumber") {
			continue
		}
		if idx := strings.LastIndex(line, "= "); idx >= 0 {
			return strings.Trim(strings.TrimSpace(line[idx+2:]), `"`)
		}
	}
	return ""
}

// FindPrimaryManifest tries each candidate in order and returns the name
// of the first manifest that fetches. A not-retrieved failure (404) moves
// to the next candidate; any other failure is fatal immediately.
func (r *Resolver) FindPrimaryManifest(ctx context.Context, candidates []string) (string, error) {
	for i, name := range candidates {
		_, path, err := r.Client.Fetch(ctx, fetch.KindManifest, name, "", fetch.Options{OnlyIfChanged: true})
		if err == nil {
			logging.Info("Using manifest", "manifest", name)
			r.State.Manifests.Set(name, path)
			return name, nil
		}
		if fetch.IsNotRetrieved(err) && i < len(candidates)-1 {
			logging.Debug("Manifest not found, trying next identifier", "manifest", name)
			continue
		}
		return "", fmt.Errorf("getting primary manifest %q: %w", name, err)
	}
	return "", fmt.Errorf("no primary manifest could be retrieved")
}

// getManifest returns the parsed manifest, fetching it on first use this
// run and recording it in the active-manifest table.
func (r *Resolver) getManifest(ctx context.Context, name string) (plist.Dict, error) {
	path, seen := r.State.Manifests.Get(name)
	if !seen {
		var err error
		_, path, err = r.Client.Fetch(ctx, fetch.KindManifest, name, "", fetch.Options{OnlyIfChanged: true})
		if err != nil {
			return nil, err
		}
		r.State.Manifests.Set(name, path)
	}
	doc, err := plist.Read(path)
	if err != nil {
		return nil, fmt.Errorf("invalid manifest %q: %w", name, err)
	}
	return doc, nil
}

// Resolve processes the named manifest for one selector key, accumulating
// into info. parentCatalogs scope any manifest that lacks its own.
func (r *Resolver) Resolve(ctx context.Context, name string, selector SelectorKey, parentCatalogs []string, info *catalog.InstallInfo) error {
	return r.resolve(ctx, name, selector, parentCatalogs, info, map[string]bool{})
}

// resolve is Resolve carrying the per-pass visited set. A manifest already
// visited this pass is skipped, which is what terminates inclusion cycles;
// the active-manifest table cannot serve as the skip condition because it
// persists across selector passes.
func (r *Resolver) resolve(ctx context.Context, name string, selector SelectorKey, parentCatalogs []string, info *catalog.InstallInfo, visited map[string]bool) error {
	if r.State.StopRequested() {
		return nil
	}
	if visited[name] {
		logging.Debug("Manifest already processed this pass, skipping", "manifest", name)
		return nil
	}
	visited[name] = true
	doc, err := r.getManifest(ctx, name)
	if err != nil {
		return err
	}
	logging.Debug("Processing manifest", "manifest", name, "selector", string(selector))
	return r.processManifest(ctx, name, doc, selector, parentCatalogs, info, visited)
}

// processManifest handles one manifest document or one conditional_items
// entry treated as an embedded manifest.
func (r *Resolver) processManifest(ctx context.Context, name string, doc plist.Dict, selector SelectorKey, parentCatalogs []string, info *catalog.InstallInfo, visited map[string]bool) error {
	catalogs := doc.StringArray("catalogs")
	if len(catalogs) == 0 {
		catalogs = parentCatalogs
	}
	if len(catalogs) == 0 {
		logging.Warn("Manifest has no catalogs and no parent catalogs, skipping", "manifest", name)
		return nil
	}

	for _, included := range doc.StringArray("included_manifests") {
		if included == "" {
			continue
		}
		if r.State.StopRequested() {
			return nil
		}
		if err := r.resolve(ctx, included, selector, catalogs, info, visited); err != nil {
			return fmt.Errorf("including manifest %q: %w", included, err)
		}
	}

	for _, conditional := range doc.DictArray("conditional_items") {
		if r.State.StopRequested() {
			return nil
		}
		condition := conditional.String("condition")
		match, err := predicates.Evaluate(condition, r.Facts.WithCatalogs(catalogs))
		if err != nil {
			logging.Warn("Condition failed to evaluate, treating as false",
				"manifest", name, "condition", condition, "error", err)
			continue
		}
		if !match {
			logging.Debug("Condition false", "manifest", name, "condition", condition)
			continue
		}
		if err := r.processManifest(ctx, name, conditional, selector, catalogs, info, visited); err != nil {
			return err
		}
	}

	names := doc.StringArray(string(selector))
	switch selector {
	case FeaturedItems:
		info.AddFeatured(names)
	case DefaultInstalls:
		info.AddDefaults(names)
	default:
		for _, itemName := range names {
			if itemName == "" {
				continue
			}
			if r.State.StopRequested() {
				return nil
			}
			switch selector {
			case ManagedInstalls:
				r.Processor.ProcessInstall(ctx, itemName, catalogs, info)
			case ManagedUpdates:
				r.Processor.ProcessUpdate(ctx, itemName, catalogs, info)
			case OptionalInstalls:
				r.Processor.ProcessOptional(ctx, itemName, catalogs, info)
			case ManagedUninstalls:
				r.Processor.ProcessRemoval(ctx, itemName, catalogs, info)
			}
		}
	}
	return nil
}

// ResolveAll runs the standard selector passes against one accumulator.
func (r *Resolver) ResolveAll(ctx context.Context, primary string, info *catalog.InstallInfo) error {
	passes := []SelectorKey{
		ManagedInstalls, ManagedUpdates, ManagedUninstalls,
		OptionalInstalls, DefaultInstalls, FeaturedItems,
	}
	for _, selector := range passes {
		if r.State.StopRequested() {
			return nil
		}
		if err := r.Resolve(ctx, primary, selector, nil, info); err != nil {
			return err
		}
	}
	return nil
}

// CleanManifestsDir deletes every file under dir that was not touched this
// run and is not whitelisted. Unused cached manifests otherwise accumulate
// forever.
func CleanManifestsDir(dir string, table *runstate.ManifestTable) error {
	live := make(map[string]bool)
	for _, p := range table.List() {
		abs, err := filepath.Abs(p)
		if err == nil {
			live[abs] = true
		}
	}
	return filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if fi.IsDir() {
			return nil
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		if live[abs] || ManifestsWhitelist[filepath.Base(path)] {
			return nil
		}
		logging.Debug("Removing stale cached manifest", "path", path)
		if err := os.Remove(path); err != nil {
			logging.Warn("Failed to remove stale manifest", "path", path, "error", err)
		}
		return nil
	})
}
