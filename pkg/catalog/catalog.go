// pkg/catalog/catalog.go - Downloading catalogs and looking up package
// metadata. A catalog is an ordered array of pkginfo dictionaries; lookup
// walks the caller's catalog list in order and picks the highest version
// of the named item from the first catalog that has it.

package catalog

import (
	"context"
	"fmt"
	"strings"

	version "github.com/hashicorp/go-version"

	"github.com/macadmins/gomunki/pkg/fetch"
	"github.com/macadmins/gomunki/pkg/logging"
	"github.com/macadmins/gomunki/pkg/plist"
)

// Store downloads and memoizes catalogs for the duration of a run.
type Store struct {
	client *fetch.Client
	loaded map[string][]plist.Dict
}

// NewStore returns an empty catalog store backed by client.
func NewStore(client *fetch.Client) *Store {
	return &Store{client: client, loaded: make(map[string][]plist.Dict)}
}

// Get returns the items of the named catalog, fetching it on first use.
// A catalog that cannot be fetched or parsed is memoized as empty so each
// failure is logged once per run.
func (s *Store) Get(ctx context.Context, name string) []plist.Dict {
	if items, ok := s.loaded[name]; ok {
		return items
	}
	items := s.load(ctx, name)
	s.loaded[name] = items
	return items
}

func (s *Store) load(ctx context.Context, name string) []plist.Dict {
	_, path, err := s.client.Fetch(ctx, fetch.KindCatalog, name, "", fetch.Options{OnlyIfChanged: true})
	if err != nil {
		logging.Error("Failed to retrieve catalog", "catalog", name, "error", err)
		return nil
	}
	doc, err := plist.Read(path)
	if err != nil {
		logging.Error("Failed to parse catalog", "catalog", name, "path", path, "error", err)
		return nil
	}
	// Catalogs are generated as {"items": [...pkginfo...]}; accept a bare
	// top-level array spelled as a single-key dict too.
	items := doc.DictArray("items")
	logging.Debug("Loaded catalog", "catalog", name, "items", len(items))
	return items
}

// splitNameAndVersion handles the "name--1.2.3" manifest syntax for pinning
// an item to a specific version.
func splitNameAndVersion(name string) (string, string) {
	if idx := strings.LastIndex(name, "--"); idx > 0 {
		return name[:idx], name[idx+2:]
	}
	return name, ""
}

// Lookup finds the pkginfo for itemName within the given catalog list.
// Catalogs are consulted in order; within the first catalog containing the
// name, the highest version wins unless the name pins one.
func (s *Store) Lookup(ctx context.Context, itemName string, catalogs []string) (plist.Dict, error) {
	name, pinned := splitNameAndVersion(itemName)

	for _, catalogName := range catalogs {
		var best plist.Dict
		var bestVersion *version.Version

		for _, entry := range s.Get(ctx, catalogName) {
			if !strings.EqualFold(entry.String("name"), name) {
				continue
			}
			entryVersionStr := entry.String("version")
			if pinned != "" {
				if entryVersionStr == pinned {
					return entry, nil
				}
				continue
			}
			entryVersion, err := version.NewVersion(entryVersionStr)
			if err != nil {
				// Unparseable versions still beat nothing at all.
				if best == nil {
					best = entry
				}
				continue
			}
			if bestVersion == nil || entryVersion.GreaterThan(bestVersion) {
				best = entry
				bestVersion = entryVersion
			}
		}
		if best != nil {
			return best, nil
		}
	}
	return nil, fmt.Errorf("no entry for %q in catalogs %v", itemName, catalogs)
}
