// Package collab provides the swappable catalog and save-path
// collaborators a DownloadEngine consults when a download is added
// without a resolved URL or destination path (spec.md §4.17).
package collab

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrItemNotFound is returned by CatalogProvider.Lookup for an unknown id.
var ErrItemNotFound = errors.New("collab: catalog item not found")

// CatalogItem describes a download's source as known to a catalog.
type CatalogItem struct {
	URL          string
	Title        string
	AncestorPath string // relative directory path, used when preserve_structure is set
}

// CatalogProvider resolves an opaque item id to its source URL and
// naming/structure metadata.
type CatalogProvider interface {
	Lookup(id string) (CatalogItem, error)
}

// StaticCatalogProvider is an in-memory CatalogProvider, sufficient
// for tests and standalone operation.
type StaticCatalogProvider struct {
	items map[string]CatalogItem
}

// NewStaticCatalogProvider builds a provider from a fixed item set.
func NewStaticCatalogProvider(items map[string]CatalogItem) *StaticCatalogProvider {
	if items == nil {
		items = make(map[string]CatalogItem)
	}
	return &StaticCatalogProvider{items: items}
}

func (p *StaticCatalogProvider) Lookup(id string) (CatalogItem, error) {
	item, ok := p.items[id]
	if !ok {
		return CatalogItem{}, ErrItemNotFound
	}
	return item, nil
}

// Set adds or replaces an item.
func (p *StaticCatalogProvider) Set(id string, item CatalogItem) {
	p.items[id] = item
}

// SavePathResolver computes the on-disk path for a download given its
// title and, when structure is preserved, its ancestor path.
type SavePathResolver interface {
	Resolve(baseDir, title, ancestorPath string, preserveStructure bool) (string, error)
}

// ErrPathEscapesBase is returned when a resolved path would land
// outside baseDir after sanitization.
var ErrPathEscapesBase = errors.New("collab: resolved path escapes base directory")

// DefaultSavePathResolver joins a base directory with a sanitized
// title (and ancestor path when requested), rejecting traversal
// attempts in either component.
type DefaultSavePathResolver struct{}

func (DefaultSavePathResolver) Resolve(baseDir, title, ancestorPath string, preserveStructure bool) (string, error) {
	name := sanitizeName(title)
	if name == "" {
		return "", errors.New("collab: title sanitizes to an empty filename")
	}

	dir := baseDir
	if preserveStructure && ancestorPath != "" {
		segments := strings.Split(filepath.ToSlash(ancestorPath), "/")
		for _, seg := range segments {
			seg = sanitizeName(seg)
			if seg == "" {
				continue
			}
			dir = filepath.Join(dir, seg)
		}
	}

	full := filepath.Join(dir, name)
	if !withinBase(baseDir, full) {
		return "", ErrPathEscapesBase
	}
	return full, nil
}

// sanitizeName rejects/neutralizes traversal segments and path
// separators so a crafted catalog title or ancestor segment can't
// escape the base directory.
func sanitizeName(segment string) string {
	segment = strings.TrimSpace(segment)
	if segment == "" || segment == "." || segment == ".." {
		return ""
	}
	segment = strings.ReplaceAll(segment, "/", "_")
	segment = strings.ReplaceAll(segment, "\\", "_")
	segment = strings.ReplaceAll(segment, "\x00", "")
	replacer := strings.NewReplacer(
		"<", "_", ">", "_", ":", "_", "\"", "_", "|", "_", "?", "_", "*", "_",
	)
	segment = replacer.Replace(segment)
	segment = strings.Trim(segment, " .")
	if len(segment) > 255 {
		ext := filepath.Ext(segment)
		if len(ext) > 50 {
			ext = ext[:50]
		}
		segment = segment[:255-len(ext)] + ext
	}
	return segment
}

func withinBase(baseDir, full string) bool {
	cleanBase := filepath.Clean(baseDir)
	cleanFull := filepath.Clean(full)
	rel, err := filepath.Rel(cleanBase, cleanFull)
	if err != nil {
		return false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return true
}
