package kvcache

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/adrg/xdg"
	"github.com/miku/scholcache"
)

// extensions recognized as cache files.
var extensions = []string{".json", ".json.zst", ".json.gz"}

// DefaultDir returns the per-user cache directory for all namespaces.
func DefaultDir() string {
	return filepath.Join(xdg.CacheHome, scholcache.AppName)
}

// NamespacePath returns the file for namespace name under dir. Names
// without extension get ".json"; "papers.json.zst" is used as is.
func NamespacePath(dir, name string) string {
	if filepath.Ext(name) == "" {
		name = name + ".json"
	}
	return filepath.Join(dir, name)
}

// Namespaces lists the cache files found in dir, sorted by name.
func Namespaces(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var result []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		for _, ext := range extensions {
			if strings.HasSuffix(e.Name(), ext) {
				result = append(result, e.Name())
				break
			}
		}
	}
	sort.Strings(result)
	return result, nil
}
