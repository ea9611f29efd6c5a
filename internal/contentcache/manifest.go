// Package contentcache materializes remote programs, localization
// bundles and the ports database locally, verified against the signed
// manifest. Atomic rename is the visibility boundary: readers see the
// previous good artifact until a verified replacement lands.
package contentcache

import (
	"encoding/json"
	"fmt"
	"os"
)

// ManifestEntry describes one program artifact at a specific version.
type ManifestEntry struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	SHA256  string `json:"sha256"`
	URL     string `json:"url"`
}

// Manifest is the content source's inventory. Immutable within a version.
type Manifest struct {
	Version        string          `json:"version"`
	LastUpdated    string          `json:"lastUpdated"`
	PortsDBVersion string          `json:"portsDbVersion"`
	Entries        []ManifestEntry `json:"entries"`
}

// Entry returns the manifest entry for a program name.
func (m *Manifest) Entry(name string) (ManifestEntry, bool) {
	for _, e := range m.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return ManifestEntry{}, false
}

// LocalizationIndex lists available bundles and their versions.
type LocalizationIndex struct {
	Languages []LanguageEntry `json:"languages"`
}

// LanguageEntry is one language in the localization index.
type LanguageEntry struct {
	Lang    string `json:"lang"`
	Version string `json:"version"`
}

// Bundle is a localization bundle: a version and a flat key-value map.
type Bundle struct {
	Lang    string            `json:"lang"`
	Version string            `json:"version"`
	Strings map[string]string `json:"keyValues"`
}

func readManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{}, nil
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}
