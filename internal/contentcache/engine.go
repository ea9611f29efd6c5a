package contentcache

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/risefleet/rise/internal/atomicfile"
	"github.com/risefleet/rise/internal/events"
	"github.com/risefleet/rise/internal/protocol"
)

// Progress is one frame of the first-run initialization stream.
type Progress struct {
	CurrentFile string `json:"currentFile"`
	Downloaded  int    `json:"downloaded"`
	Total       int    `json:"total"`
	Error       string `json:"error,omitempty"`
	Complete    bool   `json:"complete,omitempty"`
}

// SyncResult reports what a sync changed.
type SyncResult struct {
	ManifestVersion string
	UpdatedPrograms []ManifestEntry
	UpdatedBundles  []LanguageEntry
	PortsDBUpdated  bool
	// IntegrityFailures counts artifacts discarded for checksum
	// mismatch; the previous good artifacts continue to serve.
	IntegrityFailures int
}

// Changed reports whether the sync updated any artifact.
func (r *SyncResult) Changed() bool {
	return len(r.UpdatedPrograms) > 0 || len(r.UpdatedBundles) > 0 || r.PortsDBUpdated
}

// Engine owns the cache root and talks to the content source.
type Engine struct {
	root    string
	baseURL string
	client  *http.Client
	bus     *events.Bus

	// syncMu serializes syncs; readers are not blocked (atomic rename
	// is the visibility boundary).
	syncMu sync.Mutex
}

// NewEngine creates the cache engine rooted at root (the cache/ dir under
// the state root) fetching from baseURL.
func NewEngine(root, baseURL string, bus *events.Bus) *Engine {
	return &Engine{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		bus:     bus,
		client: &http.Client{
			Timeout: 5 * time.Minute,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        5,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

func (e *Engine) manifestPath() string       { return filepath.Join(e.root, "manifest.json") }
func (e *Engine) scriptPath(n string) string { return filepath.Join(e.root, "scripts", n) }
func (e *Engine) i18nIndexPath() string      { return filepath.Join(e.root, "i18n", "version.json") }
func (e *Engine) bundlePath(l string) string { return filepath.Join(e.root, "i18n", l+".json") }
func (e *Engine) portsDBPath() string        { return filepath.Join(e.root, "ports_db.json") }

// NeedsInitialization reports whether the blocking first-run sync is
// required: any of the programs, the English bundle or the ports
// database is missing.
func (e *Engine) NeedsInitialization(programs []string) bool {
	for _, p := range programs {
		if _, err := os.Stat(e.scriptPath(p)); err != nil {
			return true
		}
	}
	if _, err := os.Stat(e.bundlePath("en")); err != nil {
		return true
	}
	if _, err := os.Stat(e.portsDBPath()); err != nil {
		return true
	}
	return false
}

// Sync runs the full sync algorithm in the background fashion: no
// progress stream, callers keep reading previous artifacts throughout.
func (e *Engine) Sync(ctx context.Context) (*SyncResult, error) {
	return e.sync(ctx, nil)
}

// Initialize runs a blocking first-run sync, streaming progress frames.
// The returned channel closes after the Complete (or Error) frame.
func (e *Engine) Initialize(ctx context.Context) <-chan Progress {
	out := make(chan Progress, 16)
	go func() {
		defer close(out)
		if _, err := e.sync(ctx, out); err != nil {
			out <- Progress{Error: err.Error()}
			return
		}
		out <- Progress{Complete: true}
	}()
	return out
}

func (e *Engine) sync(ctx context.Context, progress chan<- Progress) (*SyncResult, error) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	remote, err := e.fetchManifest(ctx)
	if err != nil {
		return nil, err
	}
	local, err := readManifestFile(e.manifestPath())
	if err != nil {
		// A corrupt local manifest is not fatal; re-sync everything.
		log.Printf("[cache] local manifest unreadable, resyncing: %v", err)
		local = &Manifest{}
	}

	res := &SyncResult{ManifestVersion: remote.Version}

	total := len(remote.Entries) + 2 // + i18n index + ports db at most
	done := 0
	report := func(file string) {
		done++
		if progress != nil {
			progress <- Progress{CurrentFile: file, Downloaded: done, Total: total}
		}
	}

	// Programs: fetch where (name, version, sha256) differs or the file
	// is gone. A failed verification keeps the old entry serving.
	merged := *remote
	merged.Entries = nil
	for _, entry := range remote.Entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		localEntry, ok := local.Entry(entry.Name)
		if ok && localEntry.Version == entry.Version && localEntry.SHA256 == entry.SHA256 {
			if _, err := os.Stat(e.scriptPath(entry.Name)); err == nil {
				merged.Entries = append(merged.Entries, entry)
				report(entry.Name)
				continue
			}
		}

		if err := e.fetchVerified(ctx, e.scriptURL(entry), entry.SHA256, e.scriptPath(entry.Name), entry.Name); err != nil {
			if protocol.IsCode(err, protocol.CodeCacheIntegrity) {
				res.IntegrityFailures++
				if ok {
					merged.Entries = append(merged.Entries, localEntry)
				}
				report(entry.Name)
				continue
			}
			return nil, err
		}
		merged.Entries = append(merged.Entries, entry)
		res.UpdatedPrograms = append(res.UpdatedPrograms, entry)
		report(entry.Name)
	}

	// Localization: index, then bundles at other versions.
	if err := e.syncLocalization(ctx, res); err != nil {
		// Localization failures never block program updates.
		log.Printf("[cache] localization sync: %v", err)
	}
	report("i18n")

	// Ports database, by manifest-level version.
	if remote.PortsDBVersion != "" && remote.PortsDBVersion != local.PortsDBVersion {
		if err := e.fetchToFile(ctx, e.baseURL+"/ports_db.json", e.portsDBPath()); err != nil {
			log.Printf("[cache] ports db fetch: %v", err)
			merged.PortsDBVersion = local.PortsDBVersion
		} else {
			res.PortsDBUpdated = true
		}
	} else if _, err := os.Stat(e.portsDBPath()); err != nil && remote.PortsDBVersion != "" {
		if err := e.fetchToFile(ctx, e.baseURL+"/ports_db.json", e.portsDBPath()); err == nil {
			res.PortsDBUpdated = true
		}
	}
	report("ports_db.json")

	// The manifest lands last so it only ever describes verified files.
	data, err := json.MarshalIndent(&merged, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := atomicfile.WriteFile(e.manifestPath(), data, 0o644); err != nil {
		return nil, err
	}

	if res.Changed() {
		log.Printf("[cache] sync complete: %d programs, %d bundles, portsdb=%v",
			len(res.UpdatedPrograms), len(res.UpdatedBundles), res.PortsDBUpdated)
	}
	return res, nil
}

func (e *Engine) scriptURL(entry ManifestEntry) string {
	if entry.URL != "" {
		return entry.URL
	}
	return e.baseURL + "/scripts/" + entry.Name
}

func (e *Engine) syncLocalization(ctx context.Context, res *SyncResult) error {
	data, err := e.fetch(ctx, e.baseURL+"/i18n/version.json")
	if err != nil {
		return err
	}
	var index LocalizationIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return fmt.Errorf("parse localization index: %w", err)
	}

	for _, lang := range index.Languages {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if local, err := readBundle(e.bundlePath(lang.Lang)); err == nil && local.Version == lang.Version {
			continue
		}
		if err := e.fetchBundle(ctx, lang.Lang); err != nil {
			log.Printf("[cache] bundle %s: %v", lang.Lang, err)
			continue
		}
		res.UpdatedBundles = append(res.UpdatedBundles, lang)
	}

	return atomicfile.WriteFile(e.i18nIndexPath(), data, 0o644)
}

// fetchBundle downloads and validates one localization bundle. A bundle
// without a version field is rejected.
func (e *Engine) fetchBundle(ctx context.Context, lang string) error {
	data, err := e.fetch(ctx, e.baseURL+"/i18n/"+lang+".json")
	if err != nil {
		return err
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("parse bundle %s: %w", lang, err)
	}
	if b.Version == "" {
		return fmt.Errorf("bundle %s carries no version", lang)
	}
	return atomicfile.WriteFile(e.bundlePath(lang), data, 0o644)
}

// fetchVerified downloads url to a temp path, verifies the SHA-256
// digest, and only then renames into place. A digest mismatch is
// tampering: the download is discarded, the integrity event is emitted,
// and the previous artifact keeps serving.
func (e *Engine) fetchVerified(ctx context.Context, url, wantSHA, dest, name string) error {
	data, err := e.fetch(ctx, url)
	if err != nil {
		return err
	}

	sum := sha256.Sum256(data)
	got := hex.EncodeToString(sum[:])
	if !strings.EqualFold(got, wantSHA) {
		e.bus.Publish(events.CacheIntegrityFailure{Name: name, Expected: wantSHA, Actual: got})
		log.Printf("[cache] INTEGRITY: %s hash %s != manifest %s, discarded", name, got, wantSHA)
		return protocol.New(protocol.CodeCacheIntegrity,
			"artifact %s failed checksum verification", name)
	}

	return atomicfile.WriteFile(dest, data, 0o755)
}

func (e *Engine) fetchToFile(ctx context.Context, url, dest string) error {
	data, err := e.fetch(ctx, url)
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(dest, data, 0o644)
}

func (e *Engine) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: HTTP %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (e *Engine) fetchManifest(ctx context.Context) (*Manifest, error) {
	data, err := e.fetch(ctx, e.baseURL+"/manifest.json")
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse remote manifest: %w", err)
	}
	return &m, nil
}

// Manifest returns the last locally persisted manifest.
func (e *Engine) Manifest() (*Manifest, error) {
	return readManifestFile(e.manifestPath())
}

// Program returns the cached bytes and manifest entry for a program.
func (e *Engine) Program(name string) ([]byte, ManifestEntry, error) {
	m, err := readManifestFile(e.manifestPath())
	if err != nil {
		return nil, ManifestEntry{}, err
	}
	entry, ok := m.Entry(name)
	if !ok {
		return nil, ManifestEntry{}, fmt.Errorf("program %s not in cache manifest", name)
	}
	data, err := os.ReadFile(e.scriptPath(name))
	if err != nil {
		return nil, ManifestEntry{}, fmt.Errorf("read cached %s: %w", name, err)
	}
	return data, entry, nil
}

// PortsDB returns the cached ports database bytes.
func (e *Engine) PortsDB() ([]byte, error) {
	return os.ReadFile(e.portsDBPath())
}
