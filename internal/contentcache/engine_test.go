package contentcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/risefleet/rise/internal/events"
	"github.com/risefleet/rise/internal/protocol"
)

// contentServer is a scriptable stand-in for the content source.
type contentServer struct {
	mu       sync.Mutex
	manifest Manifest
	scripts  map[string][]byte // name -> bytes actually served
	index    LocalizationIndex
	bundles  map[string][]byte
	portsDB  []byte
	hits     map[string]int

	srv *httptest.Server
}

func newContentServer(t *testing.T) *contentServer {
	t.Helper()
	cs := &contentServer{
		scripts: make(map[string][]byte),
		bundles: make(map[string][]byte),
		hits:    make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		cs.hits[r.URL.Path]++

		switch {
		case r.URL.Path == "/manifest.json":
			json.NewEncoder(w).Encode(cs.manifest)
		case r.URL.Path == "/i18n/version.json":
			json.NewEncoder(w).Encode(cs.index)
		case r.URL.Path == "/ports_db.json":
			w.Write(cs.portsDB)
		case len(r.URL.Path) > len("/scripts/") && r.URL.Path[:9] == "/scripts/":
			name := r.URL.Path[9:]
			data, ok := cs.scripts[name]
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Write(data)
		case len(r.URL.Path) > len("/i18n/") && r.URL.Path[:6] == "/i18n/":
			lang := r.URL.Path[6 : len(r.URL.Path)-len(".json")]
			data, ok := cs.bundles[lang]
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Write(data)
		default:
			http.NotFound(w, r)
		}
	})
	cs.srv = httptest.NewServer(mux)
	t.Cleanup(cs.srv.Close)
	return cs
}

func (cs *contentServer) addScript(name, version string, body []byte) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	sum := sha256.Sum256(body)
	cs.scripts[name] = body
	for i, e := range cs.manifest.Entries {
		if e.Name == name {
			cs.manifest.Entries[i] = ManifestEntry{Name: name, Version: version, SHA256: hex.EncodeToString(sum[:])}
			return
		}
	}
	cs.manifest.Entries = append(cs.manifest.Entries,
		ManifestEntry{Name: name, Version: version, SHA256: hex.EncodeToString(sum[:])})
}

func (cs *contentServer) addBundle(lang, version string, strings map[string]string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	data, _ := json.Marshal(Bundle{Lang: lang, Version: version, Strings: strings})
	cs.bundles[lang] = data
	for i, l := range cs.index.Languages {
		if l.Lang == lang {
			cs.index.Languages[i].Version = version
			return
		}
	}
	cs.index.Languages = append(cs.index.Languages, LanguageEntry{Lang: lang, Version: version})
}

func (cs *contentServer) scriptHits(name string) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.hits["/scripts/"+name]
}

func testEngine(t *testing.T, cs *contentServer) (*Engine, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	return NewEngine(t.TempDir(), cs.srv.URL, bus), bus
}

func TestSyncPopulatesCache(t *testing.T) {
	cs := newContentServer(t)
	cs.manifest.Version = "7"
	cs.manifest.PortsDBVersion = "1"
	cs.portsDB = []byte(`{"22":"ssh"}`)
	cs.addScript("firewall", "1.0.0", []byte("#!/bin/sh\necho fw"))
	cs.addScript("health", "1.0.0", []byte("#!/bin/sh\necho ok"))
	cs.addBundle("en", "1.0", map[string]string{"hello": "Hello"})

	eng, _ := testEngine(t, cs)
	res, err := eng.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(res.UpdatedPrograms) != 2 || !res.PortsDBUpdated || len(res.UpdatedBundles) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	data, entry, err := eng.Program("firewall")
	if err != nil {
		t.Fatalf("Program: %v", err)
	}
	if entry.Version != "1.0.0" || string(data) != "#!/bin/sh\necho fw" {
		t.Fatalf("cached program wrong: %s %q", entry.Version, data)
	}
	if _, err := eng.PortsDB(); err != nil {
		t.Fatalf("PortsDB: %v", err)
	}
}

func TestUpToDateSyncDownloadsNothing(t *testing.T) {
	cs := newContentServer(t)
	cs.manifest.Version = "7"
	cs.addScript("firewall", "1.0.0", []byte("fw-bytes"))

	eng, _ := testEngine(t, cs)
	if _, err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	first := cs.scriptHits("firewall")

	res, err := eng.Sync(context.Background())
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if res.Changed() {
		t.Fatalf("nothing should change: %+v", res)
	}
	if cs.scriptHits("firewall") != first {
		t.Fatal("up-to-date sync must download zero program bytes")
	}
}

func TestTamperedArtifactNeverVisible(t *testing.T) {
	cs := newContentServer(t)
	cs.manifest.Version = "7"
	cs.addScript("firewall", "1.0.0", []byte("good-v1"))

	eng, bus := testEngine(t, cs)
	if _, err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	evs, cancel := bus.Subscribe()
	defer cancel()

	// Advance the manifest but serve bytes that do not match its hash.
	cs.addScript("firewall", "2.0.0", []byte("good-v2"))
	cs.mu.Lock()
	cs.scripts["firewall"] = []byte("evil-bytes")
	cs.mu.Unlock()

	res, err := eng.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync with tampered content: %v", err)
	}
	if res.IntegrityFailures != 1 || len(res.UpdatedPrograms) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	// Previous good artifact still serves, at its old version.
	data, entry, err := eng.Program("firewall")
	if err != nil {
		t.Fatalf("Program: %v", err)
	}
	if string(data) != "good-v1" || entry.Version != "1.0.0" {
		t.Fatalf("tampered bytes became visible: %q v%s", data, entry.Version)
	}

	select {
	case ev := <-evs:
		fail, ok := ev.(events.CacheIntegrityFailure)
		if !ok || fail.Name != "firewall" {
			t.Fatalf("expected CacheIntegrityFailure, got %#v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no integrity event")
	}
}

func TestCachedEntryMatchesManifestHash(t *testing.T) {
	cs := newContentServer(t)
	cs.manifest.Version = "1"
	cs.addScript("docker", "3.2.1", []byte("docker-script"))

	eng, _ := testEngine(t, cs)
	if _, err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	data, entry, err := eng.Program("docker")
	if err != nil {
		t.Fatalf("Program: %v", err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != entry.SHA256 {
		t.Fatal("visible cache entry must satisfy sha256(bytes) == entry.sha256")
	}
}

func TestPortsDBFetchedOnlyOnVersionChange(t *testing.T) {
	cs := newContentServer(t)
	cs.manifest.Version = "1"
	cs.manifest.PortsDBVersion = "1"
	cs.portsDB = []byte(`{}`)

	eng, _ := testEngine(t, cs)
	if _, err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	cs.mu.Lock()
	hits := cs.hits["/ports_db.json"]
	cs.mu.Unlock()
	if hits != 1 {
		t.Fatalf("ports db hits = %d, want 1", hits)
	}

	if _, err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	cs.mu.Lock()
	hits = cs.hits["/ports_db.json"]
	cs.mu.Unlock()
	if hits != 1 {
		t.Fatal("unchanged ports db must not be refetched")
	}

	cs.mu.Lock()
	cs.manifest.PortsDBVersion = "2"
	cs.portsDB = []byte(`{"443":"https"}`)
	cs.mu.Unlock()
	res, err := eng.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !res.PortsDBUpdated {
		t.Fatal("version change must refetch the ports db")
	}
}

func TestBundleWithoutVersionRejected(t *testing.T) {
	cs := newContentServer(t)
	cs.manifest.Version = "1"
	cs.mu.Lock()
	cs.bundles["de"] = []byte(`{"lang":"de","keyValues":{"k":"v"}}`) // no version
	cs.index.Languages = append(cs.index.Languages, LanguageEntry{Lang: "de", Version: "9"})
	cs.mu.Unlock()

	eng, _ := testEngine(t, cs)
	if _, err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if _, err := os.Stat(eng.bundlePath("de")); err == nil {
		t.Fatal("versionless bundle must not be installed")
	}
}

func TestLanguageFallback(t *testing.T) {
	cs := newContentServer(t)
	cs.manifest.Version = "1"
	cs.addBundle("en", "1.0", map[string]string{"greet": "Hello"})
	cs.addBundle("fr", "1.0", map[string]string{"greet": "Bonjour"})

	eng, _ := testEngine(t, cs)
	if _, err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	fr, err := eng.Bundle(context.Background(), "fr")
	if err != nil || fr.Strings["greet"] != "Bonjour" {
		t.Fatalf("fr bundle: %v %+v", err, fr)
	}

	// Uncached locale falls back to English.
	es, err := eng.Bundle(context.Background(), "es")
	if err != nil || es.Strings["greet"] != "Hello" {
		t.Fatalf("fallback: %v %+v", err, es)
	}
}

func TestBundleOnDemandEnglishFetch(t *testing.T) {
	cs := newContentServer(t)
	cs.addBundle("en", "1.0", map[string]string{"greet": "Hello"})

	// No sync has run: nothing cached. Bundle must fetch en on demand.
	eng, _ := testEngine(t, cs)
	b, err := eng.Bundle(context.Background(), "es")
	if err != nil || b.Strings["greet"] != "Hello" {
		t.Fatalf("on-demand en: %v %+v", err, b)
	}
}

func TestBundleNoLocalization(t *testing.T) {
	cs := newContentServer(t) // serves no bundles at all
	eng, _ := testEngine(t, cs)

	_, err := eng.Bundle(context.Background(), "es")
	if !protocol.IsCode(err, protocol.CodeNoLocalization) {
		t.Fatalf("expected NoLocalization, got %v", err)
	}
}

func TestNeedsInitialization(t *testing.T) {
	cs := newContentServer(t)
	cs.manifest.Version = "1"
	cs.manifest.PortsDBVersion = "1"
	cs.portsDB = []byte(`{}`)
	cs.addScript("firewall", "1.0.0", []byte("fw"))
	cs.addBundle("en", "1.0", map[string]string{})

	eng, _ := testEngine(t, cs)
	if !eng.NeedsInitialization([]string{"firewall"}) {
		t.Fatal("fresh cache must need initialization")
	}
	if _, err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if eng.NeedsInitialization([]string{"firewall"}) {
		t.Fatal("populated cache must not need initialization")
	}
	if eng.NeedsInitialization([]string{"firewall", "docker"}) == false {
		t.Fatal("missing program must trigger initialization")
	}
}

func TestInitializeStreamsProgress(t *testing.T) {
	cs := newContentServer(t)
	cs.manifest.Version = "1"
	cs.addScript("firewall", "1.0.0", []byte("fw"))
	cs.addScript("health", "1.0.0", []byte("h"))

	eng, _ := testEngine(t, cs)
	var frames []Progress
	for p := range eng.Initialize(context.Background()) {
		frames = append(frames, p)
	}
	if len(frames) < 2 {
		t.Fatalf("expected progress frames, got %d", len(frames))
	}
	last := frames[len(frames)-1]
	if !last.Complete || last.Error != "" {
		t.Fatalf("final frame must be Complete: %+v", last)
	}
	for _, f := range frames[:len(frames)-1] {
		if f.Total == 0 || f.Downloaded > f.Total {
			t.Fatalf("bad frame: %+v", f)
		}
	}
}

func TestInitializeReportsFailure(t *testing.T) {
	bus := events.NewBus()
	eng := NewEngine(t.TempDir(), "http://127.0.0.1:1", bus) // nothing listens

	var last Progress
	for p := range eng.Initialize(context.Background()) {
		last = p
	}
	if last.Error == "" || last.Complete {
		t.Fatalf("expected error frame, got %+v", last)
	}
}

func TestSyncContextCancellation(t *testing.T) {
	cs := newContentServer(t)
	cs.manifest.Version = "1"
	cs.addScript("firewall", "1.0.0", []byte("fw"))

	eng, _ := testEngine(t, cs)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := eng.Sync(ctx); err == nil {
		t.Fatal("cancelled sync must fail")
	}
}
