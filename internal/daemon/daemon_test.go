package daemon

import (
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chronotrace/chronotrace/internal/config"
	"github.com/chronotrace/chronotrace/internal/store"
)

func testDaemon(t *testing.T, cfgPath string) *Daemon {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	cfg := config.Default()
	cfg.Tracker.BaseURL = "http://127.0.0.1:1"

	d, err := New(cfgPath, cfg, db, log.New(os.Stderr, "[test] ", log.LstdFlags))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return d
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", nil, nil, nil); err == nil {
		t.Error("New() with nil config should fail")
	}

	cfg := config.Default()
	cfg.Tracker.BaseURL = "http://127.0.0.1:1"
	if _, err := New("", cfg, nil, nil); err == nil {
		t.Error("New() with nil db should fail")
	}

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	noURL := config.Default()
	if _, err := New("", noURL, db, nil); err == nil {
		t.Error("New() without a tracker base URL should fail")
	}
}

func TestTrigger_RefusedWhileRunning(t *testing.T) {
	d := testDaemon(t, "")

	// Simulate a pass in flight
	d.runMu.Lock()
	if d.TriggerFullSync() {
		t.Error("TriggerFullSync() accepted while a pass holds the lock")
	}
	if d.TriggerIncrementalSync() {
		t.Error("TriggerIncrementalSync() accepted while a pass holds the lock")
	}
	if d.TriggerChecks() {
		t.Error("TriggerChecks() accepted while a pass holds the lock")
	}
	d.runMu.Unlock()

	// A compliance pass on an empty store completes quickly
	if !d.TriggerChecks() {
		t.Fatal("TriggerChecks() refused on an idle daemon")
	}

	deadline := time.Now().Add(5 * time.Second)
	for !d.runMu.TryLock() {
		if time.Now().After(deadline) {
			t.Fatal("triggered pass never released the lock")
		}
		time.Sleep(10 * time.Millisecond)
	}
	d.runMu.Unlock()
}

func TestReloadConfig_SwapsThresholdsAndClient(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "chronotrace.yaml")
	writeConfig := func(yaml string) {
		t.Helper()
		if err := os.WriteFile(cfgPath, []byte(yaml), 0644); err != nil {
			t.Fatalf("WriteFile() failed: %v", err)
		}
	}

	writeConfig(`
tracker:
  base_url: http://127.0.0.1:1
rules:
  missing_entry_days: 7
`)
	d := testDaemon(t, cfgPath)
	oldHash := d.currentClient().ConfigHash()

	// Thresholds change, connection settings don't: same client
	writeConfig(`
tracker:
  base_url: http://127.0.0.1:1
rules:
  missing_entry_days: 14
`)
	d.reloadConfig()

	if got := d.thresholds.RuleConfig().MissingEntryDays; got != 14 {
		t.Errorf("MissingEntryDays after reload = %d, want 14", got)
	}
	if d.currentClient().ConfigHash() != oldHash {
		t.Error("client rebuilt even though connection settings were unchanged")
	}

	// A rotated API key rebuilds the client
	writeConfig(`
tracker:
  base_url: http://127.0.0.1:1
  api_key: rotated
rules:
  missing_entry_days: 14
`)
	d.reloadConfig()

	if d.currentClient().ConfigHash() == oldHash {
		t.Error("client not rebuilt after the API key changed")
	}

	// A broken file keeps the previous settings
	writeConfig(`{{{not yaml`)
	d.reloadConfig()
	if got := d.thresholds.RuleConfig().MissingEntryDays; got != 14 {
		t.Errorf("MissingEntryDays after failed reload = %d, want 14", got)
	}
}
