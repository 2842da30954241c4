// Package daemon provides the background service that keeps the local
// mirror and the violation ledger current.
//
// The daemon:
// 1. Runs incremental syncs and compliance passes on a fixed interval
// 2. Runs a full, deletion-reconciling sync on a longer interval
// 3. Watches the config file and applies threshold changes without restart
// 4. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/chronotrace/chronotrace/internal/config"
	"github.com/chronotrace/chronotrace/internal/rules"
	"github.com/chronotrace/chronotrace/internal/store"
	"github.com/chronotrace/chronotrace/internal/syncer"
	"github.com/chronotrace/chronotrace/internal/tracker"
)

// configDebounce is how long to wait after a config file event before
// reloading. Editors fire several events per save.
const configDebounce = 500 * time.Millisecond

// Events receives completion notifications from the daemon's passes. The
// dashboard implements this to push updates to connected clients.
type Events interface {
	OnSyncComplete(summary *syncer.Summary)
	OnChecksComplete(report *rules.Report)
}

// Daemon schedules sync and compliance passes.
type Daemon struct {
	cfgPath string
	cfg     *config.Config
	db      *store.DB
	engine  *rules.Engine

	// thresholds is the live rule configuration; config reloads swap its
	// contents while the engine keeps reading through it
	thresholds *config.Store

	clientMu sync.Mutex
	client   *tracker.Client

	// runMu serializes sync and compliance passes so a rule pass never
	// reads a half-synced mirror
	runMu sync.Mutex

	watcher     *fsnotify.Watcher
	changedAt   time.Time
	changedAtMu sync.Mutex

	events Events

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// New creates a Daemon. cfgPath may be empty, in which case config
// hot-reload is disabled. If logger is nil, a default logger writing to
// stderr is used.
func New(cfgPath string, cfg *config.Config, db *store.DB, logger *log.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	client, err := tracker.New(cfg.Tracker.ClientConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create tracker client: %w", err)
	}

	thresholds := config.NewStore(cfg.Rules)

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		cfgPath:    cfgPath,
		cfg:        cfg,
		db:         db,
		engine:     rules.New(db, thresholds, logger),
		thresholds: thresholds,
		client:     client,
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
	}, nil
}

// SetEvents registers the completion listener. Must be called before Start.
func (d *Daemon) SetEvents(events Events) {
	d.events = events
}

// Engine returns the daemon's rule engine, for read-only consumers like
// the dashboard's score endpoint.
func (d *Daemon) Engine() *rules.Engine {
	return d.engine
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Perform an initial sync (full if the store has never synced)
// 2. Run an incremental sync plus compliance pass every SyncInterval
// 3. Run a full sync every FullSyncInterval
// 4. Reload thresholds and the tracker client when the config file changes
//
// This blocks until ctx is cancelled or startup fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Println("Starting daemon")

	if err := d.initialSync(); err != nil {
		return fmt.Errorf("initial sync failed: %w", err)
	}

	if d.cfgPath != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create config watcher: %w", err)
		}
		d.watcher = watcher

		// Watch the directory, not the file: editors replace files on
		// save and a watch on the old inode would go quiet.
		if err := watcher.Add(filepath.Dir(d.cfgPath)); err != nil {
			return fmt.Errorf("failed to watch config directory: %w", err)
		}
		d.logger.Printf("Watching config: %s", d.cfgPath)

		d.wg.Add(2)
		go d.watchConfigEvents()
		go d.processConfigChanges()
	}

	d.wg.Add(2)
	go d.syncLoop()
	go d.fullSyncLoop()

	select {
	case <-ctx.Done():
		d.logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.logger.Println("Stopping daemon")

	d.cancel()

	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			d.logger.Printf("Error closing config watcher: %v", err)
		}
	}

	d.wg.Wait()

	d.logger.Println("Daemon stopped")
	return nil
}

// initialSync brings the mirror up before the schedule starts: a full
// pass on a fresh store, incremental otherwise, then a compliance pass.
func (d *Daemon) initialSync() error {
	cursors, err := d.db.GetLastSyncTimes(d.ctx)
	if err != nil {
		return err
	}

	d.runMu.Lock()
	defer d.runMu.Unlock()

	if len(cursors) == 0 {
		d.logger.Println("No sync history, performing initial full sync")
		d.fullPass()
	} else {
		d.incrementalPass()
	}
	d.checksPass()
	return nil
}

// syncLoop runs the incremental sync + compliance pass schedule.
func (d *Daemon) syncLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Daemon.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.runMu.Lock()
			d.incrementalPass()
			d.checksPass()
			d.runMu.Unlock()
		}
	}
}

// fullSyncLoop runs the periodic deletion-reconciling full sync.
func (d *Daemon) fullSyncLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Daemon.FullSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.runMu.Lock()
			d.fullPass()
			d.checksPass()
			d.runMu.Unlock()
		}
	}
}

// TriggerFullSync starts a full sync in the background. Returns false if
// a pass is already running.
func (d *Daemon) TriggerFullSync() bool {
	return d.trigger(func() {
		d.fullPass()
		d.checksPass()
	})
}

// TriggerIncrementalSync starts an incremental sync in the background.
// Returns false if a pass is already running.
func (d *Daemon) TriggerIncrementalSync() bool {
	return d.trigger(func() {
		d.incrementalPass()
		d.checksPass()
	})
}

// TriggerChecks starts a compliance pass in the background. Returns false
// if a pass is already running.
func (d *Daemon) TriggerChecks() bool {
	return d.trigger(d.checksPass)
}

func (d *Daemon) trigger(fn func()) bool {
	if !d.runMu.TryLock() {
		return false
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.runMu.Unlock()
		fn()
	}()
	return true
}

// fullPass runs one full sync. Caller holds runMu.
func (d *Daemon) fullPass() {
	s := syncer.New(d.currentClient(), d.db, d.cfg.Sync, d.logger)
	summary, err := s.RunFullSync(d.ctx)
	if err != nil {
		d.logger.Printf("Full sync failed: %v", err)
		return
	}
	if d.events != nil {
		d.events.OnSyncComplete(summary)
	}
}

// incrementalPass runs one incremental sync. Caller holds runMu.
func (d *Daemon) incrementalPass() {
	s := syncer.New(d.currentClient(), d.db, d.cfg.Sync, d.logger)
	summary, err := s.RunIncrementalSync(d.ctx)
	if err != nil {
		d.logger.Printf("Incremental sync failed: %v", err)
		return
	}
	if d.events != nil {
		d.events.OnSyncComplete(summary)
	}
}

// checksPass runs one compliance pass. Caller holds runMu.
func (d *Daemon) checksPass() {
	report, err := d.engine.RunChecks(d.ctx, time.Now().UTC())
	if err != nil {
		d.logger.Printf("Compliance pass failed: %v", err)
		return
	}
	if d.events != nil {
		d.events.OnChecksComplete(report)
	}
}

// currentClient returns the tracker client, which a config reload may
// have swapped.
func (d *Daemon) currentClient() *tracker.Client {
	d.clientMu.Lock()
	defer d.clientMu.Unlock()
	return d.client
}

// watchConfigEvents monitors filesystem events on the config directory
// and records write activity on the config file itself.
func (d *Daemon) watchConfigEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != filepath.Clean(d.cfgPath) {
				continue
			}

			d.changedAtMu.Lock()
			d.changedAt = time.Now()
			d.changedAtMu.Unlock()

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Printf("Config watcher error: %v", err)
		}
	}
}

// processConfigChanges reloads the config once write activity has been
// quiet for the debounce interval.
func (d *Daemon) processConfigChanges() {
	defer d.wg.Done()

	ticker := time.NewTicker(configDebounce)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.changedAtMu.Lock()
			pending := !d.changedAt.IsZero() && time.Since(d.changedAt) >= configDebounce
			if pending {
				d.changedAt = time.Time{}
			}
			d.changedAtMu.Unlock()

			if pending {
				d.reloadConfig()
			}
		}
	}
}

// reloadConfig re-reads the config file, swaps the rule thresholds, and
// rebuilds the tracker client when its connection settings changed.
// Interval changes still require a restart.
func (d *Daemon) reloadConfig() {
	cfg, err := config.Load(d.cfgPath)
	if err != nil {
		d.logger.Printf("Config reload failed, keeping previous settings: %v", err)
		return
	}

	d.thresholds.Update(cfg.Rules)
	d.cfg.Sync = cfg.Sync
	d.logger.Println("Config reloaded: rule thresholds updated")

	clientCfg := cfg.Tracker.ClientConfig()
	d.clientMu.Lock()
	defer d.clientMu.Unlock()
	if clientCfg.Hash() != d.client.ConfigHash() {
		client, err := tracker.New(clientCfg)
		if err != nil {
			d.logger.Printf("Config reload: invalid tracker settings, keeping previous client: %v", err)
			return
		}
		d.client = client
		d.logger.Println("Config reloaded: tracker client rebuilt")
	}
}
