// Package config loads the gateway's TOML configuration file and watches
// it for changes to the fields safe to hot-swap at runtime, the way the
// teacher's own services load small TOML configs with BurntSushi/toml.
package config

import (
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Config is the gateway's full configuration surface (SPEC_FULL §4.11).
type Config struct {
	ListenAddr         string `toml:"listen_addr"`
	RunnerSharedSecret string `toml:"runner_shared_secret"`

	StaleHeartbeatMillis int64 `toml:"stale_heartbeat_ms"`
	MinBatchSize         int   `toml:"min_batch_size"`
	BatchTimeoutMillis   int64 `toml:"batch_timeout_ms"`

	WakeBroadcastAddr string `toml:"wake_broadcast_addr"`
	WakeBouncerAddr   string `toml:"wake_bouncer_addr"`

	BigModels           []string            `toml:"big_models"`
	FastModels          []string            `toml:"fast_models"`
	TierMachineAffinity map[string][]string `toml:"tier_machine_affinity"`

	DBDSN string `toml:"db_dsn"`
}

// StaleHeartbeat returns the configured stale-heartbeat timeout as a
// time.Duration.
func (c Config) StaleHeartbeat() time.Duration {
	return time.Duration(c.StaleHeartbeatMillis) * time.Millisecond
}

// BatchTimeout returns the configured batch timeout as a time.Duration.
func (c Config) BatchTimeout() time.Duration {
	return time.Duration(c.BatchTimeoutMillis) * time.Millisecond
}

// Default returns sane defaults matching the original's BatchQueueConfig
// default (50ms timeout, min_batch_size 1) plus a 30s stale heartbeat.
func Default() Config {
	return Config{
		ListenAddr:           ":8070",
		StaleHeartbeatMillis: 30_000,
		MinBatchSize:         1,
		BatchTimeoutMillis:   50,
		WakeBroadcastAddr:    "255.255.255.255",
	}
}

// Load reads and parses the TOML file at path on top of Default(): a field
// the file does not set keeps its default, and a field the file sets
// (including to zero) takes the file's value.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// hotSwappable is the subset of Config the watcher is allowed to replace
// live, without restarting any control-channel connection (spec: "the
// fields the dispatcher and classifier can safely swap at runtime").
type hotSwappable struct {
	BigModels          []string
	FastModels         []string
	MinBatchSize       int
	BatchTimeoutMillis int64
}

// Watcher holds the live Config and applies fsnotify-driven hot-reloads of
// BigModels/FastModels/MinBatchSize/BatchTimeout only.
type Watcher struct {
	mu   sync.RWMutex
	cfg  Config
	path string
	log  logrus.FieldLogger
}

// NewWatcher returns a Watcher seeded with the already-loaded cfg.
func NewWatcher(path string, cfg Config, log logrus.FieldLogger) *Watcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Watcher{cfg: cfg, path: path, log: log}
}

// Current returns a snapshot of the live configuration.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// Watch blocks, applying hot-reloads as the file changes, until stop is
// closed.
func (w *Watcher) Watch(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.path); err != nil {
		return err
	}

	for {
		select {
		case <-stop:
			return nil
		case err := <-watcher.Errors:
			w.log.WithError(err).Warn("config watcher error")
		case ev := <-watcher.Events:
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	reloaded, err := Load(w.path)
	if err != nil {
		w.log.WithError(err).Warn("config reload failed, keeping previous values")
		return
	}

	w.mu.Lock()
	w.cfg.BigModels = reloaded.BigModels
	w.cfg.FastModels = reloaded.FastModels
	w.cfg.MinBatchSize = reloaded.MinBatchSize
	w.cfg.BatchTimeoutMillis = reloaded.BatchTimeoutMillis
	w.mu.Unlock()

	w.log.Info("reloaded hot-swappable config fields")
}
