package config

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// TimeWindow configures the rolling from/to window appended to target URLs.
type TimeWindow struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Start    string `yaml:"start" json:"start"`
	Duration string `yaml:"duration" json:"duration"`
}

// Kiosk holds the settings the render watchdog consults on every tick.
type Kiosk struct {
	TimeWindow          TimeWindow `yaml:"timeWindow" json:"timeWindow"`
	NavigateBackEnabled bool       `yaml:"navigateBackEnabled" json:"navigateBackEnabled"`
	TabTimeoutSec       int        `yaml:"tabTimeoutSec" json:"tabTimeoutSec"`
}

// DefaultKiosk returns the settings used when no file exists.
func DefaultKiosk() Kiosk {
	return Kiosk{
		TimeWindow: TimeWindow{
			Enabled:  false,
			Start:    "12:00",
			Duration: "1d",
		},
	}
}

// LoadKiosk reads the settings file at path. A missing file yields defaults.
func LoadKiosk(path string) (Kiosk, error) {
	k := DefaultKiosk()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return k, nil
	}
	if err != nil {
		return k, err
	}

	if err := yaml.Unmarshal(data, &k); err != nil {
		return DefaultKiosk(), err
	}
	if k.TimeWindow.Start == "" {
		k.TimeWindow.Start = "12:00"
	}
	if k.TimeWindow.Duration == "" {
		k.TimeWindow.Duration = "1d"
	}
	return k, nil
}

// KioskProvider returns the current kiosk settings.
type KioskProvider interface {
	Kiosk() Kiosk
}

// StaticKiosk is a fixed KioskProvider.
type StaticKiosk Kiosk

// Kiosk returns the fixed settings.
func (s StaticKiosk) Kiosk() Kiosk {
	return Kiosk(s)
}

// KioskWatcher keeps the kiosk settings in sync with the file on disk.
type KioskWatcher struct {
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	current Kiosk

	done chan struct{}
	wg   sync.WaitGroup
}

// WatchKiosk loads the settings file and reloads it whenever it changes.
// The parent directory is watched so the file may be created or replaced
// after startup.
func WatchKiosk(path string, logger *zap.Logger) (*KioskWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	k, err := LoadKiosk(path)
	if err != nil {
		logger.Warn("kiosk settings unreadable, using defaults", zap.String("path", path), zap.Error(err))
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}

	w := &KioskWatcher{
		path:    filepath.Clean(path),
		logger:  logger,
		watcher: fw,
		current: k,
		done:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Kiosk returns the latest successfully loaded settings.
func (w *KioskWatcher) Kiosk() Kiosk {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops watching.
func (w *KioskWatcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
	}
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *KioskWatcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("kiosk settings watcher error", zap.Error(err))
		}
	}
}

func (w *KioskWatcher) reload() {
	k, err := LoadKiosk(w.path)
	if err != nil {
		// The last good settings stay in effect.
		w.logger.Warn("kiosk settings reload failed", zap.String("path", w.path), zap.Error(err))
		return
	}

	w.mu.Lock()
	w.current = k
	w.mu.Unlock()

	w.logger.Info("kiosk settings reloaded",
		zap.Bool("time_window", k.TimeWindow.Enabled),
		zap.String("start", k.TimeWindow.Start),
		zap.String("duration", k.TimeWindow.Duration),
		zap.Bool("navigate_back", k.NavigateBackEnabled),
		zap.Int("tab_timeout_sec", k.TabTimeoutSec),
	)
}
