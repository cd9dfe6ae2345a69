package am

import (
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/nodereg/errors"
	"github.com/teranos/nodereg/logger"
)

// DefaultDebounce coalesces the burst of events editors emit for one save
const DefaultDebounce = 500 * time.Millisecond

// ReloadCallback is called with the freshly loaded config
type ReloadCallback func(*Config) error

// Tunables are the settings a running registry applies without a restart.
// A reload that leaves them unchanged does not reach the callbacks.
type Tunables struct {
	CacheCapacity int
	RatePerSecond float64
	Burst         int
}

// TunablesOf extracts the hot-reloadable settings from cfg
func TunablesOf(cfg *Config) Tunables {
	return Tunables{
		CacheCapacity: cfg.Cache.Capacity,
		RatePerSecond: cfg.Pipeline.RatePerSecond,
		Burst:         cfg.Pipeline.Burst,
	}
}

// ConfigWatcher watches one config file and hands changed tunables to its callbacks.
//
// The parent directory is watched rather than the file, so saves that replace
// the file through a rename are still seen.
type ConfigWatcher struct {
	path    string
	fs      *fsnotify.Watcher
	logger  *zap.SugaredLogger
	ownSave atomic.Bool // set by persist before writing; the next event is ours
	done    chan struct{}
	stopped sync.WaitGroup

	mu        sync.Mutex
	callbacks []ReloadCallback
	debounce  time.Duration
	timer     *time.Timer
	last      *Tunables // nil until a load succeeds
}

var (
	globalWatcher   *ConfigWatcher
	globalWatcherMu sync.Mutex
)

// NewConfigWatcher creates a watcher for path. Reloads read that file through
// LoadFromFile, so environment overrides do not apply to hot reloads.
func NewConfigWatcher(path string) (*ConfigWatcher, error) {
	path = filepath.Clean(path)
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, "failed to watch directory of %s", path)
	}

	cw := &ConfigWatcher{
		path:     path,
		fs:       fsw,
		logger:   logger.ComponentLogger("am").With(logger.FieldPath, path),
		done:     make(chan struct{}),
		debounce: DefaultDebounce,
	}
	if cfg, err := LoadFromFile(path); err == nil {
		t := TunablesOf(cfg)
		cw.last = &t
	}
	return cw, nil
}

// SetDebounce overrides the debounce period
func (cw *ConfigWatcher) SetDebounce(d time.Duration) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.debounce = d
}

// OnReload registers a callback. Callbacks run in registration order on the
// debounce timer's goroutine.
func (cw *ConfigWatcher) OnReload(callback ReloadCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// MarkOwnWrite makes the watcher skip the next change, which is our own save
func (cw *ConfigWatcher) MarkOwnWrite() {
	cw.ownSave.Store(true)
}

// Start begins watching. Stop ends it.
func (cw *ConfigWatcher) Start() {
	cw.stopped.Add(1)
	go func() {
		defer cw.stopped.Done()
		cw.watchLoop()
	}()
}

func (cw *ConfigWatcher) watchLoop() {
	for {
		select {
		case <-cw.done:
			return

		case event, ok := <-cw.fs.Events:
			if !ok {
				return
			}
			if !cw.relevant(event) {
				continue
			}
			if cw.ownSave.Swap(false) {
				cw.logger.Debugw("Ignoring own config write")
				continue
			}
			cw.logger.Debugw("Config file changed", logger.FieldOperation, event.Op.String())
			cw.scheduleReload()

		case err, ok := <-cw.fs.Errors:
			if !ok {
				return
			}
			cw.logger.Warnw("Config watcher error", logger.FieldError, err)
		}
	}
}

// relevant reports whether event touched the watched file with new content
func (cw *ConfigWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != cw.path || isBackupFile(event.Name) {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

func (cw *ConfigWatcher) scheduleReload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.timer = time.AfterFunc(cw.debounce, func() {
		if err := cw.reload(); err != nil {
			cw.logger.Errorw("Config reload failed", logger.FieldError, err)
		}
	})
}

// reload loads the file and, when the tunables changed, calls every callback
// even after one fails.
func (cw *ConfigWatcher) reload() error {
	cfg, err := LoadFromFile(cw.path)
	if err != nil {
		return err
	}
	next := TunablesOf(cfg)

	cw.mu.Lock()
	if cw.last != nil && *cw.last == next {
		cw.mu.Unlock()
		cw.logger.Debugw("Config reloaded, no tunable changed")
		return nil
	}
	cw.last = &next
	callbacks := append([]ReloadCallback(nil), cw.callbacks...)
	cw.mu.Unlock()

	cw.logger.Infow("Config reloaded",
		logger.FieldCapacity, next.CacheCapacity,
		"rate_per_second", next.RatePerSecond,
		"burst", next.Burst)

	for _, callback := range callbacks {
		if err := callback(cfg); err != nil {
			cw.logger.Warnw("Config reload callback failed", logger.FieldError, err)
		}
	}
	return nil
}

// Stop ends the watch loop and cancels a pending reload
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.mu.Unlock()

	select {
	case <-cw.done:
		return nil
	default:
		close(cw.done)
	}
	err := cw.fs.Close()
	cw.stopped.Wait()
	return err
}

// isBackupFile reports whether path is one of the rotating .backN files
func isBackupFile(path string) bool {
	base := filepath.Base(path)
	for _, suffix := range []string{".back1", ".back2", ".back3"} {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}
	return false
}

// SetGlobalWatcher registers the watcher that SetValue marks before writing
func SetGlobalWatcher(watcher *ConfigWatcher) {
	globalWatcherMu.Lock()
	defer globalWatcherMu.Unlock()
	globalWatcher = watcher
}

// GetGlobalWatcher returns the watcher registered with SetGlobalWatcher
func GetGlobalWatcher() *ConfigWatcher {
	globalWatcherMu.Lock()
	defer globalWatcherMu.Unlock()
	return globalWatcher
}
