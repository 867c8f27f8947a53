package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/shtcut/edge/pkg/domain"
)

const defaultDebounce = 100 * time.Millisecond

// ProviderOption customises a FileConfigProvider.
type ProviderOption func(*FileConfigProvider)

// WithLogger sets the provider logger.
func WithLogger(logger *slog.Logger) ProviderOption {
	return func(p *FileConfigProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithDebounce overrides how long the provider waits for writes to settle.
func WithDebounce(d time.Duration) ProviderOption {
	return func(p *FileConfigProvider) {
		if d > 0 {
			p.debounce = d
		}
	}
}

// WithReloadHook registers a callback invoked after every reload attempt.
func WithReloadHook(fn func(error)) ProviderOption {
	return func(p *FileConfigProvider) {
		p.onReload = fn
	}
}

// FileConfigProvider implements domain.ConfigService using a local file.
type FileConfigProvider struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration
	onReload func(error)

	loadMu      sync.Mutex
	mu          sync.RWMutex
	config      *Config
	snapshot    domain.Snapshot
	generation  int64
	subscribers []chan domain.Snapshot
	closed      bool

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewFileConfigProvider loads the file and starts watching it. The initial
// load must succeed; later reload failures keep the last good snapshot.
func NewFileConfigProvider(path string, opts ...ProviderOption) (*FileConfigProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	p := &FileConfigProvider{
		path:     absPath,
		logger:   slog.Default(),
		debounce: defaultDebounce,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := p.load(); err != nil {
		return nil, fmt.Errorf("initial config load: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory so editors that replace the file are noticed.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.watcher = watcher
	p.cancel = cancel

	go p.watchLoop(ctx)

	return p, nil
}

// CurrentSnapshot returns the current configuration.
func (p *FileConfigProvider) CurrentSnapshot() domain.Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

// Config returns the configuration behind the current snapshot.
func (p *FileConfigProvider) Config() *Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config
}

// Subscribe returns a channel that receives configuration updates. The
// current snapshot is delivered immediately; a slow consumer only ever sees
// the latest snapshot. The channel is closed by Close.
func (p *FileConfigProvider) Subscribe() <-chan domain.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan domain.Snapshot, 1)
	if p.closed {
		close(ch)
		return ch
	}
	p.subscribers = append(p.subscribers, ch)
	ch <- p.snapshot
	return ch
}

// Close stops the watcher, waits for the watch loop and closes subscriber channels.
func (p *FileConfigProvider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	err := p.watcher.Close()
	<-p.done

	// Wait for an in-flight reload before closing channels.
	p.loadMu.Lock()
	p.mu.Lock()
	for _, ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = nil
	p.mu.Unlock()
	p.loadMu.Unlock()

	return err
}

func (p *FileConfigProvider) watchLoop(ctx context.Context) {
	defer close(p.done)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != p.path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(p.debounce, func() {
					if ctx.Err() != nil {
						return
					}
					p.reload()
				})
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (p *FileConfigProvider) reload() {
	err := p.load()
	if err != nil {
		p.logger.Error("config reload failed, keeping previous snapshot", "path", p.path, "error", err)
	} else {
		p.logger.Info("configuration reloaded", "path", p.path, "generation", p.CurrentSnapshot().Generation)
	}
	if p.onReload != nil {
		p.onReload(err)
	}
}

func (p *FileConfigProvider) load() error {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()

	cfg, err := Load(p.path)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.generation++
	snapshot := cfg.Snapshot(p.generation)
	p.config = cfg
	p.snapshot = snapshot
	subscribers := make([]chan domain.Snapshot, len(p.subscribers))
	copy(subscribers, p.subscribers)
	p.mu.Unlock()

	for _, ch := range subscribers {
		// Replace an undelivered snapshot with the newer one.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}

	return nil
}
