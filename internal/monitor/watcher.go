// Package monitor watches a directory for new files and classifies each one.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0xA1M/dashpro/internal/common"
	"github.com/0xA1M/dashpro/internal/scanner"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	DefaultQueueSize      = 100
	DefaultSettleInterval = 500 * time.Millisecond
)

// ErrAlreadyRunning is returned by Run on a watcher that is already running.
var ErrAlreadyRunning = errors.New("watcher is already running")

// ClassifiedEvent is one file creation together with its scan outcome
type ClassifiedEvent struct {
	Path       string          `json:"path"`
	DetectedAt time.Time       `json:"detected_at"`
	Outcome    scanner.Outcome `json:"outcome"`
	Detail     string          `json:"detail,omitempty"`
	Duration   time.Duration   `json:"duration"`
}

// Handler decides what happens to a classified file
type Handler func(ctx context.Context, event ClassifiedEvent)

// Config holds configuration for the watcher
type Config struct {
	Directory      string
	ScanTimeout    time.Duration
	SettleInterval time.Duration
	QueueSize      int
}

// Watcher turns file creations in one directory into classified events. Only
// the directory itself is watched, not its subdirectories. Files are scanned
// one at a time in arrival order.
type Watcher struct {
	cfg      Config
	delegate scanner.Delegate
	handler  Handler
	log      *zap.Logger

	queue   chan queuedFile
	running atomic.Bool
	ready   chan struct{}
	once    sync.Once

	processed atomic.Int64
	dropped   atomic.Int64
}

type queuedFile struct {
	path       string
	detectedAt time.Time
}

// NewWatcher creates a watcher; a nil handler only logs outcomes.
func NewWatcher(cfg Config, delegate scanner.Delegate, handler Handler, log *zap.Logger) (*Watcher, error) {
	if cfg.Directory == "" {
		return nil, errors.New("watch directory is required")
	}
	info, err := os.Stat(cfg.Directory)
	if err != nil {
		return nil, fmt.Errorf("watch directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch directory %s is not a directory", cfg.Directory)
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = scanner.DefaultTimeout
	}
	if cfg.SettleInterval < 0 {
		cfg.SettleInterval = 0
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	if delegate == nil {
		delegate = scanner.Unavailable{Reason: "no scan delegate configured"}
	}

	return &Watcher{
		cfg:      cfg,
		delegate: delegate,
		handler:  handler,
		log:      log.With(zap.String("directory", cfg.Directory)),
		queue:    make(chan queuedFile, cfg.QueueSize),
		ready:    make(chan struct{}),
	}, nil
}

// Ready is closed once the directory watch is installed.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// IsRunning reports whether Run is active
func (w *Watcher) IsRunning() bool {
	return w.running.Load()
}

// Stats returns processed and dropped file counts
func (w *Watcher) Stats() (processed, dropped int64) {
	return w.processed.Load(), w.dropped.Load()
}

// Run watches until ctx is cancelled. It returns an error only if the watch
// cannot be installed.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer w.running.Store(false)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.cfg.Directory); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.cfg.Directory, err)
	}
	w.once.Do(func() { close(w.ready) })
	w.log.Info("Watching directory for new files", zap.String("scanner", w.delegate.Name()))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.scanLoop(ctx)
	}()
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Stopping directory watcher")
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				w.enqueue(event.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("File watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) enqueue(path string) {
	info, err := os.Lstat(path)
	if err != nil {
		w.log.Debug("Created entry vanished before inspection", zap.String("path", path), zap.Error(err))
		return
	}
	if !info.Mode().IsRegular() {
		return
	}

	select {
	case w.queue <- queuedFile{path: path, detectedAt: time.Now()}:
	default:
		w.dropped.Add(1)
		w.log.Warn("Scan queue full, dropping file", zap.String("path", path), zap.Int("queue_size", w.cfg.QueueSize))
	}
}

func (w *Watcher) scanLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-w.queue:
			event := w.process(ctx, f.path, f.detectedAt)
			w.dispatch(ctx, event)
		}
	}
}

// ProcessFile classifies one file. It never fails: problems become the
// event's outcome.
func (w *Watcher) ProcessFile(ctx context.Context, path string) ClassifiedEvent {
	return w.process(ctx, path, time.Now())
}

func (w *Watcher) process(ctx context.Context, path string, detectedAt time.Time) ClassifiedEvent {
	start := time.Now()
	event := ClassifiedEvent{Path: path, DetectedAt: detectedAt}

	if err := w.waitForSettle(ctx, path); err != nil {
		event.Outcome = scanner.Indeterminate
		event.Detail = err.Error()
		event.Duration = time.Since(start)
		return event
	}

	verdict := scanner.Classify(ctx, w.delegate, path, w.cfg.ScanTimeout)
	event.Outcome = verdict.Outcome
	event.Detail = verdict.Detail
	event.Duration = time.Since(start)
	w.processed.Add(1)

	fields := []zap.Field{
		zap.String("path", path),
		zap.String("outcome", string(event.Outcome)),
		zap.String("detail", event.Detail),
		zap.Duration("duration", event.Duration),
	}
	switch event.Outcome {
	case scanner.Threat:
		w.log.Warn("Threat detected", fields...)
	case scanner.Benign:
		w.log.Info("File is clean", fields...)
	default:
		w.log.Warn("File could not be classified", fields...)
	}
	return event
}

// waitForSettle blocks until the file's size stays the same for one settle
// interval. Giving up after the scan timeout is not an error; the file is
// scanned as it is.
func (w *Watcher) waitForSettle(ctx context.Context, path string) error {
	if w.cfg.SettleInterval == 0 {
		return nil
	}

	deadline := time.NewTimer(w.cfg.ScanTimeout)
	defer deadline.Stop()

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("file disappeared before scan: %w", err)
	}
	last := info.Size()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			w.log.Debug("File still changing, scanning anyway", zap.String("path", path))
			return nil
		case <-time.After(w.cfg.SettleInterval):
		}

		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("file disappeared before scan: %w", err)
		}
		if info.Size() == last {
			return nil
		}
		last = info.Size()
	}
}

func (w *Watcher) dispatch(ctx context.Context, event ClassifiedEvent) {
	if w.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Event handler panicked", zap.String("path", event.Path), zap.Any("panic", r))
		}
	}()
	w.handler(ctx, event)
}

// AlertSender delivers one threat report
type AlertSender interface {
	Send(ctx context.Context, deviceID string, outcome scanner.Outcome, path string) common.DeliveryResult
}

// ThreatEscalator returns a handler that forwards threat outcomes to sender
// and ignores everything else.
func ThreatEscalator(sender AlertSender, deviceID string) Handler {
	return func(ctx context.Context, event ClassifiedEvent) {
		if event.Outcome != scanner.Threat {
			return
		}
		sender.Send(ctx, deviceID, event.Outcome, absPath(event.Path))
	}
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
