package downloads

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ticdso/depthserve/stream"
)

// ErrNoModel is returned when a fetched bundle contains no .onnx file.
var ErrNoModel = errors.New("no .onnx model in bundle")

// Manager fetches model bundles and publishes their progress.
type Manager struct {
	client *Client
	hub    *stream.Hub

	mu          sync.RWMutex
	progress    map[string]*Progress
	cancelFuncs map[string]context.CancelFunc
}

// NewManager returns a manager using client (NewClient when nil). hub may
// be nil.
func NewManager(client *Client, hub *stream.Hub) *Manager {
	if client == nil {
		client = NewClient()
	}
	return &Manager{
		client:      client,
		hub:         hub,
		progress:    make(map[string]*Progress),
		cancelFuncs: make(map[string]context.CancelFunc),
	}
}

func bundleName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid bundle url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid bundle url %q: want http or https", rawURL)
	}
	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		name = "model.bundle"
	}
	return name, nil
}

// FetchModel downloads rawURL into destDir, unpacks it when it is an
// archive, and returns the path of the first .onnx file found there.
func (m *Manager) FetchModel(ctx context.Context, rawURL, destDir string, cb ProgressCallback) (string, error) {
	name, err := bundleName(rawURL)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", destDir, err)
	}
	ctx, report, done := m.track(ctx, rawURL, cb)
	defer done()

	dest := filepath.Join(destDir, name)
	if err := m.downloadTo(ctx, rawURL, dest, report); err != nil {
		return "", err
	}

	archive, err := Extract(dest, destDir, report)
	if err != nil {
		report(Progress{Status: StatusError, Error: err.Error(), Message: "Extraction failed"})
		return "", err
	}
	model := dest
	if archive || !strings.EqualFold(filepath.Ext(dest), ".onnx") {
		model, err = FindModel(destDir)
	}
	if err != nil {
		report(Progress{Status: StatusError, Error: err.Error(), Message: "No model found"})
		return "", err
	}
	report(Progress{Status: StatusComplete, Message: "Model ready: " + model, Percent: 100})
	return model, nil
}

// track registers a cancellable fetch of rawURL and returns the progress
// reporter for it. Call done when the fetch ends.
func (m *Manager) track(ctx context.Context, rawURL string, cb ProgressCallback) (context.Context, func(Progress), func()) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancelFuncs[rawURL] = cancel
	m.mu.Unlock()

	report := func(p Progress) {
		p.URL = rawURL
		m.update(&p)
		if cb != nil {
			cb(p)
		}
	}
	done := func() {
		cancel()
		m.mu.Lock()
		delete(m.cancelFuncs, rawURL)
		m.mu.Unlock()
	}
	return ctx, report, done
}

// downloadTo fetches rawURL into dest through a .part file, skipping the
// download when dest already exists.
func (m *Manager) downloadTo(ctx context.Context, rawURL, dest string, report func(Progress)) error {
	if _, err := os.Stat(dest); err == nil {
		log.Printf("Download %s already present", dest)
		return nil
	}
	report(Progress{Status: StatusDownloading, Message: "Starting download..."})
	partial := dest + ".part"
	speed := NewSpeedTracker()
	err := m.client.DownloadWithRetry(ctx, partial, rawURL, func(done, total int64) {
		p := Progress{Status: StatusDownloading, BytesDownloaded: done, TotalBytes: total, Speed: speed.Update(done)}
		if total > 0 {
			p.Percent = float64(done) / float64(total) * 100
		}
		p.Message = fmt.Sprintf("%s at %s", FormatBytes(done), FormatSpeed(p.Speed))
		report(p)
	})
	if err != nil {
		if ctx.Err() == context.Canceled {
			report(Progress{Status: StatusCancelled, Message: "Download cancelled"})
		} else {
			report(Progress{Status: StatusError, Error: err.Error(), Message: "Download failed"})
		}
		return err
	}
	return os.Rename(partial, dest)
}

// FindModel returns the lexically first .onnx file under dir.
func FindModel(dir string) (string, error) {
	var found []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(p), ".onnx") {
			found = append(found, p)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", fmt.Errorf("%s: %w", dir, ErrNoModel)
	}
	sort.Strings(found)
	return found[0], nil
}

// Cancel stops an in-flight fetch of rawURL.
func (m *Manager) Cancel(rawURL string) {
	m.mu.Lock()
	if cancel, ok := m.cancelFuncs[rawURL]; ok {
		cancel()
	}
	m.mu.Unlock()
}

// Progress returns the last known state of every fetch.
func (m *Manager) Progress() []Progress {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Progress, 0, len(m.progress))
	for _, p := range m.progress {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

func (m *Manager) update(p *Progress) {
	m.mu.Lock()
	m.progress[p.URL] = p
	m.mu.Unlock()
	m.hub.BroadcastJSON(stream.EventDownload, p)
}

// SpeedTracker tracks download speed over time.
type SpeedTracker struct {
	mu          sync.Mutex
	lastBytes   int64
	lastTime    time.Time
	speedWindow []int64
}

// NewSpeedTracker creates a new SpeedTracker.
func NewSpeedTracker() *SpeedTracker {
	return &SpeedTracker{
		lastTime:    time.Now(),
		speedWindow: make([]int64, 0, 10),
	}
}

// Update records the running byte count and returns the smoothed speed.
func (s *SpeedTracker) Update(totalBytes int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(s.lastTime).Seconds()
	if elapsed < 0.1 {
		if len(s.speedWindow) > 0 {
			return s.averageSpeed()
		}
		return 0
	}

	speed := int64(float64(totalBytes-s.lastBytes) / elapsed)
	s.lastBytes = totalBytes
	s.lastTime = now

	s.speedWindow = append(s.speedWindow, speed)
	if len(s.speedWindow) > 10 {
		s.speedWindow = s.speedWindow[1:]
	}
	return s.averageSpeed()
}

func (s *SpeedTracker) averageSpeed() int64 {
	if len(s.speedWindow) == 0 {
		return 0
	}
	var sum int64
	for _, v := range s.speedWindow {
		sum += v
	}
	return sum / int64(len(s.speedWindow))
}
