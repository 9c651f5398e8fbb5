// Package workspace manages the scoped temporary directories sessions keep
// their uploads and tool outputs in.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// ErrOutsideRoot is returned for paths that are not below the workspace root.
var ErrOutsideRoot = errors.New("path is outside the workspace root")

// Config configures the workspace root and the janitor.
type Config struct {
	// Root is the parent of all session directories.
	Root string `yaml:"root"`

	// MaxAge is how long an unused directory survives before the janitor removes it.
	MaxAge time.Duration `yaml:"max_age" validate:"gte=0"`

	// SweepSchedule is the cron spec of the janitor, e.g. "@every 30m".
	// Empty disables the janitor.
	SweepSchedule string `yaml:"sweep_schedule"`
}

// DefaultConfig returns the default workspace configuration.
func DefaultConfig() Config {
	return Config{
		Root:          filepath.Join(os.TempDir(), "mkvbot"),
		MaxAge:        6 * time.Hour,
		SweepSchedule: "@every 30m",
	}
}

// lockSuffix names the lock file held next to each instance directory.
const lockSuffix = ".lock"

// Manager creates and removes session directories. Every manager owns one
// instance directory below the root, <root>/<instance>, locked with
// <root>/<instance>.lock for its lifetime, so processes sharing a root never
// sweep each other's workspaces. Directories handed out by Create are
// "active" until Remove; the janitor never touches active ones.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	dir       string
	lock      *flock.Flock
	closeOnce sync.Once

	mu     sync.Mutex
	active map[string]string // dir -> owner

	cron *cron.Cron
	now  func() time.Time
}

// New creates the root directory and returns a manager for it.
func New(cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Root == "" {
		cfg.Root = DefaultConfig().Root
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	cfg.Root = root
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("creating workspace root %s: %w", root, err)
	}

	// The lock is taken before the directory exists so a concurrent sweep
	// never sees an unlocked instance directory of a live process.
	dir := filepath.Join(root, uuid.NewString())
	lock := flock.New(dir + lockSuffix)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking workspace instance: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("workspace instance %s is locked", dir)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("creating workspace instance %s: %w", dir, err)
	}

	return &Manager{
		cfg:    cfg,
		logger: logger.With("component", "workspace"),
		dir:    dir,
		lock:   lock,
		active: make(map[string]string),
		now:    time.Now,
	}, nil
}

// Root returns the absolute workspace root shared by every process.
func (m *Manager) Root() string { return m.cfg.Root }

// Dir returns this manager's instance directory.
func (m *Manager) Dir() string { return m.dir }

// Create makes a fresh directory for owner: <instance>/<owner>/<uuid>.
func (m *Manager) Create(owner string) (string, error) {
	dir := filepath.Join(m.dir, safeOwner(owner), uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating workspace: %w", err)
	}

	m.mu.Lock()
	m.active[dir] = owner
	m.mu.Unlock()

	m.logger.Debug("workspace created", "owner", owner, "dir", dir)
	return dir, nil
}

// Path joins name to dir after checking dir belongs to this manager.
func (m *Manager) Path(dir, name string) (string, error) {
	if err := m.contains(dir); err != nil {
		return "", err
	}
	return filepath.Join(dir, SanitizeFilename(name)), nil
}

// Remove deletes a session directory and everything in it.
func (m *Manager) Remove(dir string) error {
	if dir == "" {
		return nil
	}
	if err := m.contains(dir); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.active, dir)
	m.mu.Unlock()

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing workspace %s: %w", dir, err)
	}
	// The owner directory is dropped once empty; a failure means it is still in use.
	_ = os.Remove(filepath.Dir(dir))

	m.logger.Debug("workspace removed", "dir", dir)
	return nil
}

// RemoveAll deletes every active directory. Used on shutdown.
func (m *Manager) RemoveAll() {
	m.mu.Lock()
	dirs := make([]string, 0, len(m.active))
	for dir := range m.active {
		dirs = append(dirs, dir)
	}
	m.mu.Unlock()

	for _, dir := range dirs {
		if err := m.Remove(dir); err != nil {
			m.logger.Warn("failed to remove workspace", "dir", dir, "error", err)
		}
	}
}

// Active returns the number of directories in use.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Sweep removes inactive session directories of this manager older than
// maxAge, and the instance directories of processes that no longer hold
// their lock. A zero maxAge removes every inactive directory.
func (m *Manager) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.cfg.Root)
	if err != nil {
		return 0, fmt.Errorf("reading workspace root: %w", err)
	}

	removed := 0
	var freed int64

	for _, e := range entries {
		path := filepath.Join(m.cfg.Root, e.Name())
		switch {
		case path == m.dir:
			n, size := m.sweepOwn(maxAge)
			removed += n
			freed += size
		case e.IsDir():
			size, ok := m.sweepStale(path)
			if ok {
				removed++
				freed += size
			}
		case strings.HasSuffix(e.Name(), lockSuffix) && path != m.dir+lockSuffix:
			// Lock file of an instance whose directory is already gone.
			if _, err := os.Stat(strings.TrimSuffix(path, lockSuffix)); errors.Is(err, fs.ErrNotExist) {
				m.sweepStale(strings.TrimSuffix(path, lockSuffix))
			}
		}
	}

	if removed > 0 {
		m.logger.Info("workspace sweep finished",
			"removed", removed,
			"freed", humanize.Bytes(uint64(freed)),
		)
	}
	return removed, nil
}

func (m *Manager) sweepOwn(maxAge time.Duration) (int, int64) {
	owners, err := os.ReadDir(m.dir)
	if err != nil {
		m.logger.Warn("failed to read workspace instance", "dir", m.dir, "error", err)
		return 0, 0
	}

	cutoff := m.now().Add(-maxAge)
	removed := 0
	var freed int64

	for _, owner := range owners {
		if !owner.IsDir() {
			continue
		}
		ownerDir := filepath.Join(m.dir, owner.Name())
		sessions, err := os.ReadDir(ownerDir)
		if err != nil {
			m.logger.Warn("failed to read workspace owner dir", "dir", ownerDir, "error", err)
			continue
		}
		for _, s := range sessions {
			dir := filepath.Join(ownerDir, s.Name())
			if m.isActive(dir) {
				continue
			}
			info, err := s.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			size := dirSize(dir)
			if err := os.RemoveAll(dir); err != nil {
				m.logger.Warn("failed to sweep workspace", "dir", dir, "error", err)
				continue
			}
			removed++
			freed += size
		}
		_ = os.Remove(ownerDir)
	}
	return removed, freed
}

// sweepStale removes another instance directory when its lock is free,
// meaning the process that created it has exited.
func (m *Manager) sweepStale(dir string) (int64, bool) {
	lock := flock.New(dir + lockSuffix)
	ok, err := lock.TryLock()
	if err != nil || !ok {
		return 0, false
	}
	defer func() {
		_ = lock.Unlock()
		_ = os.Remove(dir + lockSuffix)
	}()

	size := dirSize(dir)
	if err := os.RemoveAll(dir); err != nil {
		m.logger.Warn("failed to sweep stale workspace", "dir", dir, "error", err)
		return 0, false
	}
	m.logger.Debug("stale workspace instance removed", "dir", dir)
	return size, true
}

// Start sweeps leftovers of earlier runs and schedules the janitor.
func (m *Manager) Start(ctx context.Context) error {
	if _, err := m.Sweep(0); err != nil {
		return err
	}
	if m.cfg.SweepSchedule == "" {
		return nil
	}

	m.cron = cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if _, err := m.cron.AddFunc(m.cfg.SweepSchedule, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := m.Sweep(m.cfg.MaxAge); err != nil {
			m.logger.Warn("workspace sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", m.cfg.SweepSchedule, err)
	}
	m.cron.Start()

	m.logger.Info("workspace janitor started", "root", m.cfg.Root, "schedule", m.cfg.SweepSchedule)
	return nil
}

// Stop stops the janitor and waits for a running sweep.
func (m *Manager) Stop() {
	if m.cron == nil {
		return
	}
	ctx := m.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
		m.logger.Warn("workspace janitor stop timed out")
	}
}

// Close removes every active directory and the instance directory, then
// releases the instance lock.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.RemoveAll()
		if rmErr := os.RemoveAll(m.dir); rmErr != nil {
			err = fmt.Errorf("removing workspace instance: %w", rmErr)
		}
		if unlockErr := m.lock.Unlock(); unlockErr != nil {
			err = errors.Join(err, fmt.Errorf("releasing workspace lock: %w", unlockErr))
		}
		_ = os.Remove(m.dir + lockSuffix)
	})
	return err
}

func (m *Manager) isActive(dir string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[dir]
	return ok
}

func (m *Manager) contains(dir string) error {
	rel, err := filepath.Rel(m.dir, filepath.Clean(dir))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, dir)
	}
	return nil
}

func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}

// safeOwner turns a user key into a single path element.
func safeOwner(owner string) string {
	var b strings.Builder
	for _, r := range owner {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "anonymous"
	}
	return b.String()
}
