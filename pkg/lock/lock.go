// Package lock implements cross-process build locks backed by lock files.
//
// A lock is a file <dir>/<key>.lock holding JSON metadata about its holder
// (pid, host, random token). It is created atomically by linking a fully
// written temporary file into place, so readers never observe a half-written
// lock. Contenders poll until their timeout. A lock whose holder runs on this
// host but whose process is gone is reclaimed, so a crashed build never
// deadlocks the cache. Locks held from other hosts are only reclaimed when
// their metadata is unreadable for longer than the grace period.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog/log"

	"github.com/tgagor/dapp/pkg/util"
)

const (
	DefaultPollInterval = 250 * time.Millisecond
	DefaultGrace        = 30 * time.Second

	guardFileName = ".guard"
	lockSuffix    = ".lock"
)

// Metadata identifies the holder of a lock.
type Metadata struct {
	Key        string    `json:"key"`
	Token      string    `json:"token"`
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func (m *Metadata) String() string {
	if m == nil {
		return ""
	}
	return fmt.Sprintf("pid %d on %s", m.PID, m.Host)
}

type Manager struct {
	dir   string
	host  string
	pid   int
	poll  time.Duration
	grace time.Duration
}

type Option func(*Manager)

func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) { m.poll = d }
}

// WithGrace sets how long an unreadable lock file is tolerated before it is
// considered abandoned.
func WithGrace(d time.Duration) Option {
	return func(m *Manager) { m.grace = d }
}

// WithIdentity overrides the holder identity written into lock files.
func WithIdentity(host string, pid int) Option {
	return func(m *Manager) {
		m.host = host
		m.pid = pid
	}
}

func NewManager(dir string, opts ...Option) *Manager {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	m := &Manager{
		dir:   dir,
		host:  host,
		pid:   os.Getpid(),
		poll:  DefaultPollInterval,
		grace: DefaultGrace,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Dir() string {
	return m.dir
}

// Path returns the lock file used for key.
func (m *Manager) Path(key string) string {
	return filepath.Join(m.dir, fileName(key)+lockSuffix)
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9-_\.]+`)

// fileName keeps a readable prefix of the key and disambiguates it with a
// digest of the full key, since sanitizing alone can map two keys together.
func fileName(key string) string {
	prefix := strings.Trim(unsafeChars.ReplaceAllString(key, "_"), "_.")
	if len(prefix) > 48 {
		prefix = prefix[len(prefix)-48:]
	}
	return prefix + "-" + digest.FromString(key).Encoded()[:12]
}

// Acquire takes the lock for key, waiting up to timeout. A zero timeout tries
// once, a negative one waits until ctx is done.
func (m *Manager) Acquire(ctx context.Context, key string, timeout time.Duration) (*Lock, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory %s: %w", m.dir, err)
	}

	path := m.Path(key)
	deadline := time.Now().Add(timeout)
	meta := Metadata{
		Key:   key,
		Token: uuid.NewString(),
		PID:   m.pid,
		Host:  m.host,
	}
	waiting := false

	for {
		meta.AcquiredAt = time.Now().UTC()
		ok, err := m.tryCreate(path, &meta)
		if err != nil {
			return nil, err
		}
		if ok {
			log.Debug().Str("lock", key).Str("file", path).Msg("Acquired")
			return &Lock{m: m, path: path, meta: meta}, nil
		}

		reclaimed, holder, err := m.reclaimIfStale(path)
		if err != nil {
			return nil, err
		}
		if reclaimed {
			continue
		}

		if timeout >= 0 && !time.Now().Before(deadline) {
			return nil, &util.LockTimeoutError{Key: key, Holder: holder.String()}
		}
		if !waiting {
			log.Info().Str("lock", key).Str("holder", holder.String()).Msg("Waiting for")
			waiting = true
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.poll):
		}
	}
}

// Holder returns the metadata of the current holder of key, nil when free.
func (m *Manager) Holder(key string) (*Metadata, error) {
	meta, _, err := m.read(m.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return meta, err
}

// Clear removes every lock file. Only safe when no build is running.
func (m *Manager) Clear() error {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), lockSuffix) || e.Name() == guardFileName {
			log.Debug().Str("file", e.Name()).Msg("Removing lock")
			if err := os.Remove(filepath.Join(m.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) tryCreate(path string, meta *Metadata) (bool, error) {
	data, err := json.Marshal(meta)
	if err != nil {
		return false, err
	}

	tmp, err := os.CreateTemp(m.dir, ".pending-*")
	if err != nil {
		return false, fmt.Errorf("failed to create lock file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, fmt.Errorf("failed to write lock file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("failed to write lock file: %w", err)
	}

	err = os.Link(tmp.Name(), path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}

	// filesystems without hard links
	log.Debug().Err(err).Str("file", path).Msg("Hard link failed, falling back to exclusive create")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create lock file %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return false, fmt.Errorf("failed to write lock file %s: %w", path, err)
	}
	return true, nil
}

func (m *Manager) read(path string) (*Metadata, fs.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, info, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil || meta.Token == "" {
		return nil, info, nil
	}
	return &meta, info, nil
}

func (m *Manager) isStale(meta *Metadata, info fs.FileInfo) bool {
	if meta == nil {
		return time.Since(info.ModTime()) > m.grace
	}
	if meta.Host != m.host {
		return false
	}
	return !processAlive(meta.PID)
}

// reclaimIfStale removes the lock at path when its holder is gone. The
// removal happens under a guard and only if the file still holds the stale
// content, so a lock freshly taken by another contender is never removed.
func (m *Manager) reclaimIfStale(path string) (bool, *Metadata, error) {
	meta, info, err := m.read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("failed to read lock file %s: %w", path, err)
	}
	if !m.isStale(meta, info) {
		return false, meta, nil
	}

	release, err := acquireGuard(filepath.Join(m.dir, guardFileName))
	if err != nil {
		return false, meta, err
	}
	defer release()

	current, currentInfo, err := m.read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil, nil
	}
	if err != nil {
		return false, meta, fmt.Errorf("failed to read lock file %s: %w", path, err)
	}
	if !sameHolder(meta, current) || !m.isStale(current, currentInfo) {
		return false, current, nil
	}

	log.Warn().Str("file", path).Str("holder", meta.String()).Msg("Reclaiming stale lock")
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, meta, fmt.Errorf("failed to remove stale lock %s: %w", path, err)
	}
	return true, meta, nil
}

func sameHolder(a, b *Metadata) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Token == b.Token
}

// Lock is a held build lock.
type Lock struct {
	m        *Manager
	path     string
	meta     Metadata
	mu       sync.Mutex
	released bool
}

func (l *Lock) Key() string {
	return l.meta.Key
}

func (l *Lock) Metadata() Metadata {
	return l.meta
}

// Release frees the lock. It is safe to call more than once, and it never
// removes a lock file that another holder has taken over.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true

	current, _, err := l.m.read(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn().Str("lock", l.meta.Key).Msg("Lock file vanished before release")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read lock file %s: %w", l.path, err)
	}
	if current == nil || current.Token != l.meta.Token {
		log.Warn().Str("lock", l.meta.Key).Str("holder", current.String()).Msg("Lock was taken over, not removing")
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to release lock %s: %w", l.meta.Key, err)
	}
	log.Debug().Str("lock", l.meta.Key).Msg("Released")
	return nil
}
