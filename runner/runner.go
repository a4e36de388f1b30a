// Package runner keeps built cluster indexes in memory, one per filter set,
// and persists them as snapshots.
package runner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/cluster"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/geo"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/logger"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/metrics"
	"go.uber.org/zap"
)

var ErrNoSnapshot = errors.New("no snapshot found")

type Options struct {
	MaxIndexes int
	IdleTTL    time.Duration
	// Dir holds snapshots. Empty disables persistence.
	Dir     string
	Cluster cluster.Options
	// JanitorInterval defaults to a quarter of IdleTTL.
	JanitorInterval time.Duration
}

// Info describes a persisted snapshot.
type Info struct {
	ID        string    `json:"id"`
	NumPoints int       `json:"num_points"`
	Timestamp time.Time `json:"timestamp"`
	FileSize  int64     `json:"file_size"`
	Path      string    `json:"-"`
}

type slot struct {
	sc           *cluster.Supercluster
	fingerprint  uint64
	lastAccessed time.Time
}

// Pool holds at most MaxIndexes indexes. The least recently used index is
// evicted first, and indexes idle for longer than IdleTTL are dropped by a
// background janitor until Close.
type Pool struct {
	opts    Options
	log     *zap.Logger
	mu      sync.Mutex
	indexes map[string]*slot
	now     func() time.Time

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewPool(opts Options, log *zap.Logger) *Pool {
	if opts.MaxIndexes <= 0 {
		opts.MaxIndexes = 32
	}
	log = logger.OrNop(log)
	p := &Pool{
		opts:    opts,
		log:     log,
		indexes: make(map[string]*slot),
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if opts.IdleTTL > 0 {
		interval := opts.JanitorInterval
		if interval <= 0 {
			interval = opts.IdleTTL / 4
		}
		go p.cleanupInactiveIndexes(interval)
	} else {
		close(p.done)
	}
	return p
}

// Index returns the index for key, building it from points when none is
// loaded or the loaded one was built from a different point set.
func (p *Pool) Index(key string, points []geo.GeoPoint) *cluster.Supercluster {
	fp := fingerprint(points)

	p.mu.Lock()
	if s, ok := p.indexes[key]; ok && s.fingerprint == fp {
		s.lastAccessed = p.now()
		p.mu.Unlock()
		return s.sc
	}
	p.mu.Unlock()

	t0 := time.Now()
	sc := cluster.NewSupercluster(p.opts.Cluster)
	sc.Load(points)
	metrics.IndexBuildDurationMs.Observe(float64(time.Since(t0).Milliseconds()))
	p.log.Debug("index_built",
		zap.String("key", key),
		zap.Int("points", len(points)),
		zap.Duration("duration", time.Since(t0)))

	p.put(key, &slot{sc: sc, fingerprint: fp})
	return sc
}

// Get returns a loaded index and marks it as used.
func (p *Pool) Get(key string) (*cluster.Supercluster, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.indexes[key]
	if !ok {
		return nil, false
	}
	s.lastAccessed = p.now()
	return s.sc, true
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.indexes)
}

func (p *Pool) put(key string, s *slot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s.lastAccessed = p.now()
	if _, exists := p.indexes[key]; !exists && len(p.indexes) >= p.opts.MaxIndexes {
		var oldestKey string
		var oldestTime time.Time
		first := true
		for k, other := range p.indexes {
			if first || other.lastAccessed.Before(oldestTime) {
				oldestKey = k
				oldestTime = other.lastAccessed
				first = false
			}
		}
		delete(p.indexes, oldestKey)
		p.log.Debug("index_evicted", zap.String("key", oldestKey), zap.String("reason", "capacity"))
	}
	p.indexes[key] = s
	metrics.IndexesLoaded.Set(float64(len(p.indexes)))
}

func (p *Pool) cleanupInactiveIndexes(interval time.Duration) {
	defer close(p.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.evictIdle()
		}
	}
}

// evictIdle drops indexes not used within IdleTTL.
func (p *Pool) evictIdle() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	removed := 0
	for key, s := range p.indexes {
		if now.Sub(s.lastAccessed) > p.opts.IdleTTL {
			delete(p.indexes, key)
			removed++
			p.log.Debug("index_evicted", zap.String("key", key), zap.String("reason", "idle"))
		}
	}
	metrics.IndexesLoaded.Set(float64(len(p.indexes)))
	return removed
}

// Close stops the janitor and waits for it to exit.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.stop)
	})
	<-p.done
}

// Save persists the index loaded under key.
func (p *Pool) Save(key string) (Info, error) {
	sc, ok := p.Get(key)
	if !ok {
		return Info{}, fmt.Errorf("no index loaded for %q", key)
	}
	return p.SaveIndex(sc)
}

// SaveIndex writes sc to the snapshot directory.
func (p *Pool) SaveIndex(sc *cluster.Supercluster) (Info, error) {
	if p.opts.Dir == "" {
		return Info{}, errors.New("snapshot directory not configured")
	}
	if err := os.MkdirAll(p.opts.Dir, 0o755); err != nil {
		return Info{}, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	now := p.now()
	name, id := snapshotFilename(sc.Len(), now)
	path := filepath.Join(p.opts.Dir, name)
	if err := sc.SaveCompressed(path); err != nil {
		return Info{}, fmt.Errorf("failed to save index: %w", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return Info{}, fmt.Errorf("failed to get file info: %w", err)
	}
	p.log.Info("snapshot_saved", zap.String("id", id), zap.String("path", path), zap.Int64("bytes", fi.Size()))

	info, err := parseSnapshotFilename(path)
	if err != nil {
		return Info{}, err
	}
	info.FileSize = fi.Size()
	return info, nil
}

// List returns the persisted snapshots, newest first.
func (p *Pool) List() ([]Info, error) {
	if p.opts.Dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(p.opts.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	var infos []Info
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := parseSnapshotFilename(filepath.Join(p.opts.Dir, e.Name()))
		if err != nil {
			continue
		}
		if fi, err := e.Info(); err == nil {
			info.FileSize = fi.Size()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].Timestamp.Equal(infos[j].Timestamp) {
			return infos[i].Timestamp.After(infos[j].Timestamp)
		}
		return infos[i].ID < infos[j].ID
	})
	return infos, nil
}

// LoadFile loads the snapshot with the given id and keeps it under the key
// "snapshot:{id}".
func (p *Pool) LoadFile(id string) (*cluster.Supercluster, error) {
	if id == "" {
		return nil, ErrNoSnapshot
	}
	key := "snapshot:" + id
	if sc, ok := p.Get(key); ok {
		return sc, nil
	}

	infos, err := p.List()
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if info.ID != id && !strings.HasPrefix(info.ID, id) {
			continue
		}
		sc, err := cluster.LoadCompressedSupercluster(info.Path)
		if err != nil {
			return nil, err
		}
		p.put(key, &slot{sc: sc, fingerprint: fingerprint(sc.Points)})
		return sc, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSnapshot, id)
}
