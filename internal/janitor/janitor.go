// Package janitor periodically trims stored history and, when enabled,
// forgets rooms nobody has used for a while.
package janitor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/manpreetbhatti/codesync/internal/db"
	"github.com/manpreetbhatti/codesync/internal/room"
	"github.com/manpreetbhatti/codesync/internal/session"
)

type Config struct {
	Interval          time.Duration
	KeepSnapshots     int
	CompileHistoryTTL time.Duration
	// EvictIdleRoomsAfter drops empty rooms idle for longer than this. Zero disables eviction.
	EvictIdleRoomsAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:          5 * time.Minute,
		KeepSnapshots:     20,
		CompileHistoryTTL: 7 * 24 * time.Hour,
	}
}

// Executor runs fn on the sync event loop.
type Executor interface {
	Do(ctx context.Context, fn func()) error
}

type Report struct {
	SnapshotsPruned int64
	RunsDeleted     int64
	RoomsEvicted    int
}

type Service struct {
	database *db.Database
	rooms    *room.Store
	sessions *session.Registry
	loop     Executor
	config   Config
	log      *slog.Logger
	now      func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(database *db.Database, rooms *room.Store, sessions *session.Registry, loop Executor, config Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		database: database,
		rooms:    rooms,
		sessions: sessions,
		loop:     loop,
		config:   config,
		log:      log,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
	s.log.Info("janitor started",
		"interval", s.config.Interval,
		"keep_snapshots", s.config.KeepSnapshots,
		"compile_history_ttl", s.config.CompileHistoryTTL,
		"evict_idle_rooms_after", s.config.EvictIdleRoomsAfter)
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.log.Info("janitor stopped")
}

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := s.RunOnce(ctx)
			if report != (Report{}) {
				s.log.Info("janitor pass",
					"snapshots_pruned", report.SnapshotsPruned,
					"runs_deleted", report.RunsDeleted,
					"rooms_evicted", report.RoomsEvicted)
			}
		}
	}
}

// RunOnce performs a single retention pass. Failures are logged and skipped.
func (s *Service) RunOnce(ctx context.Context) Report {
	var report Report
	if s.database != nil {
		report.SnapshotsPruned = s.pruneSnapshots()
		report.RunsDeleted = s.expireCompileRuns()
	}
	if s.config.EvictIdleRoomsAfter > 0 {
		report.RoomsEvicted = s.evictIdleRooms(ctx)
	}
	return report
}

func (s *Service) pruneSnapshots() int64 {
	if s.config.KeepSnapshots <= 0 {
		return 0
	}
	rooms, err := s.database.SnapshotRooms()
	if err != nil {
		s.log.Error("janitor: listing snapshot rooms", "error", err)
		return 0
	}

	var total int64
	for _, roomID := range rooms {
		n, err := s.database.PruneSnapshots(roomID, s.config.KeepSnapshots)
		if err != nil {
			s.log.Error("janitor: pruning snapshots", "room", roomID, "error", err)
			continue
		}
		total += n
	}
	return total
}

func (s *Service) expireCompileRuns() int64 {
	if s.config.CompileHistoryTTL <= 0 {
		return 0
	}
	n, err := s.database.DeleteCompileRunsBefore(s.now().Add(-s.config.CompileHistoryTTL))
	if err != nil {
		s.log.Error("janitor: expiring compile runs", "error", err)
		return 0
	}
	return n
}

// evictIdleRooms runs on the event loop so a concurrent join cannot observe a half-evicted room.
func (s *Service) evictIdleRooms(ctx context.Context) int {
	evicted := 0
	err := s.loop.Do(ctx, func() {
		occupied := s.sessions.CountByRoom()
		cutoff := s.now().Add(-s.config.EvictIdleRoomsAfter)
		for _, st := range s.rooms.Snapshot() {
			if occupied[st.ID] == 0 && st.UpdatedAt.Before(cutoff) {
				s.rooms.Evict(st.ID)
				evicted++
			}
		}
	})
	if err != nil {
		s.log.Warn("janitor: eviction skipped", "error", err)
	}
	return evicted
}
