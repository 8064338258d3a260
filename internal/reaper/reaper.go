// Package reaper destroys rooms that were deleted, emptied or left inactive
// past their retention. All four paths go through Reclaim.
package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/manpreetbhatti/codeshare/backend/internal/db"
	"github.com/manpreetbhatti/codeshare/backend/internal/metrics"
	"github.com/manpreetbhatti/codeshare/backend/internal/ratelimit"
	"github.com/manpreetbhatti/codeshare/backend/internal/room"
)

type Trigger string

const (
	TriggerDelete    Trigger = "delete"
	TriggerEmpty     Trigger = "empty"
	TriggerSweep     Trigger = "sweep"
	TriggerRetention Trigger = "retention"
)

// Executor runs fn on the goroutine that owns the registry and waits for it.
type Executor interface {
	Do(ctx context.Context, fn func()) error
}

type Config struct {
	SweepInterval     time.Duration
	RetentionInterval time.Duration
	Retention         time.Duration
	StoreTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		SweepInterval:     2 * time.Minute,
		RetentionInterval: 10 * time.Minute,
		Retention:         30 * time.Minute,
		StoreTimeout:      10 * time.Second,
	}
}

type Service struct {
	registry *room.Registry
	store    db.Store
	limiter  *ratelimit.FixedWindow
	config   Config
	now      func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a reaper. store and limiter may be nil.
func New(registry *room.Registry, store db.Store, limiter *ratelimit.FixedWindow, config Config) *Service {
	return &Service{
		registry: registry,
		store:    store,
		limiter:  limiter,
		config:   config,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// Reclaim removes the room from memory and marks it inactive in the store.
// It must be called on the registry's goroutine. Only the first call for a
// room has any effect; the removed room is returned so the caller can notify
// whoever was still in it.
func (s *Service) Reclaim(roomID string, trigger Trigger) (*room.Room, bool) {
	r, ok := s.registry.Reclaim(roomID)
	if !ok {
		return nil, false
	}

	if s.limiter != nil {
		for _, scope := range ratelimit.RoomScopes {
			s.limiter.Forget(ratelimit.Key(scope, roomID))
		}
	}
	metrics.RoomsReclaimedTotal.WithLabelValues(string(trigger)).Inc()
	metrics.RoomsActive.Set(float64(s.registry.Len()))
	log.Info("room reclaimed", "room", roomID, "trigger", trigger, "members", r.MemberCount())

	// Retention already deleted the record.
	if s.store != nil && trigger != TriggerRetention {
		at := s.now()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.markInactive(roomID, at)
		}()
	}
	return r, true
}

func (s *Service) markInactive(roomID string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.StoreTimeout)
	defer cancel()

	start := time.Now()
	err := s.store.MarkInactive(ctx, roomID, at)
	metrics.ObserveSince("mark_inactive", start)
	if err != nil {
		log.Warn("mark room inactive failed", "room", roomID, "err", err)
	}
}

// SweepEmpty reclaims every in-memory room without members. It must be
// called on the registry's goroutine.
func (s *Service) SweepEmpty() int {
	n := 0
	for _, id := range s.registry.RoomIDs() {
		r, ok := s.registry.Get(id)
		if !ok || !r.Empty() {
			continue
		}
		if _, ok := s.Reclaim(id, TriggerSweep); ok {
			n++
		}
	}
	return n
}

// SweepRetention permanently deletes rooms that have been inactive longer than
// the retention period, along with account references to them. A room that is
// live in memory again keeps its record, which is marked active. It blocks on
// the store and must not run on the registry's goroutine.
func (s *Service) SweepRetention(ctx context.Context, exec Executor) (int, error) {
	if s.store == nil {
		return 0, nil
	}

	cutoff := s.now().Add(-s.config.Retention)
	start := time.Now()
	rooms, err := s.store.FindInactiveBefore(ctx, cutoff)
	metrics.ObserveSince("find_inactive", start)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, rec := range rooms {
		id := rec.ID
		var live *db.RoomRecord
		err := exec.Do(ctx, func() {
			if r, ok := s.registry.Get(id); ok && !r.Empty() {
				live = &db.RoomRecord{ID: r.ID, Name: r.Name, Active: true, CreatedAt: r.CreatedAt}
				return
			}
			s.Reclaim(id, TriggerRetention)
		})
		if err != nil {
			return deleted, err
		}

		if live != nil {
			log.Warn("retention: room is live, keeping record", "room", id)
			if err := s.store.UpsertRoom(ctx, *live); err != nil {
				log.Warn("retention: restore live room failed", "room", id, "err", err)
			}
			continue
		}

		if err := s.store.DeleteRoom(ctx, id); err != nil {
			log.Warn("retention: delete room failed", "room", id, "err", err)
			continue
		}
		if _, err := s.store.RemoveRoomFromAccounts(ctx, id); err != nil {
			log.Warn("retention: remove account references failed", "room", id, "err", err)
		}
		deleted++
		log.Info("inactive room deleted", "room", id)
	}
	return deleted, nil
}

// Start runs both sweeps until Stop is called or ctx ends.
func (s *Service) Start(ctx context.Context, exec Executor) {
	s.wg.Add(1)
	go s.run(ctx, exec)
	log.Info("reaper started",
		"sweep", s.config.SweepInterval,
		"retention_sweep", s.config.RetentionInterval,
		"retention", s.config.Retention)
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	log.Info("reaper stopped")
}

func (s *Service) run(ctx context.Context, exec Executor) {
	defer s.wg.Done()

	sweep := time.NewTicker(s.config.SweepInterval)
	defer sweep.Stop()
	retention := time.NewTicker(s.config.RetentionInterval)
	defer retention.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-sweep.C:
			var n int
			if err := exec.Do(ctx, func() { n = s.SweepEmpty() }); err != nil {
				continue
			}
			if n > 0 {
				log.Info("sweep reclaimed empty rooms", "count", n)
			}
		case <-retention.C:
			if _, err := s.SweepRetention(ctx, exec); err != nil {
				log.Error("retention sweep failed", "err", err)
			}
		}
	}
}

// Reconcile marks every persisted room inactive. Nothing is live right after
// startup, so those rooms become eligible for retention.
func Reconcile(ctx context.Context, store db.Store, now time.Time) error {
	n, err := store.MarkAllInactive(ctx, now)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Info("marked persisted rooms inactive", "count", n)
	}
	return nil
}
