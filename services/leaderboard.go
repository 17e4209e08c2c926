package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"idle-arena/config"
	"idle-arena/models"
	"idle-arena/store"
)

// LeaderboardUpdate is the payload broadcast to leaderboard subscribers.
type LeaderboardUpdate struct {
	Leaderboard []models.LeaderboardEntry `json:"leaderboard"`
	Timestamp   time.Time                 `json:"timestamp"`
}

// SnapshotArchiver stores a serialized leaderboard snapshot and returns its URL.
type SnapshotArchiver interface {
	PutJSON(ctx context.Context, key string, body []byte) (string, error)
}

// LeaderboardAggregator rebuilds the materialized leaderboard from score
// records. Rebuild requests are coalesced and throttled to one per interval.
type LeaderboardAggregator struct {
	store    store.Store
	hub      *Hub
	cfg      config.LeaderboardConfig
	archiver SnapshotArchiver

	requests  chan struct{}
	rebuildMu sync.Mutex
	rebuilds  atomic.Int64

	mu      sync.RWMutex
	top     []models.LeaderboardEntry
	builtAt time.Time

	Now func() time.Time
}

func NewLeaderboardAggregator(st store.Store, hub *Hub, cfg config.LeaderboardConfig) *LeaderboardAggregator {
	return &LeaderboardAggregator{
		store:    st,
		hub:      hub,
		cfg:      cfg,
		requests: make(chan struct{}, 1),
		Now:      time.Now,
	}
}

func (a *LeaderboardAggregator) SetArchiver(arch SnapshotArchiver) {
	a.archiver = arch
}

// RankAggregates orders users by best level, then most recent activity
// (missing activity last), then user id, and assigns ranks and tiers.
func RankAggregates(aggs []store.Aggregate, now time.Time) []models.LeaderboardEntry {
	sorted := append([]store.Aggregate(nil), aggs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.BestLevel != b.BestLevel {
			return a.BestLevel > b.BestLevel
		}
		switch {
		case a.LastActivity == nil && b.LastActivity != nil:
			return false
		case a.LastActivity != nil && b.LastActivity == nil:
			return true
		case a.LastActivity != nil && b.LastActivity != nil && !a.LastActivity.Equal(*b.LastActivity):
			return a.LastActivity.After(*b.LastActivity)
		}
		return a.UserID < b.UserID
	})

	entries := make([]models.LeaderboardEntry, len(sorted))
	for i, agg := range sorted {
		entries[i] = models.LeaderboardEntry{
			UserID:       agg.UserID,
			DisplayName:  agg.DisplayName,
			AvatarURL:    agg.AvatarURL,
			BestLevel:    agg.BestLevel,
			BestScore:    agg.BestLevel,
			TotalGold:    agg.TotalGold,
			GamesPlayed:  agg.GamesPlayed,
			LastActivity: agg.LastActivity,
			RankPosition: i + 1,
			Tier:         TierForLevel(agg.BestLevel),
			UpdatedAt:    now,
		}
	}
	return entries
}

// Rebuild recomputes the whole view and broadcasts it when the top changed.
// It returns the number of rows written. Store failures are ErrPersistenceFailed.
func (a *LeaderboardAggregator) Rebuild(ctx context.Context) (int64, error) {
	a.rebuildMu.Lock()
	defer a.rebuildMu.Unlock()

	aggs, err := a.store.AggregateScores(ctx)
	if err != nil {
		return 0, withMessage(ErrPersistenceFailed, "rebuild leaderboard: %v", err)
	}
	now := a.Now()
	entries := RankAggregates(aggs, now)

	rows, err := a.store.ReplaceLeaderboard(ctx, entries)
	if err != nil {
		return 0, withMessage(ErrPersistenceFailed, "rebuild leaderboard: %v", err)
	}
	a.rebuilds.Add(1)

	top := entries
	if len(top) > a.cfg.Size {
		top = top[:a.cfg.Size]
	}

	a.mu.Lock()
	changed := !sameRanking(a.top, top)
	a.top = top
	a.builtAt = now
	a.mu.Unlock()

	if changed && a.hub != nil {
		a.hub.Publish(TopicLeaderboard, Event{
			Type:    EventLeaderboardUpdate,
			Payload: LeaderboardUpdate{Leaderboard: top, Timestamp: now},
		})
	}
	return rows, nil
}

func sameRanking(a, b []models.LeaderboardEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.UserID != y.UserID || x.RankPosition != y.RankPosition || x.BestLevel != y.BestLevel ||
			x.TotalGold != y.TotalGold || x.GamesPlayed != y.GamesPlayed || x.DisplayName != y.DisplayName {
			return false
		}
	}
	return true
}

// RequestRebuild never blocks; pending requests collapse into one.
func (a *LeaderboardAggregator) RequestRebuild() {
	select {
	case a.requests <- struct{}{}:
	default:
	}
}

func (a *LeaderboardAggregator) Rebuilds() int64 { return a.rebuilds.Load() }

func (a *LeaderboardAggregator) Start(ctx context.Context) {
	log.Println("🔁 Starting leaderboard aggregator…")
	if _, err := a.Rebuild(ctx); err != nil {
		log.Printf("⚠️ Initial leaderboard rebuild failed: %v", err)
	}
	go a.run(ctx)
}

func (a *LeaderboardAggregator) run(ctx context.Context) {
	last := a.Now()
	for {
		select {
		case <-ctx.Done():
			log.Println("⏹️ Leaderboard aggregator stopped")
			return
		case <-a.requests:
		}

		if wait := a.cfg.Interval - a.Now().Sub(last); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				log.Println("⏹️ Leaderboard aggregator stopped")
				return
			case <-timer.C:
			}
		}
		// Anything requested while waiting is covered by this rebuild.
		select {
		case <-a.requests:
		default:
		}

		last = a.Now()
		if _, err := a.Rebuild(ctx); err != nil {
			log.Printf("[LEADERBOARD] ❌ Rebuild failed: %v", err)
		}
	}
}

// Snapshot returns the cached top of the last rebuild.
func (a *LeaderboardAggregator) Snapshot() LeaderboardUpdate {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return LeaderboardUpdate{
		Leaderboard: append([]models.LeaderboardEntry{}, a.top...),
		Timestamp:   a.builtAt,
	}
}

func (a *LeaderboardAggregator) GetTop(ctx context.Context, n int) ([]models.LeaderboardEntry, error) {
	return a.Page(ctx, n, 0)
}

func (a *LeaderboardAggregator) Page(ctx context.Context, limit, offset int) ([]models.LeaderboardEntry, error) {
	if limit <= 0 || limit > a.cfg.Size {
		limit = a.cfg.Size
	}
	if offset < 0 {
		offset = 0
	}
	return a.store.GetLeaderboard(ctx, limit, offset)
}

// GetByUser returns nil without error for users with no scores.
func (a *LeaderboardAggregator) GetByUser(ctx context.Context, userID string) (*models.LeaderboardEntry, error) {
	entry, err := a.store.GetLeaderboardEntry(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return entry, err
}

// Archive uploads the current snapshot to object storage. It is a no-op
// without an archiver.
func (a *LeaderboardAggregator) Archive(ctx context.Context) (string, error) {
	if a.archiver == nil {
		return "", nil
	}
	snap := a.Snapshot()
	if len(snap.Leaderboard) == 0 {
		return "", nil
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("marshal leaderboard snapshot: %w", err)
	}
	key := fmt.Sprintf("%s/%s/%d.json", a.cfg.ArchivePrefix, snap.Timestamp.UTC().Format("2006/01/02"), snap.Timestamp.Unix())
	url, err := a.archiver.PutJSON(ctx, key, body)
	if err != nil {
		return "", withMessage(ErrPersistenceFailed, "archive leaderboard: %v", err)
	}
	log.Printf("✅ [LEADERBOARD] Archived snapshot to %s", url)
	return url, nil
}
