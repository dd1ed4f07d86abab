package switchover

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/wardline/failover/internal/core/domain"
	"github.com/wardline/failover/internal/kvstore"
)

const (
	journalPrefix = "switch/"
	journalKeep   = 20
)

// Journal persists switch logs so switch history survives restarts.
// Entries are keyed by start time, newest retained up to a fixed cap.
type Journal struct {
	store kvstore.Store
}

// NewJournal creates a journal over the store.
func NewJournal(store kvstore.Store) *Journal {
	return &Journal{store: store}
}

// Save upserts the log's current state. Every phase transition goes
// through here, so a crash mid-switch leaves the last journaled state
// visible.
func (j *Journal) Save(ctx context.Context, l *domain.SwitchLog) error {
	raw, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode switch log: %w", err)
	}
	if err := j.store.Set(ctx, j.key(l), raw); err != nil {
		return fmt.Errorf("store switch log: %w", err)
	}
	return nil
}

// History returns persisted logs newest first, at most limit entries.
// Unreadable entries are skipped.
func (j *Journal) History(ctx context.Context, limit int) ([]*domain.SwitchLog, error) {
	keys, err := j.keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list switch logs: %w", err)
	}
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	logs := make([]*domain.SwitchLog, 0, len(keys))
	for _, k := range keys {
		raw, err := j.store.Get(ctx, k)
		if err != nil {
			continue
		}
		var l domain.SwitchLog
		if err := json.Unmarshal(raw, &l); err != nil {
			slog.Warn("Skipping unreadable switch log", "key", k.String(), "error", err)
			continue
		}
		logs = append(logs, &l)
	}
	return logs, nil
}

// Prune drops the oldest entries beyond the retention cap.
func (j *Journal) Prune(ctx context.Context) {
	keys, err := j.keys(ctx)
	if err != nil {
		slog.Warn("Pruning switch journal failed", "error", err)
		return
	}
	for _, k := range keys[min(journalKeep, len(keys)):] {
		if err := j.store.Delete(ctx, k); err != nil {
			slog.Warn("Pruning switch log failed", "key", k.String(), "error", err)
		}
	}
}

// keys lists journal keys newest first.
func (j *Journal) keys(ctx context.Context) ([]kvstore.Key, error) {
	all, err := j.store.List(ctx, kvstore.Prefix{Scope: kvstore.ScopeApp, Category: kvstore.CategoryMeta})
	if err != nil {
		return nil, err
	}
	var keys []kvstore.Key
	for _, k := range all {
		if strings.HasPrefix(k.Name, journalPrefix) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return journalTime(keys[i].Name) > journalTime(keys[j].Name)
	})
	return keys, nil
}

func (j *Journal) key(l *domain.SwitchLog) kvstore.Key {
	name := fmt.Sprintf("%s%d-%s", journalPrefix, l.StartedAt.UnixNano(), l.ID)
	return kvstore.AppKey(kvstore.CategoryMeta, name)
}

func journalTime(name string) int64 {
	rest := strings.TrimPrefix(name, journalPrefix)
	if i := strings.IndexByte(rest, '-'); i > 0 {
		if ts, err := strconv.ParseInt(rest[:i], 10, 64); err == nil {
			return ts
		}
	}
	return 0
}
