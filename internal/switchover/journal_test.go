package switchover

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/wardline/failover/internal/core/domain"
	"github.com/wardline/failover/internal/kvstore"
	"github.com/wardline/failover/internal/kvstore/memory"
)

func journalLog(i int, at time.Time) *domain.SwitchLog {
	return &domain.SwitchLog{
		ID:           fmt.Sprintf("log-%02d", i),
		FromServerID: "ward-a",
		ToServerID:   "ward-b",
		Status:       domain.SwitchStatusCompleted,
		Success:      true,
		StartedAt:    at,
	}
}

func TestJournalHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	j := NewJournal(memory.New())

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		if err := j.Save(ctx, journalLog(i, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	logs, err := j.History(ctx, 3)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("len = %d, want 3", len(logs))
	}
	for i, want := range []string{"log-04", "log-03", "log-02"} {
		if logs[i].ID != want {
			t.Errorf("logs[%d].ID = %s, want %s", i, logs[i].ID, want)
		}
	}
}

func TestJournalSaveUpserts(t *testing.T) {
	ctx := context.Background()
	j := NewJournal(memory.New())

	l := journalLog(0, time.Now())
	l.Status = domain.SwitchStatusInProgress
	l.Success = false
	if err := j.Save(ctx, l); err != nil {
		t.Fatalf("save: %v", err)
	}

	l.Status = domain.SwitchStatusCompleted
	l.Success = true
	l.Attempts = 2
	if err := j.Save(ctx, l); err != nil {
		t.Fatalf("resave: %v", err)
	}

	logs, err := j.History(ctx, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("len = %d, want 1 entry after upsert", len(logs))
	}
	if logs[0].Status != domain.SwitchStatusCompleted || logs[0].Attempts != 2 {
		t.Errorf("stored log = %+v, want the updated state", logs[0])
	}
}

func TestJournalPruneKeepsNewest(t *testing.T) {
	ctx := context.Background()
	j := NewJournal(memory.New())

	base := time.Now().Add(-24 * time.Hour)
	for i := 0; i < journalKeep+5; i++ {
		if err := j.Save(ctx, journalLog(i, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	j.Prune(ctx)

	logs, err := j.History(ctx, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(logs) != journalKeep {
		t.Fatalf("len = %d, want %d after prune", len(logs), journalKeep)
	}
	if got := logs[len(logs)-1].ID; got != "log-05" {
		t.Errorf("oldest retained = %s, want log-05", got)
	}
	if got := logs[0].ID; got != fmt.Sprintf("log-%02d", journalKeep+4) {
		t.Errorf("newest retained = %s", got)
	}
}

func TestJournalSkipsUnreadableEntries(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	j := NewJournal(store)

	if err := j.Save(ctx, journalLog(0, time.Now())); err != nil {
		t.Fatalf("save: %v", err)
	}
	bad := kvstore.AppKey(kvstore.CategoryMeta, journalPrefix+"123-bad")
	if err := store.Set(ctx, bad, []byte("{not json")); err != nil {
		t.Fatalf("seed corrupt entry: %v", err)
	}
	// Other meta entries share the category but not the name prefix.
	marker := kvstore.AppKey(kvstore.CategoryMeta, "schema_version")
	if err := store.Set(ctx, marker, []byte("2")); err != nil {
		t.Fatalf("seed marker: %v", err)
	}

	logs, err := j.History(ctx, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(logs) != 1 || logs[0].ID != "log-00" {
		t.Fatalf("logs = %+v, want only the readable journal entry", logs)
	}
}
