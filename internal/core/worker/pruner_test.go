package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/notifyguard/internal/core/config"
	"github.com/vietddude/notifyguard/internal/core/domain"
	"github.com/vietddude/notifyguard/internal/infra/storage"
	"github.com/vietddude/notifyguard/internal/infra/storage/memory"
)

type failingRepo struct {
	storage.NotificationRepository
}

func (failingRepo) DeleteReadOlderThan(context.Context, time.Time, []string) (int64, error) {
	return 0, errors.New("db down")
}

func TestPrune_KeepsCapacityAndUnread(t *testing.T) {
	mem := memory.NewMemoryStorage()
	repo := memory.NewNotificationRepo(mem)
	ctx := context.Background()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-60 * 24 * time.Hour)

	seed := []*domain.NotificationRecord{
		{ID: "read-old", RecipientID: "u", Title: "a", Type: "contract_offer", CreatedAt: old},
		{ID: "unread-old", RecipientID: "u", Title: "b", Type: "contract_offer", CreatedAt: old},
		{ID: "read-new", RecipientID: "u", Title: "c", Type: "contract_offer", CreatedAt: now.Add(-time.Hour)},
		{ID: "cap-old", RecipientID: "u", ResourceID: "ann-1", Title: "d", Type: domain.NotificationTypeCapacityReached, CreatedAt: old},
	}
	for _, rec := range seed {
		if err := repo.Create(ctx, rec); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	for _, id := range []string{"read-old", "read-new", "cap-old"} {
		if err := repo.MarkRead(id, now.Add(-time.Minute)); err != nil {
			t.Fatalf("mark read: %v", err)
		}
	}

	p := NewPruner(config.RetentionConfig{MaxAge: 30 * 24 * time.Hour}, repo)
	p.now = func() time.Time { return now }

	n, err := p.Prune(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d, want 1", n)
	}

	left := map[string]bool{}
	for _, rec := range repo.All() {
		left[rec.ID] = true
	}
	for _, id := range []string{"unread-old", "read-new", "cap-old"} {
		if !left[id] {
			t.Errorf("%s should be kept", id)
		}
	}
	if left["read-old"] {
		t.Error("read-old should be pruned")
	}
}

func TestPrune_Error(t *testing.T) {
	p := NewPruner(config.RetentionConfig{MaxAge: time.Hour}, failingRepo{})
	if _, err := p.Prune(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestStart_DisabledReturns(t *testing.T) {
	p := NewPruner(config.RetentionConfig{}, failingRepo{})
	done := make(chan struct{})
	go func() {
		p.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled pruner should return immediately")
	}
}
