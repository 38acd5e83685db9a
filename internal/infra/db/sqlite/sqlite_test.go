//go:build !integration

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"hydration-queue/internal/domain"
	"hydration-queue/internal/domain/model"
	"hydration-queue/internal/domain/ports/repository"
	"hydration-queue/internal/infra/db/storetest"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestJobRepo(t *testing.T) {
	storetest.RunJobRepository(t, func(t *testing.T, now func() time.Time) repository.JobRepository {
		return NewJobRepo(openTestDB(t), WithClock(now))
	})
}

func TestQuotaRepo(t *testing.T) {
	storetest.RunQuotaRepository(t, func(t *testing.T) repository.QuotaRepository {
		return NewQuotaRepo(openTestDB(t))
	})
}

func TestJobRepo_DuplicateID(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepo(openTestDB(t))
	job, _ := model.NewJob("u1", model.JobKindBarcodeAnalysis, []byte(`{"code":"5449000000996"}`), 3)

	if err := repo.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := repo.Enqueue(ctx, job); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for a duplicate id, got %v", err)
	}
	if err := repo.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
