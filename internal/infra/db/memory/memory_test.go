//go:build !integration

package memory

import (
	"testing"
	"time"

	"hydration-queue/internal/domain/ports/repository"
	"hydration-queue/internal/infra/db/storetest"
)

func TestJobRepo(t *testing.T) {
	storetest.RunJobRepository(t, func(t *testing.T, now func() time.Time) repository.JobRepository {
		return NewJobRepo(WithClock(now))
	})
}

func TestQuotaRepo(t *testing.T) {
	storetest.RunQuotaRepository(t, func(t *testing.T) repository.QuotaRepository {
		return NewQuotaRepo()
	})
}
