package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"hydration-queue/internal/domain/model"
)

type submitRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type submitResponse struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
}

// jobView is the status projection returned to the owner.
type jobView struct {
	JobID       string          `json:"job_id"`
	Kind        model.JobKind   `json:"kind"`
	Status      model.JobStatus `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

func newJobView(j *model.Job) jobView {
	v := jobView{
		JobID:       j.ID,
		Kind:        j.Kind,
		Status:      j.Status,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.CompletedAt,
	}
	switch j.Status {
	case model.JobStatusComplete:
		if json.Valid(j.Result) {
			v.Result = j.Result
		}
	case model.JobStatusError:
		v.Error = j.ErrorMessage
	}
	return v
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	job, err := s.deps.Jobs.Submit(r.Context(), ownerFrom(r.Context()), model.JobKind(req.Kind), req.Payload)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{Status: string(job.Status), JobID: job.ID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Status(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	usage, err := s.deps.Quota.Usage(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Items []model.QuotaStatus `json:"items"`
	}{Items: usage})
}

func (s *Server) handleSetTimezone(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Timezone string `json:"timezone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.deps.Quota.SetTimezone(r.Context(), ownerFrom(r.Context()), req.Timezone); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// opsContext detaches a trigger from its caller. A client that hangs up
// must not interrupt claimed jobs; only OpsTimeout bounds the run.
func (s *Server) opsContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), s.opsLimit)
}

func (s *Server) handleRunWorker(w http.ResponseWriter, r *http.Request) {
	if s.deps.Worker == nil {
		writeError(w, http.StatusNotImplemented, "worker is not wired in this process")
		return
	}
	ctx, cancel := s.opsContext(r)
	defer cancel()
	rep, err := s.deps.Worker.RunCycle(ctx)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleRunReaper(w http.ResponseWriter, r *http.Request) {
	if s.deps.Maintenance == nil {
		writeError(w, http.StatusNotImplemented, "reaper is not wired in this process")
		return
	}
	ctx, cancel := s.opsContext(r)
	defer cancel()
	rep, err := s.deps.Maintenance.Sweep(ctx)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleAdmission(w http.ResponseWriter, r *http.Request) {
	if s.deps.Admission == nil {
		writeError(w, http.StatusNotImplemented, "admission gateway is not wired in this process")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Admission.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			s.requestLog(r).Warn().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
