package opsapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"shamebot/internal/dispatch"
	"shamebot/internal/domain"
	rtsup "shamebot/internal/runtime/supervisor"
	"shamebot/internal/task/engine"
	logx "shamebot/pkg/logx"
)

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type healthResponse struct {
	Status      string                              `json:"status"`
	Uptime      string                              `json:"uptime"`
	Dispatcher  *dispatch.Stats                     `json:"dispatcher,omitempty"`
	Engine      *engine.Snapshot                    `json:"engine,omitempty"`
	Supervisors map[string]rtsup.SupervisorSnapshot `json:"supervisors,omitempty"`
}

type jobsResponse struct {
	TaskID uuid.UUID    `json:"task_id"`
	Jobs   []domain.Job `json:"jobs"`
}

func (s *Service) health(w http.ResponseWriter, r *http.Request) {
	out := healthResponse{Status: "ok", Uptime: time.Since(s.started).Round(time.Second).String()}
	if s.src.Dispatcher != nil {
		st := s.src.Dispatcher()
		out.Dispatcher = &st
	}
	if s.src.Engine != nil {
		snap := s.src.Engine()
		out.Engine = &snap
	}
	if s.src.Supervisors != nil {
		out.Supervisors = map[string]rtsup.SupervisorSnapshot{}
		for name, sup := range s.src.Supervisors() {
			if sup == nil {
				continue
			}
			snap := sup.Snapshot()
			if snap.FirstError != "" {
				out.Status = "degraded"
			}
			out.Supervisors[name] = snap
		}
	}
	respondJSON(w, s.log, http.StatusOK, out)
}

func (s *Service) listJobs(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	jobs, err := s.tracker.TaskJobs(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, s.log, http.StatusOK, jobsResponse{TaskID: id, Jobs: named(jobs)})
}

func (s *Service) reconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	jobs, err := s.tracker.Reconcile(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.log.Info("task reconciled via ops api", logx.String("task_id", id.String()), logx.Int("jobs", len(jobs)))
	respondJSON(w, s.log, http.StatusOK, jobsResponse{TaskID: id, Jobs: named(jobs)})
}

func (s *Service) taskID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		s.respondStatus(w, r, http.StatusBadRequest, "invalid task id")
		return uuid.Nil, false
	}
	return id, true
}

func named(jobs []domain.Job) []domain.Job {
	if jobs == nil {
		return []domain.Job{}
	}
	for i := range jobs {
		if jobs[i].KindName == "" {
			jobs[i].KindName = jobs[i].Kind.String()
		}
	}
	return jobs
}

func (s *Service) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	switch domain.KindOf(err) {
	case domain.KindNotFound:
		s.respondStatus(w, r, http.StatusNotFound, "task not found")
	case domain.KindInvalid:
		s.respondStatus(w, r, http.StatusBadRequest, "invalid request")
	case domain.KindConflict:
		s.respondStatus(w, r, http.StatusConflict, "conflict")
	default:
		s.log.Error("ops api request failed", logx.String("path", r.URL.Path), logx.String("request_id", middleware.GetReqID(r.Context())), logx.Err(err))
		s.respondStatus(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (s *Service) respondStatus(w http.ResponseWriter, r *http.Request, status int, msg string) {
	respondJSON(w, s.log, status, errorResponse{Error: msg, RequestID: middleware.GetReqID(r.Context())})
}

func respondJSON(w http.ResponseWriter, log logx.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("encode response", logx.Err(err))
	}
}

// requestLog logs each request through logx: server errors at warn, the
// rest at debug.
func requestLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			fields := []logx.Field{
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Int("bytes", ww.BytesWritten()),
				logx.Duration("dur", time.Since(start)),
				logx.String("request_id", middleware.GetReqID(r.Context())),
				logx.String("remote", r.RemoteAddr),
			}
			if ww.Status() >= http.StatusInternalServerError {
				log.Warn("http request", fields...)
				return
			}
			log.Debug("http request", fields...)
		})
	}
}

// bearer requires "Authorization: Bearer <token>" when token is set.
func bearer(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
