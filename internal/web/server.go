// Package web is the JSON API surface over the booking service.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/example/court-scheduler/internal/auth"
	"github.com/example/court-scheduler/internal/booking"
	"github.com/example/court-scheduler/internal/scheduler"
	"github.com/example/court-scheduler/internal/store"
)

type Server struct {
	Auth *auth.Store
	Svc  *scheduler.Service
	Log  *slog.Logger
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /logout", s.handleLogout)

	mux.Handle("POST /api/reservations/continuous", s.Auth.RequireAuth(http.HandlerFunc(s.handleContinuous)))
	mux.Handle("POST /api/reservations/find-slot", s.Auth.RequireAuth(http.HandlerFunc(s.handleFindSlot)))
	mux.Handle("POST /api/reservations/watch-for-cancellations", s.Auth.RequireAuth(http.HandlerFunc(s.handleWatch)))
	mux.Handle("GET /api/reservations/jobs", s.Auth.RequireAuth(http.HandlerFunc(s.handleListJobs)))
	mux.Handle("GET /api/reservations/job/{id}", s.Auth.RequireAuth(http.HandlerFunc(s.handleGetJob)))
	mux.Handle("DELETE /api/reservations/job/{id}", s.Auth.RequireAuth(http.HandlerFunc(s.handleCancelJob)))

	return mux
}

// Start runs the HTTP server until ctx is cancelled.
func Start(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errc:
		return err
	}
}

// --- request/response shapes ---

type reservationRequest struct {
	Date      string `json:"date,omitempty"` // DD-MM-YYYY
	StartTime string `json:"start_time"`     // HH:MM, slots begin at XX:30
	EndTime   string `json:"end_time,omitempty"`
	Hours     int    `json:"hours"`
	NumCourts int    `json:"num_courts"`
	Email     string `json:"email"`
	Password  string `json:"password"`
}

type reservationView struct {
	Date     string `json:"date"`
	TimeSlot string `json:"time_slot"`
	Courts   []int  `json:"courts"`
}

type reservationResponse struct {
	Error         bool                `json:"error"`
	Message       string              `json:"message"`
	Reservations  []reservationView   `json:"reservations"`
	ScheduledJobs []scheduler.JobView `json:"scheduled_jobs"`
	Stats         map[string]int      `json:"stats"`
}

// --- handlers ---

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	uid, err := s.Auth.Authenticate(r.Context(), strings.TrimSpace(req.Username), req.Password)
	if err != nil {
		http.Error(w, "invalid username/password", http.StatusUnauthorized)
		return
	}
	if err := s.Auth.SetSession(w, r, uid); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.Auth.ClearSession(w)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleContinuous(w http.ResponseWriter, r *http.Request) {
	req, start, windowEnd, ok := s.decodeReservation(w, r, true)
	if !ok {
		return
	}
	s.audit(r, "continuous booking requested", "start", start)
	out, err := s.Svc.BookContinuous(r.Context(), req.Email, req.Password, start, req.Hours, req.NumCourts, windowEnd)
	s.respond(w, out, err)
}

func (s *Server) handleFindSlot(w http.ResponseWriter, r *http.Request) {
	req, start, windowEnd, ok := s.decodeReservation(w, r, false)
	if !ok {
		return
	}
	start = scheduler.Anchor(time.Now(), start, req.Date != "")
	s.audit(r, "slot search requested", "start", start)
	out, err := s.Svc.FindSlot(r.Context(), req.Email, req.Password, start, req.Hours, req.NumCourts, windowEnd)
	s.respond(w, out, err)
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	req, start, windowEnd, ok := s.decodeReservation(w, r, true)
	if !ok {
		return
	}
	s.audit(r, "cancellation watch requested", "start", start)
	out, err := s.Svc.WatchForCancellations(r.Context(), req.Email, req.Password, start, req.Hours, req.NumCourts, windowEnd)
	s.respond(w, out, err)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if email == "" {
		http.Error(w, "email query parameter required", http.StatusBadRequest)
		return
	}
	jobs, err := s.Svc.ListJobs(r.Context(), email)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"error":      false,
		"email":      email,
		"total_jobs": len(jobs),
		"jobs":       jobs,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	view, err := s.Svc.GetJob(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": true, "message": "job not found"})
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"error": false, "job": view})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.audit(r, "job cancellation requested", "job_id", id)
	ok, err := s.Svc.CancelJob(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": true, "message": "job not found or already finished"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"error": false, "message": fmt.Sprintf("job %s cancelled", id)})
}

// --- helpers ---

// audit records who triggered a mutating operation. The handlers only run
// behind RequireAuth, so a missing session id means a wiring bug and is
// logged as such.
func (s *Server) audit(r *http.Request, msg string, args ...any) {
	uid, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		s.Log.Error("request without session user", "path", r.URL.Path)
		return
	}
	s.Log.Info(msg, append([]any{"user", uid}, args...)...)
}

func (s *Server) decodeReservation(w http.ResponseWriter, r *http.Request, dateRequired bool) (reservationRequest, time.Time, *time.Time, bool) {
	var req reservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return req, time.Time{}, nil, false
	}
	if err := validate(req, dateRequired); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": true, "message": err.Error()})
		return req, time.Time{}, nil, false
	}

	date := req.Date
	if date == "" {
		date = time.Now().Format("02-01-2006")
	}
	start, err := parseDateTime(date, req.StartTime)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": true, "message": err.Error()})
		return req, time.Time{}, nil, false
	}

	var windowEnd *time.Time
	if req.EndTime != "" {
		end, err := parseDateTime(date, req.EndTime)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": true, "message": err.Error()})
			return req, time.Time{}, nil, false
		}
		windowEnd = &end
	}
	return req, start, windowEnd, true
}

func validate(req reservationRequest, dateRequired bool) error {
	if dateRequired && req.Date == "" {
		return fmt.Errorf("date is required (DD-MM-YYYY)")
	}
	if req.Hours < 1 {
		return fmt.Errorf("hours must be >= 1")
	}
	if req.NumCourts < 1 || req.NumCourts > booking.PoolSize {
		return fmt.Errorf("num_courts must be between 1 and %d", booking.PoolSize)
	}
	if req.Email == "" || req.Password == "" {
		return fmt.Errorf("email and password are required")
	}
	// the platform's bookable slots all begin at half past the hour
	if !strings.HasSuffix(req.StartTime, ":30") {
		return fmt.Errorf("start_time must be in XX:30 format")
	}
	if req.EndTime != "" {
		if !strings.HasSuffix(req.EndTime, ":30") {
			return fmt.Errorf("end_time must be in XX:30 format")
		}
		startMins, err1 := timeToMinutes(req.StartTime)
		endMins, err2 := timeToMinutes(req.EndTime)
		if err1 != nil || err2 != nil {
			return fmt.Errorf("invalid time format")
		}
		if endMins <= startMins {
			return fmt.Errorf("end_time must be after start_time")
		}
		if endMins-startMins < req.Hours*60 {
			return fmt.Errorf("time window (%dh) is too small for %d hours", (endMins-startMins)/60, req.Hours)
		}
	}
	return nil
}

func (s *Server) respond(w http.ResponseWriter, out scheduler.Outcome, err error) {
	resp := reservationResponse{
		Reservations:  []reservationView{},
		ScheduledJobs: []scheduler.JobView{},
		Stats:         map[string]int{"successful": 0, "failed": 0, "scheduled": 0},
	}

	switch {
	case err == nil && out.Job != nil:
		resp.Message = fmt.Sprintf("job scheduled, runs at %s", out.Job.RunAt.Format("2006-01-02 15:04"))
		resp.ScheduledJobs = append(resp.ScheduledJobs, *out.Job)
		resp.Stats["scheduled"] = 1
	case err == nil && out.Result != nil:
		for _, ph := range out.Result.Plan {
			resp.Reservations = append(resp.Reservations, reservationView{
				Date:     ph.Start.Format("02-01-2006"),
				TimeSlot: ph.Start.Format("15:04") + "-" + ph.Start.Add(time.Hour).Format("15:04"),
				Courts:   ph.Courts,
			})
		}
		resp.Message = fmt.Sprintf("booked %d continuous hour(s)", len(out.Result.Plan))
		resp.Stats["successful"] = len(out.Result.Plan)
	default:
		resp.Error = true
		resp.Message = err.Error()
		resp.Stats["failed"] = 1
		s.Log.Warn("booking request failed", "err", err)
	}

	writeJSON(w, http.StatusOK, resp)
}

func parseDateTime(date, tm string) (time.Time, error) {
	t, err := time.ParseInLocation("02-01-2006 15:04", date+" "+tm, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date/time (want DD-MM-YYYY and HH:MM)")
	}
	return t, nil
}

func timeToMinutes(tm string) (int, error) {
	t, err := time.Parse("15:04", tm)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
