// Package api exposes the dispatcher over HTTP for producers and for workers
// that run outside this process.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/SirClappington/invq/internal/dispatch"
	"github.com/SirClappington/invq/internal/domain"
	"github.com/SirClappington/invq/internal/queue"
	"github.com/SirClappington/invq/internal/retry"
	"github.com/SirClappington/invq/internal/storage"
)

const maxBodyBytes = 1 << 20

// confirmLease is how long /v1/complete holds the message while it records
// the outcome.
const confirmLease = 30 * time.Second

type Server struct {
	d     *dispatch.Dispatcher
	log   *zap.Logger
	clock clockwork.Clock
}

type Option func(*Server)

// WithClock sets the clock completion timestamps are taken from.
func WithClock(c clockwork.Clock) Option { return func(s *Server) { s.clock = c } }

func NewServer(d *dispatch.Dispatcher, log *zap.Logger, opts ...Option) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{d: d, log: log, clock: clockwork.NewRealClock()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) Routes() http.Handler {
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(s.logRequests)
	rtr.Use(middleware.Recoverer)

	rtr.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	rtr.Handle("/metrics", promhttp.Handler())

	rtr.Route("/v1", func(rtr chi.Router) {
		rtr.Post("/invocations", s.enqueue)
		rtr.Get("/invocations/{id}", s.get)
		rtr.Post("/lease", s.lease)
		rtr.Post("/lease/{messageID}/extend", s.extend)
		rtr.Post("/complete", s.complete(domain.Completed))
		rtr.Post("/fail", s.complete(domain.Failed))
	})
	return rtr
}

type enqueueRequest struct {
	Job      string          `json:"job"`
	Source   string          `json:"source,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	DelaySec int             `json:"delay_sec,omitempty"`
	TTLSec   int             `json:"ttl_sec,omitempty"`
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var in enqueueRequest
	if !s.decode(w, r, &in) {
		return
	}
	if in.Job == "" || in.DelaySec < 0 || in.TTLSec < 0 {
		s.fail(w, r, http.StatusBadRequest, errors.New("job is required; delay_sec and ttl_sec must not be negative"))
		return
	}

	inv := domain.NewInvocation(in.Job, in.Payload)
	inv.Source = in.Source
	opts := []dispatch.EnqueueOption{dispatch.WithVisibilityDelay(time.Duration(in.DelaySec) * time.Second)}
	if in.TTLSec > 0 {
		opts = append(opts, dispatch.WithTTL(time.Duration(in.TTLSec)*time.Second))
	}
	if err := s.d.Enqueue(r.Context(), inv, opts...); err != nil {
		s.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, inv)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, errors.New("invalid invocation id"))
		return
	}
	inv, err := s.d.Get(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

type leaseRequest struct {
	InvisibleForSec int `json:"invisible_for_sec,omitempty"`
}

type messageView struct {
	ID            string    `json:"id"`
	PopReceipt    string    `json:"pop_receipt"`
	DequeueCount  int64     `json:"dequeue_count"`
	NextVisibleAt time.Time `json:"next_visible_at"`
}

type leaseResponse struct {
	Invocation *domain.Invocation `json:"invocation"`
	Message    messageView        `json:"message"`
}

func (s *Server) lease(w http.ResponseWriter, r *http.Request) {
	var in leaseRequest
	if r.ContentLength != 0 && !s.decode(w, r, &in) {
		return
	}
	if in.InvisibleForSec < 0 {
		s.fail(w, r, http.StatusBadRequest, errors.New("invisible_for_sec must not be negative"))
		return
	}

	req, err := s.d.Dequeue(r.Context(), time.Duration(in.InvisibleForSec)*time.Second)
	var malformed *dispatch.MalformedMessageError
	if errors.As(err, &malformed) {
		s.log.Warn("discarding malformed message",
			zap.String("message_id", malformed.Message.ID),
			zap.String("body", malformed.Message.Body))
		err = s.d.Discard(r.Context(), malformed.Message)
	}
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if req == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	msg := req.Message()
	writeJSON(w, http.StatusOK, leaseResponse{
		Invocation: req.Invocation(),
		Message: messageView{
			ID:            msg.ID,
			PopReceipt:    msg.PopReceipt,
			DequeueCount:  msg.DequeueCount,
			NextVisibleAt: msg.NextVisibleAt,
		},
	})
}

type extendRequest struct {
	PopReceipt string `json:"pop_receipt"`
	Seconds    int    `json:"seconds"`
}

type extendResponse struct {
	PopReceipt    string    `json:"pop_receipt"`
	NextVisibleAt time.Time `json:"next_visible_at"`
}

func (s *Server) extend(w http.ResponseWriter, r *http.Request) {
	var in extendRequest
	if !s.decode(w, r, &in) {
		return
	}
	if in.PopReceipt == "" || in.Seconds <= 0 {
		s.fail(w, r, http.StatusBadRequest, errors.New("pop_receipt and a positive seconds are required"))
		return
	}

	req := s.d.Attach(queue.Handle(chi.URLParam(r, "messageID"), in.PopReceipt), nil)
	if err := req.Extend(r.Context(), time.Duration(in.Seconds)*time.Second); err != nil {
		s.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, extendResponse{
		PopReceipt:    req.Message().PopReceipt,
		NextVisibleAt: req.Message().NextVisibleAt,
	})
}

type completeRequest struct {
	MessageID     string        `json:"message_id"`
	PopReceipt    string        `json:"pop_receipt"`
	InvocationID  uuid.UUID     `json:"invocation_id"`
	Status        domain.Status `json:"status,omitempty"`
	ResultMessage string        `json:"result_message,omitempty"`
}

// complete records the outcome of a remotely handled delivery and then
// acknowledges it. The lease is confirmed first so a worker whose lease was
// taken over cannot overwrite the record.
func (s *Server) complete(defaultStatus domain.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in completeRequest
		if !s.decode(w, r, &in) {
			return
		}
		if in.MessageID == "" || in.PopReceipt == "" || in.InvocationID == uuid.Nil {
			s.fail(w, r, http.StatusBadRequest, errors.New("message_id, pop_receipt and invocation_id are required"))
			return
		}
		if in.Status == "" {
			in.Status = defaultStatus
		}

		ctx := r.Context()
		inv, err := s.d.Get(ctx, in.InvocationID)
		if err != nil {
			s.respondErr(w, r, err)
			return
		}
		if err := inv.Advance(in.Status); err != nil {
			s.respondErr(w, r, err)
			return
		}
		if in.ResultMessage != "" {
			inv.ResultMessage = in.ResultMessage
		}
		if inv.Status.Terminal() {
			now := s.clock.Now().UTC()
			inv.CompletedAt = &now
		}

		req := s.d.Attach(queue.Handle(in.MessageID, in.PopReceipt), inv)
		if err := req.Extend(ctx, confirmLease); err != nil {
			s.respondErr(w, r, err)
			return
		}
		if err := s.d.Update(ctx, inv); err != nil {
			s.respondErr(w, r, err)
			return
		}
		if err := req.Acknowledge(ctx); err != nil {
			s.respondErr(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.fail(w, r, http.StatusBadRequest, errors.New("invalid json body"))
		return false
	}
	return true
}

func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	s.fail(w, r, code, err)
}

func (s *Server) fail(w http.ResponseWriter, _ *http.Request, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrInvalidArgument), errors.Is(err, queue.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrConflict),
		errors.Is(err, queue.ErrReceiptMismatch),
		errors.Is(err, dispatch.ErrInvalidState),
		errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, queue.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, retry.ErrExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}
