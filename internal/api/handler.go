package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gonkalabs/gonka-anonymizer/internal/anon"
	"github.com/gonkalabs/gonka-anonymizer/internal/audit"
)

// DefaultMaxBodyBytes caps request bodies when no limit is configured.
const DefaultMaxBodyBytes = 1 << 20

const (
	HeaderMapping     = anon.HeaderMapping
	TrailerError      = anon.TrailerError
	TrailerErrorKind  = anon.TrailerErrorKind
	streamWriteChunks = 4096
)

// Handler implements all HTTP endpoints.
type Handler struct {
	svc      anon.Service
	recorder audit.Recorder // nil when auditing is disabled
	maxBody  int64
}

// Option configures a Handler.
type Option func(*Handler)

// WithRecorder records every operation in rec.
func WithRecorder(rec audit.Recorder) Option {
	return func(h *Handler) {
		h.recorder = rec
	}
}

// WithMaxBodyBytes caps request bodies at n bytes.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// New creates a Handler backed by svc.
func New(svc anon.Service, opts ...Option) *Handler {
	h := &Handler{
		svc:     svc,
		maxBody: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts routes on the given mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("POST /api/anonymize", h.anonymize)
	mux.HandleFunc("POST /api/deanonymize", h.deanonymize)
	mux.HandleFunc("POST /api/deanonymize/stream", h.deanonymizeStream)
}

// ---------- endpoints ----------

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) anonymize(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req struct {
		Text *string `json:"text"`
	}
	body, err := h.readJSON(w, r, &req)
	if err == nil && req.Text == nil {
		err = fmt.Errorf("%w: missing field \"text\"", anon.ErrInvalidInput)
	}
	if err != nil {
		h.record(r, audit.Operation{Op: audit.OpAnonymize, InputBytes: len(body)}, start, err)
		writeServiceErr(w, r, err)
		return
	}

	doc, err := h.svc.Anonymize(r.Context(), *req.Text)
	op := audit.Operation{Op: audit.OpAnonymize, InputBytes: len(*req.Text)}
	if err == nil {
		op.OutputBytes = len(doc.AnonymizedText)
		op.Labels, op.Entities = audit.CountEntities(doc.Mapping)
	}
	h.record(r, op, start, err)
	if err != nil {
		writeServiceErr(w, r, err)
		return
	}

	slog.Info("anonymize", "request_id", RequestIDFrom(r.Context()), "entities", op.Entities, "text_len", op.InputBytes)
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) deanonymize(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req struct {
		AnonymizedText *string       `json:"anonymized_text"`
		Mapping        *anon.Mapping `json:"mapping"`
	}
	body, err := h.readJSON(w, r, &req)
	if err == nil {
		switch {
		case req.AnonymizedText == nil:
			err = fmt.Errorf("%w: missing field \"anonymized_text\"", anon.ErrInvalidInput)
		case req.Mapping == nil:
			err = fmt.Errorf("%w: missing field \"mapping\"", anon.ErrInvalidInput)
		}
	}
	if err != nil {
		h.record(r, audit.Operation{Op: audit.OpDeanonymize, InputBytes: len(body)}, start, err)
		writeServiceErr(w, r, err)
		return
	}

	text, err := h.svc.Deanonymize(r.Context(), *req.AnonymizedText, *req.Mapping)
	op := audit.Operation{Op: audit.OpDeanonymize, InputBytes: len(*req.AnonymizedText), OutputBytes: len(text)}
	op.Labels, op.Entities = audit.CountEntities(*req.Mapping)
	h.record(r, op, start, err)
	if err != nil {
		writeServiceErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, anon.DeanonymizeResponse{Text: text})
}

// deanonymizeStream restores placeholders in a text/plain body while it is
// being uploaded. The mapping is sent base64-encoded in the X-Anonymizer-Mapping
// header. An unresolved placeholder found after the response has started is
// reported in the X-Anonymizer-Error trailers and the body is cut short.
func (h *Handler) deanonymizeStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	op := audit.Operation{Op: audit.OpDeanonymize}

	m, err := mappingFromHeader(r.Header.Get(HeaderMapping))
	if err != nil {
		h.record(r, op, start, err)
		writeServiceErr(w, r, err)
		return
	}
	op.Labels, op.Entities = audit.CountEntities(m)

	src, err := anon.NewRestoringReader(http.MaxBytesReader(w, r.Body, h.maxBody), m)
	if err != nil {
		h.record(r, op, start, err)
		writeServiceErr(w, r, err)
		return
	}

	// Restore the first chunk before committing to 200 so that early
	// failures still get a proper status.
	buf := make([]byte, streamWriteChunks)
	n, readErr := src.Read(buf)
	if readErr != nil && readErr != io.EOF {
		h.record(r, op, start, readErr)
		writeServiceErr(w, r, readErr)
		return
	}

	w.Header().Set("Trailer", TrailerError+", "+TrailerErrorKind)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Warn("response writer does not support flushing")
	}

	for {
		if n > 0 {
			op.OutputBytes += n
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				slog.Error("client write error", "err", writeErr)
				h.record(r, op, start, nil)
				return
			}
			if ok {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				slog.Warn("deanonymize stream failed", "request_id", RequestIDFrom(r.Context()), "err", readErr)
				w.Header().Set(TrailerError, readErr.Error())
				w.Header().Set(TrailerErrorKind, string(anon.KindOf(readErr)))
				h.record(r, op, start, readErr)
				return
			}
			h.record(r, op, start, nil)
			return
		}
		n, readErr = src.Read(buf)
	}
}

// ---------- helpers ----------

// readJSON reads the size-limited body and decodes it into v. Syntax and
// shape errors wrap ErrInvalidInput; mapping errors keep ErrMalformedMapping.
func (h *Handler) readJSON(w http.ResponseWriter, r *http.Request, v any) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return body, &tooLargeError{limit: tooLarge.Limit}
		}
		return body, fmt.Errorf("%w: read body: %v", anon.ErrInvalidInput, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		if errors.Is(err, anon.ErrMalformedMapping) {
			return body, err
		}
		return body, fmt.Errorf("%w: %v", anon.ErrInvalidInput, err)
	}
	return body, nil
}

func mappingFromHeader(raw string) (anon.Mapping, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: missing %s header", anon.ErrInvalidInput, HeaderMapping)
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", anon.ErrInvalidInput, HeaderMapping, err)
	}
	var m anon.Mapping
	if err := json.Unmarshal(data, &m); err != nil {
		if errors.Is(err, anon.ErrMalformedMapping) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", anon.ErrInvalidInput, HeaderMapping, err)
	}
	return m, nil
}

// record stores op when auditing is enabled. Failures are logged and never
// reach the caller.
func (h *Handler) record(r *http.Request, op audit.Operation, start time.Time, err error) {
	if h.recorder == nil {
		return
	}
	op.Duration = time.Since(start)
	if err != nil {
		op.Kind = string(anon.KindOf(err))
		if op.Kind == "" {
			op.Kind = "internal"
		}
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
	defer cancel()
	if recErr := h.recorder.Record(ctx, op); recErr != nil {
		slog.Warn("audit: record failed", "op", op.Op, "err", recErr)
	}
}

type tooLargeError struct {
	limit int64
}

func (e *tooLargeError) Error() string {
	return fmt.Sprintf("request body exceeds %d bytes", e.limit)
}

func (e *tooLargeError) Unwrap() error { return anon.ErrInvalidInput }

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	var tooLarge *tooLargeError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	switch anon.KindOf(err) {
	case anon.KindInvalidInput:
		return http.StatusBadRequest
	case anon.KindMalformedMapping, anon.KindUnresolvedPlaceholder:
		return http.StatusUnprocessableEntity
	case anon.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.Canceled) {
		// The client is gone; the status is only seen in logs.
		return 499
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeServiceErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	kind := anon.KindOf(err)
	if status == http.StatusServiceUnavailable {
		kind = anon.KindServiceUnavailable
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("internal error", "request_id", RequestIDFrom(r.Context()), "err", err)
		msg = "internal error"
	}
	writeJSON(w, status, anon.ErrorResponse{Error: msg, Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, anon.ErrorResponse{Error: msg})
}
