package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gonkalabs/gonka-anonymizer/internal/signer"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain wraps h so that the first middleware is the outermost.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// ---------- request id ----------

type ctxKey int

const requestIDKey ctxKey = iota

// HeaderRequestID carries the request id in both directions.
const HeaderRequestID = "X-Request-ID"

const maxRequestIDLen = 128

// RequestID echoes a caller-supplied X-Request-ID or generates one.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(HeaderRequestID))
			if id == "" || len(id) > maxRequestIDLen {
				id = uuid.NewString()
			}
			w.Header().Set(HeaderRequestID, id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
		})
	}
}

// RequestIDFrom returns the request id stored by RequestID, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// ---------- logging ----------

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Logging logs one line per request. Bodies are never logged.
func Logging() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			level := slog.LevelInfo
			if rec.status >= 500 {
				level = slog.LevelWarn
			}
			slog.Log(r.Context(), level, "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(start),
				"request_id", RequestIDFrom(r.Context()),
			)
		})
	}
}

// ---------- cors ----------

var corsAllowHeaders = strings.Join([]string{
	"Content-Type",
	"Authorization",
	"X-Requester-Address",
	"X-Timestamp",
	HeaderRequestID,
	HeaderMapping,
}, ", ")

// CORS allows browser pages from origins to call the API. "*" allows any
// origin. Preflight requests are answered with 204.
func CORS(origins []string) Middleware {
	allowAll := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[strings.TrimRight(o, "/")] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				h := w.Header()
				switch {
				case allowAll:
					h.Set("Access-Control-Allow-Origin", "*")
				case allowed[origin]:
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
				h.Set("Access-Control-Expose-Headers", HeaderRequestID+", "+TrailerError+", "+TrailerErrorKind)
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h := w.Header()
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ---------- auth ----------

// MaxClockSkew bounds how far X-Timestamp may be from the server clock.
const MaxClockSkew = 5 * time.Minute

// Auth requires every request except GET /health to be signed by one of
// addresses. That covers /api/ and anything mounted next to it, such as the
// MCP endpoint. An empty list disables the check. maxBody caps the body read
// for verification. A signature is accepted once; replays inside the
// timestamp window get 401.
func Auth(addresses []string, maxBody int64) Middleware {
	allowed := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		allowed[strings.ToLower(strings.TrimSpace(a))] = true
	}
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	seen := newReplayGuard()

	return func(next http.Handler) http.Handler {
		if len(allowed) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					writeServiceErr(w, r, &tooLargeError{limit: tooLarge.Limit})
					return
				}
				writeErr(w, http.StatusBadRequest, "failed to read body: "+err.Error())
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			now := time.Now()
			addr, err := verifyRequest(r, body, now)
			if err == nil && !allowed[strings.ToLower(addr)] {
				err = errors.New("address not allowed")
			}
			if err == nil && !seen.first(r.Header.Get("Authorization"), now) {
				err = errors.New("signature already used")
			}
			if err != nil {
				slog.Warn("auth: rejected request", "path", r.URL.Path, "request_id", RequestIDFrom(r.Context()), "err", err)
				writeErr(w, http.StatusUnauthorized, "unauthorized: "+err.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// replayGuard remembers accepted signatures until their timestamp can no
// longer pass the skew check.
type replayGuard struct {
	mu        sync.Mutex
	expires   map[string]time.Time
	nextPrune time.Time
}

func newReplayGuard() *replayGuard {
	return &replayGuard{expires: make(map[string]time.Time)}
}

// first records sig and reports whether it had not been seen before.
func (g *replayGuard) first(sig string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if now.After(g.nextPrune) {
		for k, exp := range g.expires {
			if now.After(exp) {
				delete(g.expires, k)
			}
		}
		g.nextPrune = now.Add(MaxClockSkew)
	}

	if exp, ok := g.expires[sig]; ok && !now.After(exp) {
		return false
	}
	g.expires[sig] = now.Add(2 * MaxClockSkew)
	return true
}

func verifyRequest(r *http.Request, body []byte, now time.Time) (string, error) {
	sig := r.Header.Get("Authorization")
	claimed := strings.TrimSpace(r.Header.Get("X-Requester-Address"))
	tsRaw := r.Header.Get("X-Timestamp")
	if sig == "" || claimed == "" || tsRaw == "" {
		return "", errors.New("missing Authorization, X-Requester-Address or X-Timestamp")
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return "", errors.New("invalid X-Timestamp")
	}
	skew := now.Sub(time.Unix(0, ts))
	if skew > MaxClockSkew || skew < -MaxClockSkew {
		return "", errors.New("timestamp outside allowed window")
	}
	addr, err := signer.Verify(sig, body, ts, r.Method, r.URL.Path)
	if err != nil {
		return "", err
	}
	if !strings.EqualFold(addr, claimed) {
		return "", errors.New("signature does not match X-Requester-Address")
	}
	return addr, nil
}
