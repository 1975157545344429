package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/signet/internal/idempotency"
	"github.com/pitabwire/signet/internal/observability"
	"github.com/pitabwire/signet/model"
)

// ReplayedHeader marks a response served from the idempotency store.
const ReplayedHeader = "Idempotent-Replayed"

const (
	maxIdempotencyKeyLen  = 255
	defaultIdempotencyTTL = 24 * time.Hour
)

// Idempotent replays the stored response when a subject repeats a request
// with an X-Idempotency-Key it has used before. Requests without the header
// pass straight through. Reusing a key for a different request is a
// CONFLICT. Only 2xx responses are stored, so a failed attempt can be
// retried. Concurrent duplicates on one instance share a single execution.
func Idempotent(store idempotency.Store, ttl time.Duration, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	var inflight singleflight.Group

	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(idempotency.Header))
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKeyLen {
				WriteError(w, model.NewBadRequestError("X-Idempotency-Key must be at most 255 characters"))
				return
			}

			var body []byte
			if r.Body != nil {
				b, err := io.ReadAll(r.Body)
				if err != nil {
					WriteError(w, model.NewBadRequestError("request body too large"))
					return
				}
				body = b
				r.Body = io.NopCloser(bytes.NewReader(body))
			}

			scope := "anonymous"
			if rctx := model.RequestContextFrom(r.Context()); rctx != nil && rctx.SubjectID != "" {
				scope = rctx.SubjectID
			}
			storeKey := idempotency.FormatKey(scope, key)
			hash := idempotency.HashInput(r.Method, r.URL.Path, body)
			log := observability.LoggerFrom(r.Context(), logger)

			stored, found, err := store.Check(r.Context(), storeKey, hash)
			switch {
			case err != nil && found:
				WriteError(w, err)
				return
			case err != nil:
				log.Warn("idempotency lookup failed, executing request", zap.Error(err))
			case found:
				writeCaptured(w, captured{resp: *stored}, true)
				return
			}

			executed := false
			v, _, _ := inflight.Do(storeKey+"\x00"+hash, func() (any, error) {
				executed = true
				rec := newCaptureWriter()
				next.ServeHTTP(rec, r)
				c := rec.captured()
				if c.resp.Status >= 200 && c.resp.Status < 300 {
					sctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
					defer cancel()
					if err := store.Store(sctx, storeKey, hash, c.resp, ttl); err != nil {
						log.Warn("idempotency store failed", zap.Error(err))
					}
				}
				return c, nil
			})
			writeCaptured(w, v.(captured), !executed)
		})
	}
}

type captured struct {
	resp   idempotency.Response
	header http.Header
}

func writeCaptured(w http.ResponseWriter, c captured, replayed bool) {
	for k, vs := range c.header {
		w.Header()[k] = append([]string(nil), vs...)
	}
	if c.resp.ContentType != "" {
		w.Header().Set("Content-Type", c.resp.ContentType)
	}
	if replayed {
		w.Header().Set(ReplayedHeader, "true")
	}
	w.WriteHeader(c.resp.Status)
	_, _ = w.Write(c.resp.Body)
}

// captureWriter buffers a handler's response so it can be stored before
// it is sent.
type captureWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newCaptureWriter() *captureWriter {
	return &captureWriter{header: make(http.Header)}
}

func (c *captureWriter) Header() http.Header { return c.header }

func (c *captureWriter) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
	}
}

func (c *captureWriter) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	return c.body.Write(b)
}

func (c *captureWriter) captured() captured {
	status := c.status
	if status == 0 {
		status = http.StatusOK
	}
	return captured{
		resp: idempotency.Response{
			Status:      status,
			ContentType: c.header.Get("Content-Type"),
			Body:        c.body.Bytes(),
		},
		header: c.header.Clone(),
	}
}
