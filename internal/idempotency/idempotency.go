// Package idempotency replays the stored response of a POST that carries an
// Idempotency-Key already seen for the same actor and path.
package idempotency

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	redisadapter "github.com/robertarktes/ticket-issuance/internal/adapters/redis"
	"github.com/robertarktes/ticket-issuance/internal/observability"
)

const (
	HeaderKey      = "Idempotency-Key"
	HeaderReplayed = "Idempotent-Replayed"

	lockTTL = 30 * time.Second
)

type Backend interface {
	Get(ctx context.Context, key string) (*redisadapter.IdempResponse, error)
	Set(ctx context.Context, key string, resp redisadapter.IdempResponse, ttl time.Duration) error
	Lock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

type Idempotency struct {
	backend Backend
	ttl     time.Duration
	logger  observability.Logger
}

func NewIdempotency(backend Backend, ttl time.Duration, logger observability.Logger) *Idempotency {
	return &Idempotency{backend: backend, ttl: ttl, logger: logger}
}

type Response struct {
	Status      int
	ContentType string
	Result      []byte
}

func (i *Idempotency) Get(ctx context.Context, key string) (*Response, error) {
	stored, err := i.backend.Get(ctx, key)
	if err != nil || stored == nil {
		return nil, err
	}
	return &Response{Status: stored.Status, ContentType: stored.ContentType, Result: stored.Result}, nil
}

func (i *Idempotency) Set(ctx context.Context, key string, resp Response) error {
	return i.backend.Set(ctx, key, redisadapter.IdempResponse{
		Status:      resp.Status,
		ContentType: resp.ContentType,
		Result:      resp.Result,
	}, i.ttl)
}

// Middleware applies to POST requests with an Idempotency-Key. Responses
// with a 5xx status are not stored, so the request may be retried. A key
// still in flight answers 409. Backend failures let the request through.
func (i *Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(HeaderKey)
		if r.Method != http.MethodPost || header == "" {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		key := r.Header.Get("X-User-ID") + ":" + r.URL.Path + ":" + header
		log := i.logger.WithField("idempotency_key", header)

		stored, err := i.Get(ctx, key)
		if err != nil {
			log.Warn("idempotency lookup failed: ", err)
			next.ServeHTTP(w, r)
			return
		}
		if stored != nil {
			replay(w, *stored)
			return
		}

		locked, err := i.backend.Lock(ctx, key, lockTTL)
		if err != nil {
			log.Warn("idempotency lock failed: ", err)
			next.ServeHTTP(w, r)
			return
		}
		if !locked {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":"request with this idempotency key is in progress"}`))
			return
		}
		defer func() {
			if err := i.backend.Unlock(context.WithoutCancel(ctx), key); err != nil {
				log.Warn("idempotency unlock failed: ", err)
			}
		}()

		var body bytes.Buffer
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ww.Tee(&body)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if status >= 500 {
			return
		}
		resp := Response{Status: status, ContentType: ww.Header().Get("Content-Type"), Result: body.Bytes()}
		if err := i.Set(context.WithoutCancel(ctx), key, resp); err != nil {
			log.Warn("idempotency store failed: ", err)
		}
	})
}

func replay(w http.ResponseWriter, resp Response) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.Header().Set(HeaderReplayed, "true")
	w.WriteHeader(resp.Status)
	w.Write(resp.Result)
}
