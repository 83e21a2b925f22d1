package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	ReplayedHeader    = "Idempotent-Replayed"
)

// noisyPaths are high-frequency read paths logged at Debug to keep Info clean.
var noisyPaths = map[string]bool{
	"/api/status":   true,
	"/api/tasks/":   true,
	"/api/workers/": true,
	"/api/ws":       true,
}

func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if c.Request.Method == "OPTIONS" {
			return
		}
		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		}
		if c.Request.Method == "GET" && noisyPaths[c.Request.URL.Path] {
			slog.Debug("request", attrs...)
			return
		}
		slog.Info("request", attrs...)
	}
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS, PUT")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+IdempotencyHeader)
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// ResponseStore keeps replayable responses. *cache.Cache satisfies it.
type ResponseStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type storedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// IdempotencyMiddleware replays the stored response when a mutating request
// repeats an Idempotency-Key, so a retried submit does not enqueue twice.
// Server errors are not stored. A repeat that arrives while the first request
// is still running gets 409.
func IdempotencyMiddleware(store ResponseStore, ttl time.Duration) gin.HandlerFunc {
	var (
		mu       sync.Mutex
		inFlight = make(map[string]struct{})
	)

	return func(c *gin.Context) {
		key := c.GetHeader(IdempotencyHeader)
		if key == "" || (c.Request.Method != http.MethodPost && c.Request.Method != http.MethodDelete) {
			c.Next()
			return
		}
		key = c.Request.Method + " " + c.Request.URL.Path + " " + key
		ctx := c.Request.Context()

		if replay(c, store, key) {
			return
		}

		mu.Lock()
		if _, busy := inFlight[key]; busy {
			mu.Unlock()
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "request with this idempotency key is in progress"})
			return
		}
		inFlight[key] = struct{}{}
		mu.Unlock()

		defer func() {
			mu.Lock()
			delete(inFlight, key)
			mu.Unlock()
		}()

		// The first request may have stored its response and released the
		// key between the lookup above and the claim.
		if replay(c, store, key) {
			return
		}

		w := &capturingWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		status := w.Status()
		if status >= http.StatusInternalServerError || !json.Valid(w.body.Bytes()) {
			return
		}
		data, err := json.Marshal(storedResponse{Status: status, Body: w.body.Bytes()})
		if err != nil {
			return
		}
		if err := store.Set(ctx, key, data, ttl); err != nil {
			slog.WarnContext(ctx, "idempotency: store response", "error", err)
		}
	}
}

// replay writes the stored response for key, if any, and aborts the chain.
func replay(c *gin.Context, store ResponseStore, key string) bool {
	data, err := store.Get(c.Request.Context(), key)
	if err != nil {
		return false
	}
	var resp storedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return false
	}
	c.Header(ReplayedHeader, "true")
	c.Data(resp.Status, "application/json; charset=utf-8", resp.Body)
	c.Abort()
	return true
}

type capturingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *capturingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}
