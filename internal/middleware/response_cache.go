package middleware

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lms-enrolment-api/internal/models"
	"github.com/noah-isme/lms-enrolment-api/internal/service"
)

type cachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Body        []byte `json:"body"`
}

type captureWriter struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

// ResponseCache serves GET responses from Redis. Entries are keyed per user so
// role-filtered payloads never leak between accounts. Only 200 responses are
// stored.
func ResponseCache(cache *service.CacheService, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cache.Enabled() || c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		key := cacheKey(c)
		var cached cachedResponse
		if hit, _ := cache.Get(c.Request.Context(), key, &cached); hit {
			SetCacheHit(c, true)
			c.Data(cached.Status, cached.ContentType, cached.Body)
			c.Abort()
			return
		}
		SetCacheHit(c, false)

		writer := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = writer
		c.Next()

		if writer.Status() != http.StatusOK {
			return
		}
		entry := cachedResponse{
			Status:      writer.Status(),
			ContentType: writer.Header().Get("Content-Type"),
			Body:        writer.buf.Bytes(),
		}
		_ = cache.Set(c.Request.Context(), key, entry, ttl)
	}
}

func cacheKey(c *gin.Context) string {
	actor := "anonymous"
	if v, ok := c.Get(ContextUserKey); ok {
		if claims, ok := v.(*models.JWTClaims); ok {
			actor = claims.UserID
		}
	}
	return "resp:" + actor + ":" + c.Request.URL.RequestURI()
}
