package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
)

const (
	responseMetaKey = "response_meta"
	requestStartKey = "request_start"
	metaCacheHitKey = "cache_hit"
	metaProcTimeKey = "processing_time_ms"
)

// WithResponseMeta seeds per-request metadata so handlers can enrich their
// response envelopes with cache and timing details.
func WithResponseMeta() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(requestStartKey, time.Now())
		c.Set(responseMetaKey, map[string]interface{}{})
		c.Next()
	}
}

// SetCacheHit marks whether the response was served from Redis.
func SetCacheHit(c *gin.Context, hit bool) {
	responseMeta(c)[metaCacheHitKey] = hit
}

// ExtractMeta returns the request's metadata map, stamping the elapsed
// handler time at the moment of extraction so it lands in the envelope.
func ExtractMeta(c *gin.Context) map[string]interface{} {
	if c == nil {
		return nil
	}
	meta := responseMeta(c)
	if start, ok := c.Get(requestStartKey); ok {
		if t, ok := start.(time.Time); ok {
			meta[metaProcTimeKey] = time.Since(t).Milliseconds()
		}
	}
	return meta
}

func responseMeta(c *gin.Context) map[string]interface{} {
	if c == nil {
		return map[string]interface{}{}
	}
	if v, ok := c.Get(responseMetaKey); ok {
		if meta, ok := v.(map[string]interface{}); ok {
			return meta
		}
	}
	meta := map[string]interface{}{}
	c.Set(responseMetaKey, meta)
	return meta
}
