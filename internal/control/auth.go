package control

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const maxTimestampSkew = 120 * time.Second

// authMiddleware verifies the X-TinyCam-Auth header against a base64
// HMAC-SHA256 of the raw request body under managementKey, and rejects
// any body whose "ts" field has drifted more than maxTimestampSkew from
// now (§4.9). It buffers the body so downstream handlers can still bind
// it with ShouldBindJSON.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(s.managementKey) == 0 {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(raw))

		sig := c.GetHeader("X-TinyCam-Auth")
		if sig == "" || !s.verifySignature(raw, sig) {
			s.metrics.RecordAuthFailure()
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		if len(raw) > 0 {
			var ts struct {
				TS int64 `json:"ts"`
			}
			if err := json.Unmarshal(raw, &ts); err != nil {
				c.AbortWithStatus(http.StatusUnauthorized)
				return
			}
			skew := time.Since(time.Unix(ts.TS, 0))
			if skew < 0 {
				skew = -skew
			}
			if skew > maxTimestampSkew {
				s.metrics.RecordAuthFailure()
				c.AbortWithStatus(http.StatusUnauthorized)
				return
			}
		}

		c.Next()
	}
}

func (s *Server) verifySignature(body []byte, sigB64 string) bool {
	want, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.managementKey)
	mac.Write(body)
	got := mac.Sum(nil)
	return hmac.Equal(got, want)
}
