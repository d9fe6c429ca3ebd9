/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package middleware

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/blnkfinance/escrow/config"
	"github.com/blnkfinance/escrow/internal/apierror"
	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/gin-gonic/gin"
)

const KeyHeader = "X-Escrow-Key"

// abort writes the error envelope used by every handler and stops the chain.
func abort(c *gin.Context, status int, code apierror.ErrorCode, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   gin.H{"code": code, "message": message},
	})
}

// RateLimitMiddleware creates a middleware for rate limiting using Tollbooth
func RateLimitMiddleware(conf *config.Configuration) gin.HandlerFunc {
	if conf.RateLimit.RequestsPerSecond == nil || conf.RateLimit.Burst == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	rps := *conf.RateLimit.RequestsPerSecond
	burst := *conf.RateLimit.Burst
	ttl := time.Hour
	if conf.RateLimit.CleanupIntervalSec != nil {
		ttl = time.Duration(*conf.RateLimit.CleanupIntervalSec) * time.Second
	}

	lmt := tollbooth.NewLimiter(rps, &limiter.ExpirableOptions{
		DefaultExpirationTTL: ttl,
	})
	lmt.SetBurst(burst)
	return func(c *gin.Context) {
		httpError := tollbooth.LimitByRequest(lmt, c.Writer, c.Request)
		if httpError != nil {
			c.Header("Content-Type", "application/json")
			abort(c, httpError.StatusCode, apierror.ErrBadRequest, httpError.Message)
			return
		}
		c.Next()
	}
}

// SecretKeyAuthMiddleware checks the shared service key sent by the gateway.
// The root health route stays open.
func SecretKeyAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/" {
			c.Next()
			return
		}
		conf, err := config.Fetch()
		if err != nil || conf.Server.SecretKey == "" {
			abort(c, http.StatusInternalServerError, apierror.ErrInternalServer, "Secret key is not configured")
			return
		}

		clientSecret := c.GetHeader(KeyHeader)
		if clientSecret == "" {
			abort(c, http.StatusUnauthorized, apierror.ErrUnauthorized, "Missing secret key")
			return
		}

		if !secureCompare(conf.Server.SecretKey, clientSecret) {
			abort(c, http.StatusUnauthorized, apierror.ErrUnauthorized, "Invalid secret key")
			return
		}

		c.Next()
	}
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
