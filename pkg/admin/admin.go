// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package admin serves the operational HTTP endpoints of a running engine:
// /metrics for Prometheus, /status with a JSON summary and /healthz.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/engine"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/metrics"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/sentry"
)

// statusTimeout bounds how long a request waits for the engine's queue.
const statusTimeout = 2 * time.Second

// StatusProvider is the part of the engine the endpoints read.
type StatusProvider interface {
	Status(ctx context.Context) (engine.Status, error)
}

// NewRouter builds the handler. It does not start listening.
func NewRouter(provider StatusProvider, log *zap.SugaredLogger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debugf("%s %s %d %v", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	})

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	router.GET("/status", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), statusTimeout)
		defer cancel()

		status, err := provider.Status(ctx)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})

			return
		}

		c.JSON(http.StatusOK, status)
	})

	router.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), statusTimeout)
		defer cancel()

		// A status round trip proves the queue is still processing.
		if _, err := provider.Status(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})

			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return router
}

// Server is a started admin endpoint.
type Server struct {
	srv *http.Server
	log *zap.SugaredLogger
}

// Start serves the router on addr in the background.
func Start(addr string, provider StatusProvider, log *zap.SugaredLogger) *Server {
	s := &Server{
		srv: &http.Server{
			Addr:        addr,
			Handler:     NewRouter(provider, log),
			ReadTimeout: 5 * time.Second,
		},
		log: log,
	}

	go func() {
		log.Infof("Starting admin server on %s", addr)

		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.ReportIssue(err, sentry.IssueTypeError, log)
		}
	}()

	return s
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
