// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package healthcheck serves liveness and readiness probes for the worker.
package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPort is used when Config.Port is zero.
const DefaultPort = 8090

type Status int32

const (
	StatusStarting Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Response is the JSON body of every probe.
type Response struct {
	Healthy    bool            `json:"healthy"`
	Status     string          `json:"status"`
	Conditions map[string]bool `json:"conditions,omitempty"`
	Details    map[string]any  `json:"details,omitempty"`
}

// DetailsFunc supplies extra fields for the /healthz body.
type DetailsFunc func() map[string]any

type Server struct {
	port       int
	status     atomic.Int32
	ready      atomic.Bool
	conditions sync.Map // map[string]bool
	details    atomic.Pointer[DetailsFunc]
	server     *http.Server
	logger     *slog.Logger
}

type Config struct {
	Port int `mapstructure:"port"`
}

func NewServer(config Config) *Server {
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	return &Server{
		port:   config.Port,
		logger: slog.Default().With(slog.String("component", "healthcheck")),
	}
}

func (s *Server) Port() int {
	return s.port
}

func (s *Server) SetStatus(status Status) {
	s.status.Store(int32(status))
	s.logger.Debug("Health check status updated", slog.String("status", status.String()))
}

func (s *Server) GetStatus() Status {
	return Status(s.status.Load())
}

func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
	s.logger.Debug("Ready status updated", slog.Bool("ready", ready))
}

// SetReadyCondition sets a named readiness gate. Every condition must hold,
// along with the base ready flag, for IsReady to return true.
func (s *Server) SetReadyCondition(name string, ready bool) {
	s.conditions.Store(name, ready)
	s.logger.Debug("Ready condition updated", slog.String("condition", name), slog.Bool("ready", ready))
}

// ClearReadyCondition removes a named readiness condition entirely.
func (s *Server) ClearReadyCondition(name string) {
	s.conditions.Delete(name)
}

// SetDetails registers fn to decorate /healthz responses.
func (s *Server) SetDetails(fn DetailsFunc) {
	s.details.Store(&fn)
}

func (s *Server) IsReady() bool {
	if !s.ready.Load() {
		return false
	}
	ready := true
	s.conditions.Range(func(_, value any) bool {
		if !value.(bool) {
			ready = false
			return false
		}
		return true
	})
	return ready
}

func (s *Server) conditionSnapshot() map[string]bool {
	var out map[string]bool
	s.conditions.Range(func(key, value any) bool {
		if out == nil {
			out = make(map[string]bool)
		}
		out[key.(string)] = value.(bool)
		return true
	})
	return out
}

// Handler returns the probe mux without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthzHandler)
	mux.HandleFunc("/readyz", s.readyzHandler)
	mux.HandleFunc("/livez", s.livezHandler)
	return mux
}

// Start serves probes until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.SetStatus(StatusStarting)
	s.logger.Info("Starting health check server", slog.Int("port", s.port))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("health check server: %w", err)
		}
		return nil
	case <-ctx.Done():
		return s.Stop()
	}
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	s.logger.Info("Stopping health check server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	status := s.GetStatus()
	response := Response{
		Healthy: status == StatusHealthy,
		Status:  status.String(),
	}
	if fn := s.details.Load(); fn != nil && *fn != nil {
		response.Details = (*fn)()
	}
	s.write(w, response)
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	s.write(w, Response{
		Healthy:    s.IsReady(),
		Status:     s.GetStatus().String(),
		Conditions: s.conditionSnapshot(),
	})
}

func (s *Server) livezHandler(w http.ResponseWriter, r *http.Request) {
	status := s.GetStatus()
	s.write(w, Response{
		Healthy: status != StatusUnhealthy,
		Status:  status.String(),
	})
}

func (s *Server) write(w http.ResponseWriter, response Response) {
	w.Header().Set("Content-Type", "application/json")
	if response.Healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Failed to encode health check response", slog.Any("error", err))
	}
}
