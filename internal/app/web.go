// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relabs-tech/elevation_computer/internal/export"
	"github.com/relabs-tech/elevation_computer/internal/orientation"
	"github.com/relabs-tech/elevation_computer/internal/sensors"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local network display
	},
}

// HistoryResponse is the body of GET /api/history.
type HistoryResponse struct {
	Source     string    `json:"source"`
	Algorithm  string    `json:"alg"`
	Values     []float32 `json:"values"`
	Timestamps []int64   `json:"timestamps"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// WebServer exposes an Engine over HTTP and a websocket snapshot stream.
type WebServer struct {
	engine *Engine
	logger *zap.Logger
	mux    *http.ServeMux
}

func NewWebServer(e *Engine, logger *zap.Logger) *WebServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &WebServer{engine: e, logger: logger.Named("web"), mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	s.mux.HandleFunc("GET /api/history", s.handleHistory)
	s.mux.HandleFunc("GET /api/recording", s.handleRecordingStatus)
	s.mux.HandleFunc("POST /api/recording/start", s.handleRecordingStart)
	s.mux.HandleFunc("POST /api/recording/stop", s.handleRecordingStop)
	s.mux.HandleFunc("POST /api/connect", s.handleConnect)
	s.mux.HandleFunc("POST /api/disconnect", s.handleDisconnect)
	s.mux.HandleFunc("POST /api/source", s.handleSelectSource)
	s.mux.HandleFunc("GET /ws", s.handleWS)
	return s
}

func (s *WebServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *WebServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("json encode error", zap.Error(err))
	}
}

// statusFor maps engine errors onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownSource):
		return http.StatusNotFound
	case errors.Is(err, ErrRecordingActive), errors.Is(err, sensors.ErrStreamAlreadyActive):
		return http.StatusConflict
	case errors.Is(err, sensors.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, sensors.ErrConnection):
		return http.StatusBadGateway
	case errors.Is(err, sensors.ErrSensorUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, export.ErrExportIO):
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

func (s *WebServer) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func (s *WebServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot(r.URL.Query().Get("source"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *WebServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	alg := orientation.Alg1
	if name := q.Get("alg"); name != "" {
		var err error
		if alg, err = orientation.ParseAlgorithm(name); err != nil {
			s.writeError(w, err)
			return
		}
	}
	source := q.Get("source")
	if source == "" {
		source = s.engine.Selected()
	}
	values, ts, err := s.engine.History(alg, source)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, HistoryResponse{
		Source:     source,
		Algorithm:  alg.String(),
		Values:     values,
		Timestamps: ts,
	})
}

func (s *WebServer) handleRecordingStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.RecordingStatus())
}

func (s *WebServer) handleRecordingStart(w http.ResponseWriter, _ *http.Request) {
	if err := s.engine.StartRecording(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, s.engine.RecordingStatus())
}

func (s *WebServer) handleRecordingStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.engine.StopRecording(); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", export.ErrExportIO, err))
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.RecordingStatus())
}

func (s *WebServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Connect(r.Context(), r.URL.Query().Get("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.CurrentSnapshot())
}

func (s *WebServer) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Disconnect(r.URL.Query().Get("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.CurrentSnapshot())
}

func (s *WebServer) handleSelectSource(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.SelectSource(r.URL.Query().Get("name")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.CurrentSnapshot())
}

// handleWS sends the current snapshot, then every new one, as JSON text
// frames. A client that falls behind misses snapshots.
func (s *WebServer) handleWS(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	snaps, cancel, err := s.engine.Subscribe(source)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", zap.Error(err))
		return
	}
	defer conn.Close()

	// The reader only watches for the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	first, err := s.engine.Snapshot(source)
	if err == nil {
		err = s.writeWS(conn, first)
	}
	for err == nil {
		select {
		case <-gone:
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			err = s.writeWS(conn, snap)
		}
	}
	s.logger.Debug("websocket closed", zap.Error(err))
}

func (s *WebServer) writeWS(conn *websocket.Conn, v any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

// RunWeb serves the engine on port until ctx is done.
func RunWeb(ctx context.Context, e *Engine, port int, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           NewWebServer(e, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("web server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
