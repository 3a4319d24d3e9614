package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
	"go.uber.org/zap"

	"github.com/dgnsrekt/kinect-multiplexer/internal/broadcast"
	"github.com/dgnsrekt/kinect-multiplexer/internal/device"
	"github.com/dgnsrekt/kinect-multiplexer/internal/events"
	"github.com/dgnsrekt/kinect-multiplexer/internal/stream"
	"github.com/dgnsrekt/kinect-multiplexer/internal/ws"
)

// Options are the per-session settings shared by every listener.
type Options struct {
	Session      broadcast.Config
	WriteTimeout time.Duration
	ContentType  string
}

type Server struct {
	manager *stream.Manager
	ws      *ws.Handler
	feed    *events.Feed
	reload  *ReloadManager
	opts    Options
	logger  *zap.Logger
}

// NewServer wires the HTTP handlers. feed and reload may be nil.
func NewServer(manager *stream.Manager, feed *events.Feed, reload *ReloadManager, opts Options, logger *zap.Logger) *Server {
	return &Server{
		manager: manager,
		ws:      ws.NewHandler(opts.Session, opts.WriteTimeout, opts.ContentType, logger.Named("ws")),
		feed:    feed,
		reload:  reload,
		opts:    opts,
		logger:  logger,
	}
}

// switchParams are the optional query parameters of /switch.
type switchParams struct {
	Stream   *string
	Source   *string
	Quality  *int
	Scale    *float64
	PicamRes *string
}

func bindSwitchParams(r *http.Request) (switchParams, error) {
	var p switchParams
	query := r.URL.Query()
	if err := runtime.BindQueryParameter("form", true, false, "stream", query, &p.Stream); err != nil {
		return p, err
	}
	if err := runtime.BindQueryParameter("form", true, false, "source", query, &p.Source); err != nil {
		return p, err
	}
	if err := runtime.BindQueryParameter("form", true, false, "quality", query, &p.Quality); err != nil {
		return p, err
	}
	if err := runtime.BindQueryParameter("form", true, false, "scale", query, &p.Scale); err != nil {
		return p, err
	}
	if err := runtime.BindQueryParameter("form", true, false, "picam_res", query, &p.PicamRes); err != nil {
		return p, err
	}
	return p, nil
}

// handleSwitch validates every parameter before changing anything, so a
// rejected request leaves the stream untouched.
func (s *Server) handleSwitch(defaultStream string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := bindSwitchParams(r)
		if err != nil {
			writeText(w, http.StatusBadRequest, "ERROR: "+err.Error())
			return
		}

		id := defaultStream
		if p.Stream != nil {
			id = *p.Stream
		}
		if _, err := s.manager.Get(id); err != nil {
			writeText(w, http.StatusNotFound, fmt.Sprintf("ERROR: Stream %q not found", id))
			return
		}

		update := stream.ParamUpdate{Quality: p.Quality, Scale: p.Scale, Preset: p.PicamRes}
		if p.Source == nil && update.Empty() {
			writeText(w, http.StatusBadRequest, "ERROR: No valid parameters. Use: source, quality, scale, picam_res")
			return
		}

		var source device.Source
		if p.Source != nil {
			if source, err = device.ParseSource(*p.Source); err != nil {
				writeText(w, http.StatusBadRequest, "ERROR: "+err.Error())
				return
			}
		}
		if err := update.Validate(); err != nil {
			writeText(w, http.StatusBadRequest, "ERROR: "+err.Error())
			return
		}

		var parts []string
		if !update.Empty() {
			if _, err := s.manager.UpdateParams(id, update); err != nil {
				writeText(w, http.StatusBadRequest, "ERROR: "+err.Error())
				return
			}
		}
		if p.Source != nil {
			if _, err := s.manager.SwitchSource(id, source); err != nil {
				writeText(w, http.StatusBadRequest, "ERROR: "+err.Error())
				return
			}
			parts = append(parts, "source="+*p.Source)
		}
		if !update.Empty() {
			parts = append(parts, update.Describe())
		}

		writeText(w, http.StatusOK, fmt.Sprintf("OK: %s (stream: %s)", strings.Join(parts, ", "), id))
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.Status())
}

// Health is the /health document.
type Health struct {
	Status           string     `json:"status"`
	ConfigGeneration uint64     `json:"config_generation"`
	ConfigLoadedAt   *time.Time `json:"config_loaded_at,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := Health{Status: "ok"}
	if s.reload != nil {
		h.ConfigGeneration = s.reload.Generation()
		loadedAt := s.reload.LoadedAt()
		h.ConfigLoadedAt = &loadedAt
		if s.reload.IsReloading() {
			h.Status = "reloading"
		}
	}
	s.writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleDefaultStream(id string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.serveMultipart(w, r, id)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.serveMultipart(w, r, chi.URLParam(r, "id"))
}

// acquire resolves a stream and reserves a client slot on it. The caller
// must Release the stream when ok is true.
func (s *Server) acquire(w http.ResponseWriter, id string) (*stream.Stream, bool) {
	st, err := s.manager.Get(id)
	if err != nil {
		writeText(w, http.StatusNotFound, fmt.Sprintf("ERROR: Stream %q not found", id))
		return nil, false
	}
	if err := st.Acquire(); err != nil {
		if errors.Is(err, stream.ErrStreamFull) {
			s.logger.Warn("refusing client, stream at capacity", zap.String("stream", id))
		}
		writeText(w, http.StatusServiceUnavailable, "ERROR: "+err.Error())
		return nil, false
	}
	return st, true
}

func (s *Server) serveMultipart(w http.ResponseWriter, r *http.Request, id string) {
	st, ok := s.acquire(w, id)
	if !ok {
		return
	}
	defer st.Release()

	writer := broadcast.NewMultipartWriter(w, s.opts.ContentType, s.opts.WriteTimeout)
	session := broadcast.NewSession(st, writer, r.RemoteAddr, s.opts.Session, s.logger.Named("session"))
	if err := session.Run(r.Context()); err != nil {
		s.logger.Debug("multipart session ended",
			zap.String("stream", id),
			zap.String("session", session.ID()),
			zap.Error(err),
		)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	st, ok := s.acquire(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	defer st.Release()
	s.ws.Serve(w, r, st)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(body + "\n"))
}

// writeJSON encodes v before writing the header; a failed encode is a 500.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode response", zap.Int("status", status), zap.Error(err))
		writeText(w, http.StatusInternalServerError, "ERROR: failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(body, '\n'))
}
