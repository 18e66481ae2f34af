// Package httpapi exposes accessory state and control over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/trymwestin/deconzws/internal/core/accessory"
	"github.com/trymwestin/deconzws/internal/core/connection"
	"github.com/trymwestin/deconzws/internal/core/debounce"
	"github.com/trymwestin/deconzws/internal/platform"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 << 10

// Platform performs accessory operations on behalf of HTTP clients.
type Platform interface {
	AddAccessory(def accessory.Definition) platform.Result
	RemoveAccessory(name string) platform.Result
	SetInformation(name string, info accessory.Information) platform.Result
	SetValue(name, characteristic string, value any) error
	RequestValue(name, characteristic string) error
}

// Directory reads accessory state.
type Directory interface {
	List() []accessory.Accessory
	Get(name string) (accessory.Accessory, error)
}

// Engine reports synchronization state.
type Engine interface {
	State() connection.State
	Pending() []debounce.PendingWrite
}

// Reconnector forces a new gateway session.
type Reconnector interface {
	Reconnect() error
}

// Server is the HTTP API server.
type Server struct {
	platform Platform
	dir      Directory
	engine   Engine
	rc       Reconnector
	corsAll  bool
	log      *slog.Logger
	router   chi.Router
}

// NewServer creates a new HTTP API server.
func NewServer(p Platform, dir Directory, engine Engine, rc Reconnector, corsAll bool, log *slog.Logger) *Server {
	s := &Server{
		platform: p,
		dir:      dir,
		engine:   engine,
		rc:       rc,
		corsAll:  corsAll,
		log:      log,
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)
	r.Use(s.loggingMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleGetStatus)
		r.Get("/pending", s.handleGetPending)
		r.Post("/reconnect", s.handleReconnect)

		r.Route("/accessories", func(r chi.Router) {
			r.Get("/", s.handleListAccessories)
			r.Post("/", s.handleAddAccessory)

			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.handleGetAccessory)
				r.Delete("/", s.handleRemoveAccessory)
				r.Put("/information", s.handleSetInformation)
				r.Put("/characteristics/{characteristic}", s.handleSetCharacteristic)
				r.Post("/characteristics/{characteristic}/get", s.handleRequestCharacteristic)
			})
		})
	})
	return r
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.corsAll {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", ww.Status())
	})
}

// --- Helpers ---

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, connection.ErrNotConnected), errors.Is(err, connection.ErrSend):
		return http.StatusServiceUnavailable
	case errors.Is(err, accessory.ErrUnknownAccessory), errors.Is(err, accessory.ErrUnknownCharacteristic):
		return http.StatusNotFound
	case errors.Is(err, accessory.ErrMissingValue), errors.Is(err, accessory.ErrOutOfRange):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeResult(w http.ResponseWriter, okCode int, res platform.Result) {
	if res.Ack {
		s.writeJSON(w, okCode, res)
		return
	}
	s.writeJSON(w, http.StatusUnprocessableEntity, res)
}

// --- Handlers ---

type statusResponse struct {
	Connection  string `json:"connection"`
	Accessories int    `json:"accessories"`
	Pending     int    `json:"pending"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, statusResponse{
		Connection:  s.engine.State().String(),
		Accessories: len(s.dir.List()),
		Pending:     len(s.engine.Pending()),
	})
}

func (s *Server) handleGetPending(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"pending": s.engine.Pending()})
}

func (s *Server) handleReconnect(w http.ResponseWriter, _ *http.Request) {
	if err := s.rc.Reconnect(); err != nil {
		if errors.Is(err, connection.ErrReconnectDisabled) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconnecting"})
}

func (s *Server) handleListAccessories(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"accessories": s.dir.List()})
}

func (s *Server) handleAddAccessory(w http.ResponseWriter, r *http.Request) {
	var def accessory.Definition
	if err := s.readJSON(w, r, &def); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if def.Name == "" || def.Service == "" {
		s.writeError(w, http.StatusBadRequest, "name and service are required")
		return
	}
	s.writeResult(w, http.StatusCreated, s.platform.AddAccessory(def))
}

func (s *Server) handleGetAccessory(w http.ResponseWriter, r *http.Request) {
	acc, err := s.dir.Get(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, acc)
}

func (s *Server) handleRemoveAccessory(w http.ResponseWriter, r *http.Request) {
	res := s.platform.RemoveAccessory(chi.URLParam(r, "name"))
	if !res.Ack {
		s.writeJSON(w, http.StatusNotFound, res)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSetInformation(w http.ResponseWriter, r *http.Request) {
	var info accessory.Information
	if err := s.readJSON(w, r, &info); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	s.writeResult(w, http.StatusOK, s.platform.SetInformation(chi.URLParam(r, "name"), info))
}

type valueBody struct {
	Value any `json:"value"`
}

func (s *Server) handleSetCharacteristic(w http.ResponseWriter, r *http.Request) {
	var body valueBody
	if err := s.readJSON(w, r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	name, c := chi.URLParam(r, "name"), chi.URLParam(r, "characteristic")
	if err := s.platform.SetValue(name, c, body.Value); err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

func (s *Server) handleRequestCharacteristic(w http.ResponseWriter, r *http.Request) {
	name, c := chi.URLParam(r, "name"), chi.URLParam(r, "characteristic")
	if err := s.platform.RequestValue(name, c); err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}
