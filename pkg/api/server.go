// Package api is Omega's public HTTP surface: discovery lookups, the hub
// public key, the Iota frontend download and short-link redirects. It is
// stateless on top of the repository, the presence index and the resolver.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/tensamin/omega/pkg/repository"
	"github.com/tensamin/omega/pkg/resolver"
	"github.com/tensamin/omega/pkg/shortlink"
)

// fallbackRedirect is where unknown short links land.
const fallbackRedirect = "https://tensamin.net"

type Server struct {
	repo         repository.Repository
	resolver     *resolver.Resolver
	links        *shortlink.Store
	publicKeyB64 string
	frontendZip  string
	log          zerolog.Logger

	httpServer *http.Server
	listener   net.Listener
}

type Config struct {
	Repo         repository.Repository
	Resolver     *resolver.Resolver
	Links        *shortlink.Store
	PublicKeyB64 string
	// FrontendZip is the on-disk path of the downloadable Iota frontend
	// bundle; empty or missing file yields 404.
	FrontendZip string
}

func NewServer(cfg Config, log zerolog.Logger) *Server {
	return &Server{
		repo:         cfg.Repo,
		resolver:     cfg.Resolver,
		links:        cfg.Links,
		publicKeyB64: cfg.PublicKeyB64,
		frontendZip:  cfg.FrontendZip,
		log:          log.With().Str("component", "api").Logger(),
	}
}

// Router builds the chi handler tree. Every response carries permissive
// CORS headers; discovery is a public, browser-reachable surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	// The cors middleware only decorates requests that carry an Origin;
	// the surface contract is that every response allows all, so the
	// header is set unconditionally first.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			next.ServeHTTP(w, req)
		})
	})
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}))
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeStatus(w, http.StatusMethodNotAllowed)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/get/omikron", s.handleRandomOmikron)
		r.Get("/get/omikron/{id}", s.handleResolveOmikron)
		r.Get("/get/id/{username}", s.handleUserID)
		r.Get("/get/user/{id}", s.handleUser)
		r.Get("/get/public_key", s.handlePublicKey)
		r.Get("/download/iota_frontend", s.handleFrontendDownload)
	})
	r.Get("/direct/{code}", s.handleDirect)
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	return r
}

func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("API listener failed")
		}
	}()
	s.log.Info().Str("addr", addr).Msg("API listening")
	return nil
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type omikronPayload struct {
	ID        int64  `json:"id"`
	PublicKey string `json:"public_key"`
	IPAddress string `json:"ip_address"`
}

func omikronToPayload(o *repository.Omikron) omikronPayload {
	return omikronPayload{ID: o.ID, PublicKey: o.PublicKey, IPAddress: o.IPAddress}
}

func (s *Server) handleRandomOmikron(w http.ResponseWriter, r *http.Request) {
	omikron, err := s.repo.GetRandomActiveOmikron(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, omikronToPayload(omikron))
}

func (s *Server) handleResolveOmikron(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeStatus(w, http.StatusBadRequest)
		return
	}
	omikron, err := s.resolver.ResolveEntryFor(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, omikronToPayload(omikron))
}

func (s *Server) handleUserID(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	user, err := s.repo.GetUserByUsername(r.Context(), username)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]int64{"id": user.ID})
}

type userPayload struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Display   string `json:"display,omitempty"`
	Status    string `json:"status,omitempty"`
	About     string `json:"about,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
	SubLevel  int32  `json:"sub_level"`
	SubEnd    int64  `json:"sub_end"`
	PublicKey string `json:"public_key"`
	IotaID    int64  `json:"iota_id"`
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeStatus(w, http.StatusBadRequest)
		return
	}
	user, err := s.repo.GetUserByID(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// Key hash and reset token stay server-side.
	payload := userPayload{
		ID:        user.ID,
		Username:  user.Username,
		Display:   user.Display,
		Status:    user.Status,
		About:     user.About,
		SubLevel:  user.SubLevel,
		SubEnd:    user.SubEnd,
		PublicKey: user.PublicKey,
		IotaID:    user.IotaID,
	}
	if len(user.Avatar) > 0 {
		payload.Avatar = base64.StdEncoding.EncodeToString(user.Avatar)
	}
	s.writeJSON(w, payload)
}

func (s *Server) handlePublicKey(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(s.publicKeyB64))
}

func (s *Server) handleFrontendDownload(w http.ResponseWriter, r *http.Request) {
	if s.frontendZip == "" {
		writeStatus(w, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	http.ServeFile(w, r, s.frontendZip)
}

func (s *Server) handleDirect(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	long, err := s.links.Resolve(code)
	if err != nil {
		http.Redirect(w, r, fallbackRedirect, http.StatusFound)
		return
	}
	http.Redirect(w, r, long, http.StatusFound)
}

func (s *Server) writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Debug().Err(err).Msg("Response write failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		writeStatus(w, http.StatusNotFound)
		return
	}
	s.log.Warn().Err(err).Msg("API backend error")
	writeStatus(w, http.StatusInternalServerError)
}

func writeStatus(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(strconv.Itoa(status) + " " + http.StatusText(status)))
}
