// Package server sets up the HTTP router, middleware, and request handlers.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/howard-nolan/llmgateway/internal/catalog"
	"github.com/howard-nolan/llmgateway/internal/gateway"
	"github.com/howard-nolan/llmgateway/internal/provider"
)

// Gateway is the request pipeline the handlers delegate to.
type Gateway interface {
	Chat(ctx context.Context, info gateway.RequestInfo, req *provider.ChatRequest) (*gateway.ChatResult, error)
	Embeddings(ctx context.Context, info gateway.RequestInfo, req *provider.EmbeddingRequest) (*gateway.EmbeddingsResponse, gateway.Served, error)
	Images(ctx context.Context, info gateway.RequestInfo, req *provider.ImageRequest) (*gateway.ImagesResponse, gateway.Served, error)
	Video(ctx context.Context, info gateway.RequestInfo, req *provider.VideoRequest) (*gateway.VideoResponse, gateway.Served, error)
}

// Options configures a Server.
type Options struct {
	Gateway Gateway
	Catalog *catalog.Catalog

	// AuthKeys maps bearer tokens to organization ids. When empty any
	// bearer token is accepted as org "default".
	AuthKeys map[string]string

	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

// Server holds the HTTP router and the dependencies handlers need.
type Server struct {
	router  chi.Router
	gw      Gateway
	catalog *catalog.Catalog
	keys    map[string]string
	log     *slog.Logger
}

// New creates a Server with routes and middleware wired up, ready to use
// as an http.Handler.
func New(opts Options) *Server {
	s := &Server{
		gw:      opts.Gateway,
		catalog: opts.Catalog,
		keys:    opts.AuthKeys,
		log:     opts.Logger,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.routes(opts.Gatherer)
	return s
}

func (s *Server) routes(gatherer prometheus.Gatherer) {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/models", s.handleModels)
		r.Post("/chat/completions", s.handleChatCompletions)
		r.Post("/embeddings", s.handleEmbeddings)
		r.Post("/images/generations", s.handleImageGenerations)
		r.Post("/images/edits", s.handleImageEdits)
		r.Post("/video/generations", s.handleVideoGenerations)
	})

	s.router = r
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
