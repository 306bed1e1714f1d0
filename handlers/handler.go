package handlers

import (
	"log"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/mapleleafu/tabletop/tabletop-backend/codec"
	"github.com/mapleleafu/tabletop/tabletop-backend/queue"
	"github.com/mapleleafu/tabletop/tabletop-backend/repository"
	"github.com/mapleleafu/tabletop/tabletop-backend/telemetry"
)

const DefaultJoinChunkSize = 50

type HandlerConfig struct {
	Hub   *Hub
	Queue *queue.Queue
	Store repository.Store
	Codec *codec.Codec
	Auth  Authenticator

	// JoinChunkSize is the number of entities per join frame.
	JoinChunkSize int
	// ActionRate and ActionBurst limit inbound frames per socket. A
	// non-positive rate disables the limit.
	ActionRate  float64
	ActionBurst int
	// AllowedOrigins lists the origins allowed to open a socket. Empty or
	// "*" allows any origin.
	AllowedOrigins []string

	Logger *log.Logger
}

// Handler serves the websocket and HTTP endpoints of the sync engine.
type Handler struct {
	hub       *Hub
	queue     *queue.Queue
	store     repository.Store
	codec     *codec.Codec
	auth      Authenticator
	chunkSize int

	actionRate  rate.Limit
	actionBurst int

	logger   *log.Logger
	tracer   trace.Tracer
	upgrader websocket.Upgrader
}

func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	chunkSize := cfg.JoinChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultJoinChunkSize
	}
	auth := cfg.Auth
	if auth == nil {
		auth = AllowAllAuthenticator{}
	}
	c := cfg.Codec
	if c == nil {
		c = codec.New(0)
	}
	limit, burst := rate.Inf, cfg.ActionBurst
	if cfg.ActionRate > 0 {
		limit = rate.Limit(cfg.ActionRate)
	}
	if burst <= 0 {
		burst = 1
	}

	return &Handler{
		hub:         cfg.Hub,
		queue:       cfg.Queue,
		store:       cfg.Store,
		codec:       c,
		auth:        auth,
		chunkSize:   chunkSize,
		actionRate:  limit,
		actionBurst: burst,
		logger:      logger,
		tracer:      telemetry.Tracer("handlers"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}
