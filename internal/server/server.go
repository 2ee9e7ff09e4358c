package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"gihan9a/braidhttp/internal/config"
	"gihan9a/braidhttp/internal/registry"
	"gihan9a/braidhttp/internal/store"
	"gihan9a/braidhttp/pkg/braidhttp"
)

// Server serves the resources of a registry over Braid-HTTP. Resources come
// from .braid files under the root directory, from the snapshot store and
// from PUT requests.
type Server struct {
	config       *config.Config
	registry     *registry.Registry
	store        *store.Store
	hub          *hub
	peers        *peers
	metrics      *metrics
	schemas      *schemas
	sequencer    *sequencer
	reverseProxy *httputil.ReverseProxy
	watcher      *fsnotify.Watcher
	clock        clockwork.Clock
	logger       *zap.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Opt configures a Server.
type Opt func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(s *Server) { s.logger = logger }
}

// WithRegistry makes the server share an existing registry.
func WithRegistry(reg *registry.Registry) Opt {
	return func(s *Server) { s.registry = reg }
}

// WithStore persists every edit to st and restores from it on Start.
func WithStore(st *store.Store) Opt {
	return func(s *Server) { s.store = st }
}

// WithClock sets the clock used for write limits and heartbeats.
func WithClock(clock clockwork.Clock) Opt {
	return func(s *Server) { s.clock = clock }
}

// New creates a server for cfg. Nothing is loaded or watched until Start.
func New(cfg *config.Config, opts ...Opt) (*Server, error) {
	s := &Server{
		config: cfg,
		clock:  clockwork.NewRealClock(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = registry.New(
			registry.WithLogger(s.logger.Named("registry")),
			registry.WithClock(s.clock),
			registry.WithDefaultMergeType(cfg.Merge.DefaultType),
			registry.WithStrictMergeType(cfg.Merge.Strict),
		)
	}

	var err error
	if s.peers, err = newPeers(cfg.Peers); err != nil {
		return nil, fmt.Errorf("failed to create peer table: %w", err)
	}
	s.metrics = newMetrics(s.registry)
	s.hub = newHub(cfg.Subscriptions, s.metrics, s.logger.Named("hub"))
	s.schemas = newSchemas()
	s.sequencer = newSequencer()

	if s.watcher, err = fsnotify.NewWatcher(); err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Configure reverse proxy if URL is provided
	if cfg.ProxyURL != nil {
		s.setupProxy()
	}
	return s, nil
}

// Registry returns the registry the server publishes.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Start restores persisted resources, loads the resource files and starts
// watching them. The watcher stops when ctx is done or Close is called.
func (s *Server) Start(ctx context.Context) error {
	if s.store != nil {
		n, err := s.store.RestoreInto(ctx, s.registry)
		if err != nil {
			return fmt.Errorf("failed to restore resources: %w", err)
		}
		s.logger.Info("restored resources", zap.Int("count", n))
	}

	n, err := s.LoadFiles(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("loaded resource files", zap.Int("count", n), zap.String("root", s.config.RootDir))

	if err := s.SetupWatchers(); err != nil {
		return fmt.Errorf("failed to set up file watchers: %w", err)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchFiles(ctx)
	}()
	return nil
}

// Close ends every subscription and stops the file watcher.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.hub.closeAll()
		err = s.watcher.Close()
		s.wg.Wait()
	})
	return err
}

// SetupWatchers recursively adds directories to the watcher
func (s *Server) SetupWatchers() error {
	return filepath.WalkDir(s.config.RootDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return s.watcher.Add(path)
		}
		return nil
	})
}

// getResourceIDFromPath converts a file path to a resource ID
func (s *Server) getResourceIDFromPath(path string) (string, error) {
	relPath, err := filepath.Rel(s.config.RootDir, path)
	if err != nil {
		return "", err
	}
	if relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside %s", path, s.config.RootDir)
	}

	resourceID := strings.TrimSuffix(filepath.ToSlash(relPath), s.config.ResourceSuffix)
	if !strings.HasPrefix(resourceID, "/") {
		resourceID = "/" + resourceID
	}
	return resourceID, nil
}

// getPathFromResourceID converts a resource ID to a file path
func (s *Server) getPathFromResourceID(resourceID string) string {
	resourceID = strings.TrimPrefix(resourceID, "/")
	return filepath.Join(s.config.RootDir, filepath.FromSlash(resourceID)+s.config.ResourceSuffix)
}

// Handler returns the HTTP handler serving resources, the admin routes and
// the metrics endpoint, wrapped in the server's middleware.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	admin := router.PathPrefix(adminPrefix).Subrouter()
	admin.HandleFunc("/resources", s.handleListResources).Methods(http.MethodGet)
	admin.HandleFunc("/resources/{id:.*}", s.handleResourceState).Methods(http.MethodGet)
	if s.config.Metrics.Enabled {
		router.Handle(s.config.Metrics.Path, s.metrics.handler()).Methods(http.MethodGet)
	}
	router.PathPrefix("/").HandlerFunc(s.handleBraidRequest)

	var h http.Handler = braidhttp.Middleware(router)
	h = recoveryMiddleware(s.logger)(h)
	h = loggingMiddleware(s.logger.Named("http"))(h)
	if s.config.Metrics.Enabled {
		h = s.metrics.middleware(h)
	}
	if s.config.CORS.Enabled {
		h = corsHandler(s.config.CORS).Handler(h)
	}
	return h
}

func corsHandler(cfg config.CORSConfig) *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins:   splitList(cfg.AllowOrigins),
		AllowedMethods:   splitList(cfg.AllowMethods),
		AllowedHeaders:   splitList(cfg.AllowHeaders),
		ExposedHeaders:   splitList(cfg.ExposeHeaders),
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           cfg.MaxAge,
	})
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
