// Package server exposes the cache over a read-only HTTP API and can rebuild
// it on a schedule.
package server

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"weathercache/internal/database"
	"weathercache/internal/errkind"
	"weathercache/internal/events"
	"weathercache/internal/filter"
	"weathercache/internal/models"
	"weathercache/internal/summary"
)

// Store is what the server reads from and rebuilds.
type Store interface {
	Ping(ctx context.Context) error
	ListLocations(ctx context.Context, expr filter.Expr) ([]models.Location, error)
	LoadSeries(ctx context.Context, name string) (*models.Series, error)
	RebuildAll(ctx context.Context, sourceRoot string) (*database.RebuildSummary, error)
}

// Server represents the HTTP server
type Server struct {
	app       *fiber.App
	store     Store
	publisher events.Publisher
	log       *zap.Logger
	cron      *cron.Cron

	// rebuilding is held for the duration of a rebuild.
	rebuilding sync.Mutex
}

// Options configures New.
type Options struct {
	Publisher    events.Publisher
	Logger       *zap.Logger
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// AccessLog enables the request log middleware.
	AccessLog bool
}

// New creates the server and registers its routes.
func New(store Store, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	s := &Server{
		store:     store,
		publisher: opts.Publisher,
		log:       opts.Logger,
	}
	s.app = fiber.New(fiber.Config{
		ReadTimeout:           opts.ReadTimeout,
		WriteTimeout:          opts.WriteTimeout,
		UnescapePath:          true,
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})
	s.routes(opts.AccessLog)
	return s
}

func (s *Server) routes(accessLog bool) {
	s.app.Use(recover.New())
	s.app.Use(requestid.New())
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,HEAD",
	}))
	if accessLog {
		s.app.Use(logger.New(logger.Config{
			Format:     "${time} ${pid} ${locals:requestid} ${status} - ${method} ${path}\n",
			TimeFormat: time.RFC3339,
		}))
	}

	s.app.Get("/health", s.handleHealth)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	s.app.Get("/locations", s.handleLocations)
	s.app.Get("/locations/:name/series", s.handleSeries)
	s.app.Get("/locations/:name/summary", s.handleSummary)
	s.app.Post("/rebuild", s.handleRebuild)

	// 404 handler
	s.app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Endpoint not found",
			"path":    c.Path(),
			"success": false,
		})
	})
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start(addr string) error {
	s.log.Info("Starting server", zap.String("address", addr))
	return s.app.Listen(addr)
}

// Shutdown stops the scheduler and drains open connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	return s.app.ShutdownWithContext(ctx)
}

// ScheduleRebuild runs a rebuild on the given cron schedule, e.g. "0 3 * * *".
// Runs that would overlap a rebuild in progress are skipped.
func (s *Server) ScheduleRebuild(spec string) error {
	if s.cron == nil {
		s.cron = cron.New()
	}
	_, err := s.cron.AddFunc(spec, func() {
		if _, err := s.rebuild(context.Background()); err != nil {
			s.log.Error("Scheduled rebuild failed", zap.Error(err))
		}
	})
	if err != nil {
		return errkind.Newf(errkind.Validation, "rebuild_schedule", "invalid schedule %q: %v", spec, err)
	}
	s.cron.Start()
	s.log.Info("Scheduled cache rebuild", zap.String("schedule", spec))
	return nil
}

var errRebuildRunning = fiber.NewError(fiber.StatusConflict, "a rebuild is already running")

func (s *Server) rebuild(ctx context.Context) (*database.RebuildSummary, error) {
	if !s.rebuilding.TryLock() {
		s.log.Warn("Skipping rebuild: another one is running")
		return nil, errRebuildRunning
	}
	defer s.rebuilding.Unlock()

	summary, err := s.store.RebuildAll(ctx, "")
	if err != nil {
		return nil, err
	}
	perr := s.publisher.Publish(ctx, events.Event{
		Type:         events.TypeRebuild,
		Status:       "succeeded",
		Observations: summary.Observations,
	})
	if perr != nil {
		s.log.Warn("Failed to publish rebuild event", zap.Error(perr))
	}
	return summary, nil
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errkind.Is(err, errkind.NotFound):
		code = fiber.StatusNotFound
	case errkind.Is(err, errkind.Validation), errkind.Is(err, errkind.Parse), errkind.Is(err, errkind.Type):
		code = fiber.StatusBadRequest
	}

	if code >= fiber.StatusInternalServerError {
		s.log.Error("HTTP error",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err))
	}

	body := fiber.Map{
		"error":   err.Error(),
		"success": false,
	}
	if kind := errkind.KindOf(err); kind != errkind.Unknown {
		body["kind"] = kind.String()
	}
	var pe *filter.ParseError
	var te *filter.TypeError
	switch {
	case errors.As(err, &pe):
		body["position"] = pe.Pos
	case errors.As(err, &te):
		body["position"] = te.Pos
	}
	return c.Status(code).JSON(body)
}

// handleHealth returns the server health status
func (s *Server) handleHealth(c *fiber.Ctx) error {
	status, code := "healthy", fiber.StatusOK
	if err := s.store.Ping(c.UserContext()); err != nil {
		s.log.Warn("Health check failed", zap.Error(err))
		status, code = "unhealthy", fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"status": status,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleLocations lists cached locations, optionally filtered by ?filter=.
func (s *Server) handleLocations(c *fiber.Ctx) error {
	var expr filter.Expr
	if raw := strings.TrimSpace(c.Query("filter")); raw != "" {
		var err error
		if expr, err = filter.Parse(raw); err != nil {
			return err
		}
	}

	locs, err := s.store.ListLocations(c.UserContext(), expr)
	if err != nil {
		return err
	}
	if locs == nil {
		locs = []models.Location{}
	}
	return c.JSON(fiber.Map{
		"count":     len(locs),
		"locations": locs,
	})
}

type seriesResponse struct {
	Name       string                `json:"name"`
	Rows       int                   `json:"rows"`
	Timestamps []time.Time           `json:"timestamps"`
	Columns    map[string][]*float64 `json:"columns"`
}

// handleSeries returns a location's series. ?variables=a,b limits the columns.
func (s *Server) handleSeries(c *fiber.Ctx) error {
	name := c.Params("name")
	series, err := s.store.LoadSeries(c.UserContext(), name)
	if err != nil {
		return err
	}

	vars := series.Variables()
	if raw := c.Query("variables"); raw != "" {
		vars = nil
		for _, v := range strings.Split(raw, ",") {
			v = strings.TrimSpace(v)
			if !models.IsVariable(v) {
				return fiber.NewError(fiber.StatusBadRequest, "unknown variable: "+v)
			}
			if _, ok := series.Columns[v]; ok {
				vars = append(vars, v)
			}
		}
	}

	resp := seriesResponse{
		Name:       name,
		Rows:       series.Len(),
		Timestamps: series.Timestamps,
		Columns:    make(map[string][]*float64, len(vars)),
	}
	if resp.Timestamps == nil {
		resp.Timestamps = []time.Time{}
	}
	for _, v := range vars {
		col := series.Columns[v]
		out := make([]*float64, len(col))
		for i := range col {
			if !models.IsMissing(col[i]) {
				out[i] = &col[i]
			}
		}
		resp.Columns[v] = out
	}
	return c.JSON(resp)
}

// handleSummary returns per variable statistics and the values beyond
// ?threshold= standard deviations.
func (s *Server) handleSummary(c *fiber.Ctx) error {
	threshold := summary.DefaultThreshold
	if raw := c.Query("threshold"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 {
			return fiber.NewError(fiber.StatusBadRequest, "threshold must be a positive number")
		}
		threshold = v
	}

	name := c.Params("name")
	series, err := s.store.LoadSeries(c.UserContext(), name)
	if err != nil {
		return err
	}
	anomalies := summary.NewDetector(threshold).Detect(series)
	if anomalies == nil {
		anomalies = []summary.Anomaly{}
	}
	return c.JSON(fiber.Map{
		"name":      name,
		"summary":   summary.Describe(series),
		"threshold": threshold,
		"anomalies": anomalies,
	})
}

// handleRebuild replays every raw dataset into the cache.
func (s *Server) handleRebuild(c *fiber.Ctx) error {
	summary, err := s.rebuild(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"success": true,
		"summary": summary,
	})
}
