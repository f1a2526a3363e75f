package api

import (
	"embed"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/andi/cogstac/backend/database"
	"github.com/andi/cogstac/backend/models"
	"github.com/andi/cogstac/backend/scanner"
	"github.com/andi/cogstac/backend/scheduler"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/template/html/v2"
	"github.com/gofiber/websocket/v2"
)

//go:embed templates/*.html
var templatesFS embed.FS

// RunQueue accepts tiles for the next batch
type RunQueue interface {
	Enqueue(tileID string, force bool)
	EnqueueAll(force bool)
	Trigger()
	Pending() []string
	IsRunning() bool
}

// PoolReporter exposes the worker slots of the active run
type PoolReporter interface {
	PoolStatus() (string, []scheduler.SlotStatus)
}

// Server represents the HTTP API server
type Server struct {
	app    *fiber.App
	db     *database.DB
	queue  RunQueue
	pool   PoolReporter
	wsHub  *WebSocketHub
	logger *slog.Logger
}

// New creates a new API server
func New(db *database.DB, queue RunQueue, pool PoolReporter, logDir string, log *slog.Logger) *Server {
	templates, err := fs.Sub(templatesFS, "templates")
	if err != nil {
		panic(err)
	}
	engine := html.NewFileSystem(http.FS(templates), ".html")

	app := fiber.New(fiber.Config{
		Views:                 engine,
		ErrorHandler:          errorHandler,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())

	// Access logs go to their own file, never to the console
	var accessLog io.Writer = io.Discard
	if logDir != "" {
		f, err := os.OpenFile(filepath.Join(logDir, "access.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Warn("failed to open access log file", "error", err)
		} else {
			accessLog = f
		}
	}
	app.Use(logger.New(logger.Config{Output: accessLog}))

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))

	server := &Server{
		app:    app,
		db:     db,
		queue:  queue,
		pool:   pool,
		wsHub:  NewWebSocketHub(log),
		logger: log,
	}

	server.setupRoutes()
	return server
}

// setupRoutes sets up all API routes
func (s *Server) setupRoutes() {
	s.app.Get("/", s.renderIndex)

	api := s.app.Group("/api")

	// Runs
	api.Get("/runs", s.listRuns)
	api.Post("/runs", s.createRun)
	api.Get("/runs/:id", s.getRun)
	api.Get("/runs/:id/jobs", s.listRunJobs)

	// Jobs
	api.Get("/jobs/:id/log", s.getJobLog)

	// Tiles
	api.Get("/tiles", s.listTiles)

	// Worker pool
	api.Get("/pool", s.getPoolStatus)

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws", s.HandleWebSocket)
}

// Hub returns the websocket hub, which receives job events from the run manager
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

// App exposes the fiber application
func (s *Server) App() *fiber.App {
	return s.app
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	s.logger.Info("starting HTTP server", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	s.wsHub.Stop()
	return s.app.Shutdown()
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}

// SuccessResponse is the body of an accepted command
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// errorHandler handles fiber errors
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	return c.Status(code).JSON(ErrorResponse{Error: err.Error()})
}

func pagination(c *fiber.Ctx) (int, int) {
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	offset, _ := strconv.Atoi(c.Query("offset", "0"))
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// ============== Page Rendering ==============

func (s *Server) renderIndex(c *fiber.Ctx) error {
	runs, err := database.NewRunRepo(s.db).List("", 20, 0)
	if err != nil {
		return err
	}
	tiles, err := database.NewTileRepo(s.db).List()
	if err != nil {
		return err
	}

	runID, slots := s.pool.PoolStatus()
	return c.Render("index", fiber.Map{
		"Title":   "COG STAC Converter",
		"Runs":    runs,
		"Tiles":   tiles,
		"RunID":   runID,
		"Slots":   slots,
		"Pending": s.queue.Pending(),
		"Running": s.queue.IsRunning(),
	})
}

// ============== Run Handlers ==============

func (s *Server) listRuns(c *fiber.Ctx) error {
	status := c.Query("status", "")
	limit, offset := pagination(c)

	repo := database.NewRunRepo(s.db)
	runs, err := repo.List(status, limit, offset)
	if err != nil {
		return c.Status(500).JSON(ErrorResponse{Error: err.Error()})
	}

	count, err := repo.Count(status)
	if err != nil {
		return c.Status(500).JSON(ErrorResponse{Error: err.Error()})
	}

	return c.JSON(fiber.Map{
		"runs":   runs,
		"total":  count,
		"limit":  limit,
		"offset": offset,
	})
}

// CreateRunRequest queues tiles for conversion. Tiles is "ALL" or a comma separated list.
type CreateRunRequest struct {
	Tiles string `json:"tiles"`
	Force bool   `json:"force"`
}

func (s *Server) createRun(c *fiber.Ctx) error {
	var req CreateRunRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(ErrorResponse{Error: "Invalid request body"})
	}
	if req.Tiles == "" {
		req.Tiles = "ALL"
	}

	selection, err := scanner.ParseTileSelection(req.Tiles)
	if err != nil {
		return c.Status(400).JSON(ErrorResponse{Error: err.Error()})
	}

	if selection.All {
		s.queue.EnqueueAll(req.Force)
	} else {
		for _, id := range selection.IDs {
			s.queue.Enqueue(id, req.Force)
		}
	}
	s.queue.Trigger()

	return c.Status(fiber.StatusAccepted).JSON(SuccessResponse{
		Message: "Tiles queued",
		Data:    fiber.Map{"tiles": selection.String(), "force": req.Force},
	})
}

func (s *Server) getRun(c *fiber.Ctx) error {
	run, err := database.NewRunRepo(s.db).GetByID(c.Params("id"))
	if err != nil {
		return c.Status(404).JSON(ErrorResponse{Error: "Run not found"})
	}
	return c.JSON(run)
}

func (s *Server) listRunJobs(c *fiber.Ctx) error {
	id := c.Params("id")
	status := c.Query("status", "")
	limit, offset := pagination(c)

	if _, err := database.NewRunRepo(s.db).GetByID(id); err != nil {
		return c.Status(404).JSON(ErrorResponse{Error: "Run not found"})
	}

	repo := database.NewJobRepo(s.db)
	jobs, err := repo.ListByRun(id, status, limit, offset)
	if err != nil {
		return c.Status(500).JSON(ErrorResponse{Error: err.Error()})
	}
	// Log text is served by the log endpoint
	for _, job := range jobs {
		job.LogText = ""
	}

	count, err := repo.CountByRun(id, status)
	if err != nil {
		return c.Status(500).JSON(ErrorResponse{Error: err.Error()})
	}

	return c.JSON(fiber.Map{
		"jobs":   jobs,
		"total":  count,
		"limit":  limit,
		"offset": offset,
	})
}

// ============== Job Handlers ==============

func (s *Server) getJobLog(c *fiber.Ctx) error {
	offset, _ := strconv.Atoi(c.Query("offset", "0"))

	job, err := database.NewJobRepo(s.db).GetByID(c.Params("id"))
	if err != nil {
		return c.Status(404).JSON(ErrorResponse{Error: "Job not found"})
	}

	content := job.LogText
	if offset > 0 && offset < len(content) {
		content = content[offset:]
	} else if offset >= len(content) {
		content = ""
	}

	return c.JSON(fiber.Map{
		"content":   content,
		"offset":    len(job.LogText),
		"completed": job.Status == string(models.JobStatusSuccess) || job.Status == string(models.JobStatusFailure),
	})
}

// ============== Tile Handlers ==============

func (s *Server) listTiles(c *fiber.Ctx) error {
	tiles, err := database.NewTileRepo(s.db).List()
	if err != nil {
		return c.Status(500).JSON(ErrorResponse{Error: err.Error()})
	}

	return c.JSON(fiber.Map{
		"tiles":   tiles,
		"total":   len(tiles),
		"pending": s.queue.Pending(),
	})
}

// ============== Pool Handlers ==============

func (s *Server) getPoolStatus(c *fiber.Ctx) error {
	runID, slots := s.pool.PoolStatus()
	busy := 0
	for _, slot := range slots {
		if slot.Busy {
			busy++
		}
	}

	return c.JSON(fiber.Map{
		"run_id":      runID,
		"running":     s.queue.IsRunning(),
		"pool_size":   len(slots),
		"busy":        busy,
		"available":   len(slots) - busy,
		"slots":       slots,
		"pending":     s.queue.Pending(),
		"subscribers": s.wsHub.ClientCount(),
	})
}
