package web

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/aiclub-dev/pointsbot/pointsbot/database"
	"github.com/aiclub-dev/pointsbot/pointsbot/leaderboard"
	"github.com/aiclub-dev/pointsbot/pointsbot/ledger"
	"github.com/aiclub-dev/pointsbot/pointsbot/processor"
	"github.com/aiclub-dev/pointsbot/pointsbot/services"
)

const submitTimeout = 15 * time.Second

// Server is the HTTP ingest surface. Chat gateways POST their normalized
// events here; everything else is read-only convenience endpoints.
type Server struct {
	app        *fiber.App
	db         *database.DB
	store      ledger.Ledger
	dispatcher *processor.Dispatcher
	board      *leaderboard.Cache
	search     *services.UserSearchService
}

func NewServer(
	db *database.DB,
	store ledger.Ledger,
	dispatcher *processor.Dispatcher,
	board *leaderboard.Cache,
	search *services.UserSearchService,
) *Server {
	s := &Server{
		db:         db,
		store:      store,
		dispatcher: dispatcher,
		board:      board,
		search:     search,
	}

	app := fiber.New(fiber.Config{
		AppName:      "PointsBot API",
		ServerHeader: "PointsBot",
		ErrorHandler: errorHandler,
	})

	app.Use(recover.New())
	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))
	app.Use(loggingMiddleware())

	app.Get("/healthz", s.handleHealth)

	api := app.Group("/api")
	api.Post("/events", s.handleEvent)
	api.Get("/leaderboard", s.handleLeaderboard)
	api.Get("/users/search", s.handleUserSearch)

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "not found",
		})
	})

	s.app = app
	return s
}

func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "degraded",
			"error":  err.Error(),
		})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleEvent(c *fiber.Ctx) error {
	var event processor.Event
	if err := c.BodyParser(&event); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "malformed event body",
		})
	}
	if event.ID == "" || event.UserID == "" || event.Type == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "id, user_id and type are required",
		})
	}

	ctx, cancel := context.WithTimeout(c.Context(), submitTimeout)
	defer cancel()

	result, err := s.dispatcher.Submit(ctx, event)
	if err != nil {
		if errors.Is(err, processor.ErrShuttingDown) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "shutting down",
			})
		}
		return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{
			"error": "event timed out",
		})
	}

	return c.Status(statusCode(result)).JSON(result)
}

// statusCode maps a processing result to an HTTP status. Rejections are
// still well-formed responses; the reason code inside the body is what the
// gateway relays to the user.
func statusCode(result processor.Result) int {
	if result.Status == processor.StatusOK {
		return fiber.StatusOK
	}
	switch result.ReasonCode {
	case processor.ReasonStorageUnavailable:
		return fiber.StatusServiceUnavailable
	case processor.ReasonInternalError:
		return fiber.StatusInternalServerError
	case processor.ReasonInvalidCommand:
		return fiber.StatusBadRequest
	default:
		return fiber.StatusUnprocessableEntity
	}
}

func (s *Server) handleLeaderboard(c *fiber.Ctx) error {
	n := c.QueryInt("n", 10)
	if n < 1 {
		n = 10
	}

	entries, err := s.board.Query(c.Context(), n)
	if err != nil {
		return err
	}
	total, err := s.store.CountUsers(c.Context())
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"entries":     entries,
		"total_users": total,
	})
}

func (s *Server) handleUserSearch(c *fiber.Ctx) error {
	query := c.Query("q")
	limit := c.QueryInt("limit", 25)
	if limit < 1 || limit > 100 {
		limit = 25
	}

	matches, err := s.search.Search(c.Context(), query, limit)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"matches": matches})
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
	}

	if code >= 500 {
		slog.Error("Request failed",
			slog.String("type", "error"),
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.Any("error", err))
	}

	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func loggingMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		duration := time.Since(start)

		if c.Path() == "/healthz" {
			return err
		}

		statusCode := c.Response().StatusCode()
		level := slog.LevelInfo
		if statusCode >= 500 {
			level = slog.LevelError
		} else if statusCode >= 400 {
			level = slog.LevelWarn
		}

		slog.Log(c.Context(), level, "HTTP request",
			slog.String("type", "sys"),
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.Int("status", statusCode),
			slog.Duration("duration", duration))

		return err
	}
}
