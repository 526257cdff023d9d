package api

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/ahrdadan/snapq/internal/artifact"
	"github.com/ahrdadan/snapq/internal/capture"
	"github.com/ahrdadan/snapq/internal/security"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// Capturer runs capture requests.
type Capturer interface {
	Capture(ctx context.Context, req *capture.Request) (*capture.Result, error)
}

// Status reports browser and admission state.
type Status interface {
	BrowserRunning() bool
	BrowserEndpoint() string
	InFlight() int
	Capacity() int
}

// Handler handles API requests
type Handler struct {
	capturer Capturer
	status   Status
	store    *artifact.Store
	log      *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(capturer Capturer, status Status, store *artifact.Store, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		capturer: capturer,
		status:   status,
		store:    store,
		log:      log.Named("api"),
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	switch capture.KindOf(err) {
	case capture.KindValidation:
		return fiber.StatusBadRequest
	case capture.KindBusy:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// ErrorHandler is the custom error handler for Fiber
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := StatusFor(err)
	if code == fiber.StatusServiceUnavailable {
		c.Set(fiber.HeaderRetryAfter, "1")
	}

	return c.Status(code).JSON(Response{
		Success: false,
		Error:   err.Error(),
	})
}

// HealthCheck returns health status
func (h *Handler) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(Response{
		Success: true,
		Data: map[string]interface{}{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// BrowserStatus returns browser status
func (h *Handler) BrowserStatus(c *fiber.Ctx) error {
	return c.JSON(Response{
		Success: true,
		Data: map[string]interface{}{
			"running":   h.status.BrowserRunning(),
			"endpoint":  h.status.BrowserEndpoint(),
			"in_flight": h.status.InFlight(),
			"capacity":  h.status.Capacity(),
		},
	})
}

// Capture takes the screenshot(s) described by the body and returns their
// public URLs.
// POST /capture
func (h *Handler) Capture(c *fiber.Ctx) error {
	var req capture.Request
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}

	ctx := capture.WithRequestID(c.UserContext(), security.RequestID(c))
	res, err := h.capturer.Capture(ctx, &req)
	if err != nil {
		return err
	}

	if res.ImageURLs != nil {
		return c.JSON(fiber.Map{"imageUrls": res.ImageURLs})
	}
	return c.JSON(fiber.Map{"imageUrl": res.ImageURL})
}

// Archive serves a published screenshot.
// GET /archives/:file
func (h *Handler) Archive(c *fiber.Ctx) error {
	file := c.Params("file")
	name, ok := strings.CutSuffix(file, artifact.Ext)
	if !ok || !artifact.ValidName(name) {
		return fiber.ErrNotFound
	}

	path, err := h.store.Path(name)
	if err != nil {
		return fiber.ErrNotFound
	}
	// Not SendFile: its handle cache keeps serving swept or replaced files.
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fiber.ErrNotFound
		}
		return err
	}

	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Type("png")
	return c.Send(data)
}
