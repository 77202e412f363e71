package server

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fetch-vault/fetch-vault/internal/engine"
)

// EntryLister 提供诊断端点使用的索引快照能力，内存实现可不提供。
type EntryLister interface {
	Entries() []engine.EntryInfo
	Len() int
}

// AppOptions controls the dependencies of the Fiber application.
type AppOptions struct {
	Logger *logrus.Logger
	Cache  engine.Cache

	// Lister 可选；为 nil 时诊断端点返回 404。
	Lister EntryLister
}

const contextKeyRequestID = "_vault_request_id"

// NewApp builds a Fiber application exposing the cache engine with request-ID
// middleware and structured error handling.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("cache is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())

	h := &handler{logger: opts.Logger, cache: opts.Cache, lister: opts.Lister}
	app.Get("/fetch", h.fetch)
	app.Get("/location", h.location)
	app.Delete("/entry", h.removeEntry)
	app.Delete("/cache", h.removeAll)
	app.Get("/-/entries", h.listEntries)

	return app, nil
}

// requestIDMiddleware 为每个请求生成 ID，贯穿日志与响应头。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID 返回中间件生成的请求 ID，未生成时为空串。
func RequestID(c fiber.Ctx) string {
	if value, ok := c.Locals(contextKeyRequestID).(string); ok {
		return value
	}
	return ""
}
