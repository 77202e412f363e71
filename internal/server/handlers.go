package server

import (
	"errors"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/fetch-vault/fetch-vault/internal/engine"
	"github.com/fetch-vault/fetch-vault/internal/logging"
)

// handler 将缓存引擎的结果映射到 HTTP 语义，除 fetch 外均为薄封装。
type handler struct {
	logger *logrus.Logger
	cache  engine.Cache
	lister EntryLister
}

// fetch 执行穿透式读取：命中读盘、未命中回源，回源失败返回 502。
func (h *handler) fetch(c fiber.Ctx) error {
	started := time.Now()
	key, err := keyParam(c)
	if err != nil {
		return writeError(c, fiber.StatusBadRequest, "url_required")
	}

	before, _ := h.cache.StorageLocation(key)

	data, err := h.cache.Fetch(c.Context(), key)
	if err != nil {
		h.logResult(c, key, false, started, err)
		var remoteErr *engine.RemoteError
		if errors.As(err, &remoteErr) {
			return writeError(c, fiber.StatusBadGateway, "remote_fetch_failed")
		}
		return writeError(c, fiber.StatusInternalServerError, "fetch_failed")
	}

	// 正文文件名只在重新写入时变化，位置未变即为真实命中。
	after, _ := h.cache.StorageLocation(key)
	hit := before != "" && before == after

	if ct := contentTypeFor(key); ct != "" {
		c.Set("Content-Type", ct)
	}
	c.Set("X-Vault-Cache-Hit", boolHeader(hit))
	h.logResult(c, key, hit, started, nil)
	return c.Send(data)
}

func (h *handler) location(c fiber.Ctx) error {
	key, err := keyParam(c)
	if err != nil {
		return writeError(c, fiber.StatusBadRequest, "url_required")
	}
	location, ok := h.cache.StorageLocation(key)
	if !ok {
		return writeError(c, fiber.StatusNotFound, "entry_not_found")
	}
	return c.JSON(fiber.Map{"key": key, "location": location})
}

func (h *handler) removeEntry(c fiber.Ctx) error {
	key, err := keyParam(c)
	if err != nil {
		return writeError(c, fiber.StatusBadRequest, "url_required")
	}
	h.cache.Remove(key)
	h.logger.WithFields(logging.CacheFields("remove", key)).Info("entry_removed")
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *handler) removeAll(c fiber.Ctx) error {
	if err := h.cache.RemoveAll(); err != nil {
		h.logger.WithFields(logging.CacheFields("remove_all", "")).
			WithError(err).Error("cache_clear_failed")
		return writeError(c, fiber.StatusInternalServerError, "cache_clear_failed")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// listEntries 暴露 /-/entries 诊断接口，返回按 Key 排序的索引快照。
func (h *handler) listEntries(c fiber.Ctx) error {
	if h.lister == nil {
		return writeError(c, fiber.StatusNotFound, "diagnostics_unavailable")
	}
	return c.JSON(fiber.Map{
		"count":   h.lister.Len(),
		"entries": h.lister.Entries(),
	})
}

func (h *handler) logResult(c fiber.Ctx, key string, hit bool, started time.Time, err error) {
	fields := logging.FetchFields(key, hit, time.Since(started))
	if reqID := RequestID(c); reqID != "" {
		fields["request_id"] = reqID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("fetch_failed")
		return
	}
	h.logger.WithFields(fields).Info("fetch_complete")
}

func keyParam(c fiber.Ctx) (string, error) {
	raw := strings.TrimSpace(c.Query("url"))
	if raw == "" {
		return "", errors.New("url query parameter required")
	}
	return raw, nil
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func boolHeader(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// contentTypeFor 按 Key 的扩展名推断常见类型，未知类型交给客户端自行处理。
func contentTypeFor(key string) string {
	raw := key
	if parsed, err := url.Parse(key); err == nil && parsed.Path != "" {
		raw = parsed.Path
	}
	switch path.Ext(raw) {
	case ".json":
		return "application/json"
	case ".txt":
		return "text/plain"
	case ".html":
		return "text/html"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".zip":
		return "application/zip"
	case ".gz", ".tgz":
		return "application/octet-stream"
	}
	return ""
}
