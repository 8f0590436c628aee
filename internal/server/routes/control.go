package routes

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/origin-shift/internal/worker"
)

// MessageApplier 接收页面发来的控制消息。
type MessageApplier interface {
	Apply(ctx context.Context, msg worker.Message) error
}

// RegisterControlRoutes 暴露 POST /-/control，把 {"type": "..."} 转交给 worker。
// 消息没有确认语义：只要请求体是合法 JSON 就回复 202。
func RegisterControlRoutes(app *fiber.App, applier MessageApplier, logger *logrus.Logger) {
	if app == nil || applier == nil {
		return
	}

	app.Post("/-/control", func(c fiber.Ctx) error {
		var msg worker.Message
		if err := json.Unmarshal(c.Body(), &msg); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}

		err := applier.Apply(c.Context(), msg)
		if err != nil && logger != nil {
			entry := logger.WithFields(logrus.Fields{
				"action":  "control",
				"message": msg.Type,
			})
			switch {
			case errors.Is(err, worker.ErrUnknownMessage):
				entry.Debug("ignored control message")
			case errors.Is(err, worker.ErrNotReady):
				entry.Warn("control message before worker ready")
			default:
				entry.WithError(err).Error("control message failed")
			}
		}
		return c.SendStatus(fiber.StatusAccepted)
	})
}
