package routes

import (
	"context"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/origin-shift/internal/worker"
)

// StateSource 提供 /-/state 所需的快照。
type StateSource interface {
	Snapshot(ctx context.Context) worker.Snapshot
}

// RegisterStateRoutes 暴露 GET /-/state 诊断接口，供 SRE 查看生命周期与缓存代际。
func RegisterStateRoutes(app *fiber.App, source StateSource) {
	if app == nil || source == nil {
		return
	}

	app.Get("/-/state", func(c fiber.Ctx) error {
		return c.JSON(source.Snapshot(c.Context()))
	})
}
