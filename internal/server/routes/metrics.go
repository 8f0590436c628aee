package routes

import (
	"net/http"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
)

// RegisterMetricsRoutes 通过 adaptor 把 promhttp handler 挂到 GET /-/metrics。
func RegisterMetricsRoutes(app *fiber.App, handler http.Handler) {
	if app == nil || handler == nil {
		return
	}
	app.Get("/-/metrics", adaptor.HTTPHandler(handler))
}
