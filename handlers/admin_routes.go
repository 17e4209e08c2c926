package handlers

import (
	"github.com/gofiber/fiber/v2"

	"idle-arena/middleware"
	"idle-arena/services"
)

// PersistenceStats reports store writes that failed or were dropped.
type PersistenceStats interface {
	Failures() int64
}

func SetupAdminRoutes(app *fiber.App, orch *services.SessionOrchestrator, board *services.LeaderboardAggregator, hub *services.Hub, writes PersistenceStats) {
	admin := app.Group("/s/admin", middleware.UserContextMiddleware(), middleware.RequireRole("admin"))

	admin.Get("/security/:userId", func(c *fiber.Ctx) error {
		return c.JSON(orch.SecurityStatus(c.Params("userId")))
	})

	admin.Post("/leaderboard/rebuild", func(c *fiber.Ctx) error {
		rows, err := board.Rebuild(c.UserContext())
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{
			"message": "leaderboard rebuilt",
			"entries": rows,
		})
	})

	admin.Post("/leaderboard/archive", func(c *fiber.Ctx) error {
		url, err := board.Archive(c.UserContext())
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{"url": url})
	})

	admin.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"sessions":             orch.Stats(),
			"online":               len(orch.OnlinePlayers()),
			"leaderboard_builds":   board.Rebuilds(),
			"dropped_events":       hub.Dropped(),
			"persistence_failures": writes.Failures(),
		})
	})
}
