package handlers

import (
	"github.com/gofiber/fiber/v2"

	"idle-arena/middleware"
	"idle-arena/services"
)

// SetupGameRoutes mounts the per-player game API. The gateway forwards
// /api/v1/game/s/... here as /s/game/...
func SetupGameRoutes(app *fiber.App, orch *services.SessionOrchestrator) {
	secured := app.Group("/s/game", middleware.UserContextMiddleware())

	// Restores the active session when there is one.
	secured.Post("/session", func(c *fiber.Ctx) error {
		sess, restored, err := orch.EnsureSession(c.UserContext(), middleware.Identity(c))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{
			"success":  true,
			"session":  sess,
			"restored": restored,
		})
	})

	secured.Post("/session/new", func(c *fiber.Ctx) error {
		sess, err := orch.StartNewRun(c.UserContext(), middleware.Identity(c))
		if err != nil {
			return fail(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"success": true,
			"session": sess,
		})
	})

	secured.Post("/action", func(c *fiber.Ctx) error {
		var req services.ActionRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, err)
		}
		resp := orch.Dispatch(c.UserContext(), middleware.UserID(c), req)
		return respond(c, resp.Failure, resp)
	})

	secured.Post("/score", func(c *fiber.Ctx) error {
		var rep services.ProgressReport
		if err := c.BodyParser(&rep); err != nil {
			return badRequest(c, err)
		}
		res := orch.SubmitScore(c.UserContext(), middleware.UserID(c), rep)
		return respond(c, res.Failure, res)
	})

	secured.Post("/level", func(c *fiber.Ctx) error {
		var rep services.ProgressReport
		if err := c.BodyParser(&rep); err != nil {
			return badRequest(c, err)
		}
		res := orch.UpdateLevel(c.UserContext(), middleware.UserID(c), rep)
		return respond(c, res.Failure, res)
	})

	secured.Get("/state", func(c *fiber.Ctx) error {
		state, err := orch.GameState(middleware.UserID(c))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(state)
	})

	secured.Get("/passives", func(c *fiber.Ctx) error {
		view, err := orch.Passives(middleware.UserID(c))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(view)
	})
}
