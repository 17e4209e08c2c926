package handlers

import (
	"errors"
	"log"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"idle-arena/services"
)

// statusFor maps core errors onto HTTP statuses.
func statusFor(err error) int {
	switch services.CodeOf(err) {
	case services.CodeSessionNotFound:
		return fiber.StatusNotFound
	case services.CodeInvalidToken, services.CodeSessionExpired:
		return fiber.StatusUnauthorized
	case services.CodeUserMismatch:
		return fiber.StatusForbidden
	case services.CodeSessionInactive, services.CodeIllegalTransition, services.CodeInsufficientGold:
		return fiber.StatusConflict
	}
	switch services.KindOf(err) {
	case services.KindValidation:
		return fiber.StatusBadRequest
	case services.KindIntegrity:
		return fiber.StatusUnprocessableEntity
	case services.KindRateLimit:
		return fiber.StatusTooManyRequests
	case services.KindBanned:
		return fiber.StatusForbidden
	case services.KindPersistence:
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

// respond writes body with the status of f, or 200 when f carries no error.
func respond(c *fiber.Ctx, f services.Failure, body any) error {
	err := f.Err()
	if err == nil {
		return c.JSON(body)
	}
	setRetryAfter(c, f.RetryAfterMs)
	return c.Status(statusFor(err)).JSON(body)
}

func fail(c *fiber.Ctx, err error) error {
	var e *services.Error
	if !errors.As(err, &e) {
		log.Printf("❌ [HTTP] %s %s: %v", c.Method(), c.Path(), err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal error",
			"cause": err.Error(),
		})
	}
	body := fiber.Map{"success": false, "error": err.Error(), "code": e.Code}
	if ms := e.RetryAfter.Milliseconds(); ms > 0 {
		body["retry_after_ms"] = ms
		setRetryAfter(c, ms)
	}
	return c.Status(statusFor(err)).JSON(body)
}

func setRetryAfter(c *fiber.Ctx, ms int64) {
	if ms > 0 {
		c.Set(fiber.HeaderRetryAfter, strconv.FormatInt((ms+999)/1000, 10))
	}
}

func badRequest(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"success": false,
		"error":   "invalid JSON",
		"code":    services.CodeInvalidPayload,
		"cause":   err.Error(),
	})
}
