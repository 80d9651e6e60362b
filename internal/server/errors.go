package server

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"crash/internal/game"
)

// statusFor maps a rejection to the HTTP status it is served with.
func statusFor(err error) int {
	switch {
	case errors.Is(err, game.ErrUnauthorized):
		return fiber.StatusUnauthorized
	case errors.Is(err, game.ErrInsufficientFunds):
		return fiber.StatusPaymentRequired
	case errors.Is(err, game.ErrDuplicateBet),
		errors.Is(err, game.ErrBetPending),
		errors.Is(err, game.ErrAlreadyCashedOut):
		return fiber.StatusConflict
	case errors.Is(err, game.ErrBetNotFound),
		errors.Is(err, game.ErrRoundNotActive),
		errors.Is(err, game.ErrRoundNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, game.ErrQueueFull),
		errors.Is(err, game.ErrBalanceUnavailable),
		errors.Is(err, game.ErrSeedUnavailable):
		return fiber.StatusServiceUnavailable
	}
	var re *game.RejectError
	if errors.As(err, &re) {
		return fiber.StatusBadRequest
	}
	return fiber.StatusInternalServerError
}

type errorBody struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorPayload(err error) errorBody {
	var re *game.RejectError
	if errors.As(err, &re) {
		return errorBody{Code: re.Code, Message: re.Message}
	}
	if errors.Is(err, game.ErrRoundNotFound) {
		return errorBody{Code: "round_not_found", Message: "round not found"}
	}
	return errorBody{Code: "internal_error", Message: "internal error"}
}

func respondError(c *fiber.Ctx, err error) error {
	return c.Status(statusFor(err)).JSON(errorPayload(err))
}

func respondOK(c *fiber.Ctx, data interface{}) error {
	return c.JSON(fiber.Map{"success": true, "data": data})
}

func badRequest(c *fiber.Ctx, code, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(errorBody{Code: code, Message: message})
}

// errorHandler renders framework errors (unknown route, rate limit, panics)
// in the same shape as rejections.
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	body := errorBody{Code: "internal_error", Message: "internal error"}

	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		body = errorBody{Code: httpCode(fe.Code), Message: fe.Message}
	}
	return c.Status(code).JSON(body)
}

func httpCode(status int) string {
	switch status {
	case fiber.StatusNotFound:
		return "not_found"
	case fiber.StatusTooManyRequests:
		return "rate_limited"
	case fiber.StatusUpgradeRequired:
		return "upgrade_required"
	case fiber.StatusMethodNotAllowed:
		return "method_not_allowed"
	}
	return "http_error"
}
