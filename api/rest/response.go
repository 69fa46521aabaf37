package rest

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"yqhp/taskbus/pkg/types"
)

// Response is the envelope of every API answer.
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Response codes.
const (
	CodeSuccess     = 0
	CodeError       = -1
	CodeBadRequest  = 400
	CodeNotFound    = 404
	CodeConflict    = 409
	CodeServerError = 500
)

// Response messages.
const (
	MsgSuccess     = "success"
	MsgNotFound    = "not found"
	MsgServerError = "server error"
)

// Success writes data with a success code.
func Success(c *fiber.Ctx, data any) error {
	return c.JSON(Response{
		Code:    CodeSuccess,
		Message: MsgSuccess,
		Data:    data,
	})
}

// Created writes data with status 201.
func Created(c *fiber.Ctx, data any) error {
	return c.Status(fiber.StatusCreated).JSON(Response{
		Code:    CodeSuccess,
		Message: MsgSuccess,
		Data:    data,
	})
}

// BadRequest writes a 400 answer.
func BadRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(Response{
		Code:    CodeBadRequest,
		Message: message,
	})
}

// NotFound writes a 404 answer.
func NotFound(c *fiber.Ctx, message string) error {
	if message == "" {
		message = MsgNotFound
	}
	return c.Status(fiber.StatusNotFound).JSON(Response{
		Code:    CodeNotFound,
		Message: message,
	})
}

// Fail writes err with the HTTP status matching its bus error code.
func Fail(c *fiber.Ctx, err error) error {
	status := StatusOf(err)
	resp := Response{Code: status, Message: err.Error()}
	if code := types.CodeOf(err); code != "" {
		resp.Error = string(code)
	}
	return c.Status(status).JSON(resp)
}

// StatusOf maps an error to an HTTP status.
func StatusOf(err error) int {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	switch types.CodeOf(err) {
	case types.ErrCodeUnknownTask:
		return fiber.StatusNotFound
	case types.ErrCodeAlreadyFinalised, types.ErrCodeInvalidTransition:
		return fiber.StatusConflict
	case types.ErrCodeInvalidMask, types.ErrCodeInvalidManifest:
		return fiber.StatusBadRequest
	case types.ErrCodeUnreachable, types.ErrCodeDispatchFailure:
		return fiber.StatusBadGateway
	case types.ErrCodeDispatchTimeout:
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusInternalServerError
	}
}

// errorHandler answers errors returned by handlers in the envelope.
func errorHandler(c *fiber.Ctx, err error) error {
	if StatusOf(err) == fiber.StatusInternalServerError {
		return c.Status(fiber.StatusInternalServerError).JSON(Response{
			Code:    CodeServerError,
			Message: MsgServerError,
			Error:   err.Error(),
		})
	}
	return Fail(c, err)
}
