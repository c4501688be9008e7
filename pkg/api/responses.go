package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	pferrors "github.com/otherjamesbrown/fathom-transcripts/pkg/errors"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/logging"
)

// opError carries the user-facing label for a failed operation, e.g.
// "Failed to search by email", alongside the cause.
type opError struct {
	label string
	err   error
}

func (e *opError) Error() string { return e.label + ": " + e.err.Error() }
func (e *opError) Unwrap() error { return e.err }

func failed(label string, err error) error {
	return &opError{label: label, err: err}
}

// fail writes the {success:false, error, message} body.
func fail(c *fiber.Ctx, status int, label, message string) error {
	body := fiber.Map{"success": false, "error": label}
	if message != "" {
		body["message"] = message
	}
	return c.Status(status).JSON(body)
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case pferrors.IsValidation(err):
		return fiber.StatusBadRequest
	case pferrors.IsNotFound(err):
		return fiber.StatusNotFound
	case pferrors.IsConflict(err):
		return fiber.StatusConflict
	case pferrors.IsUnauthorized(err):
		return fiber.StatusUnauthorized
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return fiber.StatusInternalServerError
}

// handleError is the app's ErrorHandler. Handlers return failed(...) and this writes
// the response.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	label := "Internal Server Error"

	var oe *opError
	var fe *fiber.Error
	switch {
	case errors.As(err, &oe):
		label = oe.label
		err = oe.err
	case errors.As(err, &fe):
		label = fe.Message
	}

	if status >= fiber.StatusInternalServerError {
		s.logger.Error("Request failed",
			logging.Err(err),
			logging.F("method", c.Method()),
			logging.F("path", c.Path()),
			logging.F("request_id", requestID(c)))
	}
	return fail(c, status, label, err.Error())
}

func requestID(c *fiber.Ctx) string {
	if id, ok := c.Locals("requestid").(string); ok {
		return id
	}
	return ""
}
