package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/websocket/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/otherjamesbrown/fathom-transcripts/pkg/logging"
)

// authenticator checks basic-auth credentials: the username must be an email at an
// allowed domain and the password must match the shared secret.
type authenticator struct {
	domains  map[string]struct{}
	hash     []byte
	password []byte
}

func newAuthenticator(domains []string, passwordHash, password string) (*authenticator, error) {
	if len(domains) == 0 {
		return nil, errors.New("api: at least one allowed email domain is required")
	}
	if passwordHash == "" && password == "" {
		return nil, errors.New("api: a password or password hash is required")
	}
	if passwordHash != "" {
		if _, err := bcrypt.Cost([]byte(passwordHash)); err != nil {
			return nil, fmt.Errorf("api: invalid password hash: %w", err)
		}
	}
	a := &authenticator{
		domains:  make(map[string]struct{}, len(domains)),
		hash:     []byte(passwordHash),
		password: []byte(password),
	}
	for _, d := range domains {
		a.domains[strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), "@")] = struct{}{}
	}
	return a, nil
}

// Authorize reports whether user and pass are acceptable.
func (a *authenticator) Authorize(user, pass string) bool {
	at := strings.LastIndex(user, "@")
	if at <= 0 || at == len(user)-1 {
		return false
	}
	if _, ok := a.domains[strings.ToLower(user[at+1:])]; !ok {
		return false
	}
	if len(a.hash) > 0 {
		return bcrypt.CompareHashAndPassword(a.hash, []byte(pass)) == nil
	}
	return subtle.ConstantTimeCompare(a.password, []byte(pass)) == 1
}

func (a *authenticator) middleware() fiber.Handler {
	return basicauth.New(basicauth.Config{
		Next: func(c *fiber.Ctx) bool {
			return c.Path() == "/health" || c.Method() == fiber.MethodOptions
		},
		Realm:      Realm,
		Authorizer: a.Authorize,
		Unauthorized: func(c *fiber.Ctx) error {
			c.Set(fiber.HeaderWWWAuthenticate, `Basic realm="`+Realm+`"`)
			msg := "Invalid credentials"
			if !strings.HasPrefix(c.Get(fiber.HeaderAuthorization), "Basic ") {
				msg = "Authentication required"
			}
			return c.Status(fiber.StatusUnauthorized).SendString(msg)
		},
	})
}

// requestLogger logs one line per request.
func (s *Server) requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		if err != nil {
			// Render the error here so the logged status is the one sent.
			if herr := s.handleError(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		status := c.Response().StatusCode()
		fields := []logging.Field{
			logging.F("method", c.Method()),
			logging.F("path", c.Path()),
			logging.F("status", status),
			logging.F("duration_ms", time.Since(start).Milliseconds()),
			logging.F("ip", c.IP()),
			logging.F("request_id", requestID(c)),
		}
		switch {
		case status >= fiber.StatusInternalServerError:
			s.logger.Error("HTTP request", fields...)
		case c.Path() == "/health" || c.Path() == "/metrics":
			s.logger.Debug("HTTP request", fields...)
		default:
			s.logger.Info("HTTP request", fields...)
		}
		return nil
	}
}

// requireUpgrade rejects plain HTTP requests on websocket routes.
func requireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}
