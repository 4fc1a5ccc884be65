package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/vocalisai/vocalis/internal/auth"
	"github.com/vocalisai/vocalis/internal/backpressure"
	"github.com/vocalisai/vocalis/internal/session"
	"github.com/vocalisai/vocalis/internal/websocket"
)

// InitRoutes wires the HTTP control plane and the websocket endpoint.
// Session creation happens over plain HTTP; the returned token gates the
// websocket attach.
func InitRoutes(
	e *echo.Echo,
	hub *websocket.Hub,
	sessions *session.Manager,
	issuer *auth.TokenIssuer,
	bp *backpressure.Controller,
	logger *zap.Logger,
) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "ok",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	v1 := e.Group("/api/v1")
	v1.POST("/sessions", createSession(sessions, issuer, bp, logger))
	v1.DELETE("/sessions/:id", endSession(sessions, logger))
	v1.GET("/sessions/:id/metrics", sessionMetrics(sessions))
	v1.GET("/status", serverStatus(sessions, bp))

	e.GET("/ws", websocketWithAuth(hub, issuer, logger))
}

func createSession(sessions *session.Manager, issuer *auth.TokenIssuer, bp *backpressure.Controller, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req CreateSessionRequest
		// The body is optional; a bare POST creates an anonymous session.
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_request",
				Message: "request body must be JSON",
			})
		}

		sess := sessions.CreateSession()
		if sess == nil {
			// Full or shedding load. Not an error: the caller should
			// retry after a short delay.
			resp := TryLaterResponse{
				Reason:        backpressure.LevelSessionReject.String(),
				RetryAfterSec: 5,
			}
			if bp != nil {
				resp.Reason = bp.Level().String()
				resp.QueuePosition = bp.QueuePosition()
			}
			c.Response().Header().Set("Retry-After", "5")
			return c.JSON(http.StatusServiceUnavailable, resp)
		}

		token, err := issuer.GenerateSessionToken(sess.ID, req.ClientID)
		if err != nil {
			sessions.EndSession(sess.ID)
			logger.Error("failed to mint session token", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "token_generation_failed",
				Message: "could not create session token",
			})
		}

		logger.Info("session created",
			zap.String("sessionID", sess.ID),
			zap.String("clientID", req.ClientID))

		return c.JSON(http.StatusCreated, CreateSessionResponse{
			SessionID: sess.ID,
			Token:     token,
			ExpiresAt: time.Now().Add(issuer.TTL()),
		})
	}
}

func endSession(sessions *session.Manager, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		if !sessions.EndSession(id) {
			return c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "session_not_found",
				Message: "no session with id " + id,
			})
		}
		logger.Info("session ended via api", zap.String("sessionID", id))
		return c.NoContent(http.StatusNoContent)
	}
}

func sessionMetrics(sessions *session.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		sess, ok := sessions.GetSession(id)
		if !ok {
			return c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "session_not_found",
				Message: "no session with id " + id,
			})
		}

		m := sess.Metrics()
		return c.JSON(http.StatusOK, SessionMetricsResponse{
			SessionID:         sess.ID,
			State:             string(sess.State()),
			TurnCount:         m.TurnCount,
			InterruptionCount: m.InterruptionCount,
			MinTTFAMs:         m.MinTTFAMs,
			MaxTTFAMs:         m.MaxTTFAMs,
			AvgTTFAMs:         m.AvgTTFAMs,
		})
	}
}

func serverStatus(sessions *session.Manager, bp *backpressure.Controller) echo.HandlerFunc {
	return func(c echo.Context) error {
		level := backpressure.LevelNormal
		if bp != nil {
			level = bp.Level()
		}
		return c.JSON(http.StatusOK, StatusResponse{
			ActiveSessions:  sessions.ActiveCount(),
			SessionCapacity: sessions.Capacity(),
			Level:           level.String(),
		})
	}
}

func websocketWithAuth(hub *websocket.Hub, issuer *auth.TokenIssuer, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := bearerToken(c)
		if token == "" {
			return c.JSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "missing_token",
				Message: "provide a session token via Authorization header or token query param",
			})
		}

		claims, err := issuer.ValidateToken(token)
		if err != nil {
			logger.Warn("websocket auth failed", zap.Error(err))
			return c.JSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "invalid_token",
				Message: "session token is invalid or expired",
			})
		}

		return websocket.HandleWebSocket(hub, c, claims.SessionID, logger)
	}
}

// bearerToken extracts the session token from the Authorization header,
// falling back to the token query param for browser websocket clients
// that cannot set headers.
func bearerToken(c echo.Context) string {
	h := c.Request().Header.Get("Authorization")
	if len(h) > 7 && h[:7] == "Bearer " {
		return h[7:]
	}
	return c.QueryParam("token")
}
