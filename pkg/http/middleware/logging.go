package middleware

import (
	"time"

	"github.com/labstack/echo/v4"

	applogger "MarketPull/pkg/logger"
)

// RequestLogging logs one line per request at debug, errors at warn.
func RequestLogging(l *applogger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			start := time.Now()

			err := next(c)

			status := c.Response().Status
			fields := []applogger.Field{
				applogger.String("method", req.Method),
				applogger.String("path", req.URL.Path),
				applogger.Int("status", status),
				applogger.Duration("latency", time.Since(start)),
			}
			if err != nil || status >= 500 {
				l.Warn("http request failed", append(fields, applogger.Error(err))...)
			} else {
				l.Debug("http request", fields...)
			}

			return err
		}
	}
}
