package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

// HealthCheck обработчик для проверки работоспособности сервиса
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "OK",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// Checker проверка зависимости (ping базы, redis)
type Checker func(ctx context.Context) error

// Readiness проверяет зависимости параллельно; 503, если хотя бы одна недоступна
func Readiness(checks map[string]Checker, timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		results := make(map[string]string, len(checks))
		errs := make([]error, len(checks))
		names := make([]string, 0, len(checks))
		for name := range checks {
			names = append(names, name)
		}

		var g errgroup.Group
		for i, name := range names {
			check := checks[name]
			g.Go(func() error {
				errs[i] = check(ctx)
				return nil
			})
		}
		_ = g.Wait()

		status := http.StatusOK
		for i, name := range names {
			if errs[i] != nil {
				results[name] = errs[i].Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "OK"
		}

		c.JSON(status, gin.H{"checks": results})
	}
}
