package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"vpnctl/internal/domain"
)

// Pinger is the subset of *registry.Registry the readiness probe needs.
type Pinger interface {
	Ping() error
}

// HealthLiveness godoc
// @Summary      Liveness probe
// @Description  Indicates the process is running and the HTTP handler is reachable.
// @Tags         health
// @Produce      json
// @Success      200  {object}  domain.HealthResponse
// @Router       /healthz [get]
func HealthLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, domain.HealthResponse{Status: "ok"})
}

// HealthReadiness godoc
// @Summary      Readiness probe
// @Description  Indicates the registry is reachable and the service can accept requests.
// @Tags         health
// @Produce      json
// @Success      200  {object}  domain.ReadinessResponse
// @Failure      503  {object}  domain.ReadinessResponse
// @Router       /readyz [get]
func HealthReadiness(reg Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := reg.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, domain.ReadinessResponse{
				Status: "not ready",
				Error:  err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, domain.ReadinessResponse{Status: "ready"})
	}
}
