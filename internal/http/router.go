package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"

	httpH "github.com/yungbote/taskfabric/internal/http/handlers"
	httpMW "github.com/yungbote/taskfabric/internal/http/middleware"
	"github.com/yungbote/taskfabric/internal/pkg/logger"
)

type RouterConfig struct {
	JobHandler    *httpH.JobHandler
	HealthHandler *httpH.HealthHandler

	// MetricsHandler serves the Prometheus exposition endpoint.
	MetricsHandler stdhttp.Handler

	Log *logger.Logger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpMW.RequestID())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.CORS())

	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}
	if cfg.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(cfg.MetricsHandler))
	}

	api := r.Group("/api")
	{
		if cfg.JobHandler != nil {
			api.POST("/jobs", cfg.JobHandler.SubmitJob)
			api.GET("/jobs/:id", cfg.JobHandler.GetJob)
			api.GET("/jobs/:id/tasks", cfg.JobHandler.ListTasks)
			api.POST("/jobs/:id/fail", cfg.JobHandler.FailJob)
			api.GET("/job-types", cfg.JobHandler.ListJobTypes)
		}
	}

	return r
}
