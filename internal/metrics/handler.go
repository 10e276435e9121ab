package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type errorLoggerWrapper struct {
	logger *zap.Logger
}

func (el *errorLoggerWrapper) Println(v ...interface{}) {
	el.logger.Warn("metric handler error", zap.Any("details", v))
}

// NewMetricsHandler creates an HTTP handler to expose metrics.
func NewMetricsHandler(metricsService Metrics, logger *zap.Logger) http.Handler {
	return promhttp.HandlerFor(metricsService.GetRegistry(), promhttp.HandlerOpts{
		ErrorLog: &errorLoggerWrapper{logger: logger},
	})
}
