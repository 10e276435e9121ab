package web

import (
	_ "embed"
	"html/template"
	"net/http"

	"go.uber.org/zap"
)

//go:embed dashboard.html
var dashboardHTML string

var dashboardTemplate = template.Must(template.New("dashboard").Parse(dashboardHTML))

// DashboardData is rendered into the page
type DashboardData struct {
	Version string
	ModelID string
	WSPath  string
}

// NewDashboardHandler serves a live view of the websocket event stream
func NewDashboardHandler(data DashboardData, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")

		if err := dashboardTemplate.Execute(w, data); err != nil {
			logger.Error("Failed to render dashboard", zap.Error(err))
		}
	}
}
