package handler

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/wadjakorntonsri/linkshort/pkg/ports"
)

// NewRouter creates and configures the main application router
func NewRouter(service ports.LinkService, logger logrus.FieldLogger) http.Handler {
	h := NewHTTPHandler(service, logger)
	mw := NewMiddleware(logger)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Health)

	// The exact /links/search pattern is more specific than /links/{code} and wins.
	mux.HandleFunc("POST /links/shorten", h.Create)
	mux.HandleFunc("GET /links/search", h.Search)
	mux.HandleFunc("GET /links/{code}", h.Redirect)
	mux.HandleFunc("PUT /links/{code}", h.Update)
	mux.HandleFunc("DELETE /links/{code}", h.Delete)
	mux.HandleFunc("GET /links/{code}/stats", h.Stats)

	return mw.RequestID(mw.Recover(mw.AccessLog(mux)))
}
