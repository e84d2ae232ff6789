// Package questlabrest provides REST API utilities with CORS support and common middleware.
package questlabrest

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	questlabcli "github.com/questlab-research/questlab-go-utils/questlab-cli"
	"github.com/rs/zerolog"
	"github.com/savaki/apigateway"
)

func Middlewares(service questlabcli.Service, routes chi.Router) chi.Router {
	routes.Use(
		withCORS(),
		withLogger(questlabcli.Logger(service)),
		middleware.Recoverer,
	)
	return routes
}

func Webserver(service questlabcli.Service, routes chi.Router) error {
	logger := questlabcli.Logger(service)

	if questlabcli.CommonOpts.Console {
		logger.Info().Int("port", questlabcli.CommonOpts.Port).Msg("starting http server")
		addr := fmt.Sprintf(":%v", questlabcli.CommonOpts.Port)
		return http.ListenAndServe(addr, Mount(service, routes))
	}

	lambda.Start(apigateway.Wrap(routes, questlabcli.CommonOpts.Env, service.Subpath))
	return nil
}

// Mount nests routes under the service's subpath, matching the prefix API
// Gateway strips in lambda mode.
func Mount(service questlabcli.Service, routes chi.Router) chi.Router {
	if service.Subpath == "" {
		return routes
	}
	router := chi.NewRouter()
	router.Mount(fmt.Sprintf("/%v", service.Subpath), routes)
	return router
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes {"error": message} with the given status.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func withCORS() func(next http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
	})
}

func withLogger(logger zerolog.Logger) func(handler http.Handler) http.Handler {
	return func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := logger.WithContext(req.Context())
			req = req.WithContext(ctx)
			handler.ServeHTTP(w, req)
		})
	}
}
