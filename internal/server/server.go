package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"
	oapimiddleware "github.com/oapi-codegen/nethttp-middleware"
	"go.uber.org/zap"

	"github.com/dgnsrekt/kinect-multiplexer/api"
)

// LoadSwagger parses and validates the embedded OpenAPI document.
func LoadSwagger() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	swagger, err := loader.LoadFromData(api.OpenAPISpec)
	if err != nil {
		return nil, fmt.Errorf("loading openapi document: %w", err)
	}
	if err := swagger.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("validating openapi document: %w", err)
	}
	swagger.Servers = nil // Allow any host
	return swagger, nil
}

// NewRouter builds the HTTP surface of one listener. Unqualified stream
// routes serve defaultStream.
func NewRouter(server *Server, defaultStream string, logger *zap.Logger) (http.Handler, error) {
	// Load OpenAPI spec for validation
	swagger, err := LoadSwagger()
	if err != nil {
		return nil, err
	}

	gzip, err := gzhttp.NewWrapper(gzhttp.MinSize(512))
	if err != nil {
		return nil, fmt.Errorf("creating gzip wrapper: %w", err)
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(zapLoggerMiddleware(logger))

	// Non-validated routes
	r.Get("/openapi.yaml", openapiHandler)
	r.Get("/", viewerHandler(defaultStream))
	r.Get("/dual", dualViewerHandler)
	r.Get("/stream", server.handleDefaultStream(defaultStream))
	r.Get("/stream.mjpg", server.handleDefaultStream(defaultStream))
	r.Get("/stream/{id}", server.handleStream)
	r.Get("/ws/{id}", server.handleWebSocket)
	if server.feed != nil {
		r.Get("/events", server.feed.HandleSSE)
	}

	// API routes with OpenAPI validation
	r.Group(func(apiRouter chi.Router) {
		apiRouter.Use(oapimiddleware.OapiRequestValidatorWithOptions(swagger, &oapimiddleware.Options{
			ErrorHandler:          validationErrorHandler,
			SilenceServersWarning: true,
		}))
		apiRouter.Use(func(next http.Handler) http.Handler { return gzip(next) })

		apiRouter.Get("/status", server.handleStatus)
		apiRouter.Get("/health", server.handleHealth)
		apiRouter.Get("/switch", server.handleSwitch(defaultStream))
		apiRouter.Post("/switch", server.handleSwitch(defaultStream))
	})

	return r, nil
}

// validationErrorHandler answers rejected API requests in the same
// "ERROR: ..." form the control port uses.
func validationErrorHandler(w http.ResponseWriter, message string, statusCode int) {
	writeText(w, statusCode, "ERROR: "+message)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("query", r.URL.RawQuery),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote", r.RemoteAddr),
			)
			next.ServeHTTP(w, r)
		})
	}
}

func openapiHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(api.OpenAPISpec)
}
