package httpapi

import (
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"portrait/internal/http/handlers"
	"portrait/internal/infra"
	"portrait/internal/middleware"
)

type Options struct {
	Logger *infra.Logger
	// RatePerMinute caps portrait and output requests per tenant. Zero disables it.
	RatePerMinute int
	CORSOrigins   []string
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		discard := infra.Logger(zerolog.New(io.Discard))
		logger = &discard
	}
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		middleware.CORS(opts.CORSOrigins),
		middleware.Tenant,
		middleware.Logger(logger),
		chimw.Recoverer,
	)

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/templates", app.ListTemplates)

	r.Group(func(r chi.Router) {
		if opts.RatePerMinute > 0 {
			r.Use(middleware.RateLimit(opts.RatePerMinute, time.Minute))
		}
		r.Route("/v1/portraits", func(r chi.Router) {
			r.Post("/", app.CreatePortrait)
			r.Get("/{id}", app.GetPortrait)
			r.Delete("/{id}", app.CancelPortrait)
		})
		r.Route("/v1/outputs", func(r chi.Router) {
			r.Get("/", app.ListOutputs)
			r.Get("/archive.zip", app.ArchiveOutputs)
			r.Get("/{name}", app.DownloadOutput)
		})
	})

	return r
}
