package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"genstudio/internal/http/handlers"
	"genstudio/internal/infra"
	"genstudio/internal/middleware"
)

type Options struct {
	Logger      infra.Logger
	CORSOrigins []string
	Users       middleware.UserResolver
	// StaticDir is served under /static/ when images are hosted locally.
	StaticDir string
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.CORSOrigins),
	)

	r.Get("/v1/healthz", app.Health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/generate", app.Generate)
		r.Get("/generate/status", app.GenerateStatus)
		r.Post("/generate/status", app.GenerateStatus)

		r.Get("/usage/{visitorId}", app.Usage)
		r.Post("/usage/{visitorId}", app.RecordUsage)

		r.With(middleware.RequireUser(opts.Users)).Get("/credits", app.Credits)
	})

	if opts.StaticDir != "" {
		fs := http.StripPrefix("/static/", http.FileServer(http.Dir(opts.StaticDir)))
		r.Get("/static/*", fs.ServeHTTP)
	}

	return r
}
