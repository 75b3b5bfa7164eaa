package proxy

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/httplog/v3"

	"github.com/learntrack/ltsession/internal/backend"
)

// loggedRequestHeaders are the only request headers copied into access logs.
// Cookie and Authorization carry credentials and are never listed.
var loggedRequestHeaders = []string{"Content-Type", "Origin", backend.RequestIDHeader}

// Recovery turns a handler panic into HTTP 500. The panic and its stack are
// logged here because the landing page is served without the request logger.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				// Deliberate abort of a proxied stream; let net/http handle it.
				panic(rec)
			}
			slog.ErrorContext(r.Context(), "handler panicked",
				"route", r.Pattern,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}()

		next.ServeHTTP(w, r)
	})
}

// Logging writes one access log record per request. Successful session
// polls are skipped; the web app issues one on every page load.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return httplog.RequestLogger(logger, &httplog.Options{
		Level:  slog.LevelInfo,
		Schema: httplog.SchemaECS.Concise(true),

		Skip: func(r *http.Request, status int) bool {
			return r.Method == http.MethodGet && r.URL.Path == "/auth/session" && status == http.StatusOK
		},

		LogRequestHeaders:  loggedRequestHeaders,
		LogResponseHeaders: []string{},

		RecoverPanics: false, // Recovery logs with the stack
	})
}

// applyMiddlewares wraps h so the first middleware runs outermost.
func applyMiddlewares(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
