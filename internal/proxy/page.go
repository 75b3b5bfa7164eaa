package proxy

import (
	"context"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/learntrack/ltsession/internal/callback"
)

var pageTemplate = template.Must(template.New("landing").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
{{- if .Redirect}}
<meta http-equiv="refresh" content="{{.Refresh}}">
{{- end}}
<title>{{.Title}} | LearnTrack</title>
<style>
body { font-family: system-ui, sans-serif; display: grid; place-items: center; min-height: 100vh; margin: 0; background: #f6f7f9; }
main { max-width: 28rem; padding: 2rem; border-radius: .75rem; background: #fff; box-shadow: 0 1px 3px rgba(0,0,0,.1); }
.success h1 { color: #1a7f37; }
.failure h1 { color: #cf222e; }
</style>
</head>
<body>
<main class="{{.Kind}}">
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
{{- if .Redirect}}
<p><a href="{{.Redirect}}">Continue</a></p>
{{- end}}
</main>
{{- if .Redirect}}
<script>setTimeout(function () { window.location.replace({{.Redirect}}); }, {{.DelayMillis}});</script>
{{- end}}
</body>
</html>
`))

type pageData struct {
	Title    string
	Kind     string
	Message  string
	Redirect string
	// Refresh is the meta refresh fallback for pages without scripts.
	Refresh     string
	DelayMillis int64
}

// landingPage collects what the callback flow wants shown and where it wants
// to go, for rendering once the flow is done.
type landingPage struct {
	mu     sync.Mutex
	last   callback.Notification
	target string
	delay  time.Duration
}

func (l *landingPage) Notify(ctx context.Context, n callback.Notification) {
	callback.LogNotifier{}.Notify(ctx, n)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.last = n
}

func (l *landingPage) Navigate(_ context.Context, target string, delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.target = target
	l.delay = delay
}

func (l *landingPage) data(res *callback.Result, redirect string) pageData {
	l.mu.Lock()
	defer l.mu.Unlock()

	d := pageData{
		Title:    "Signed in",
		Kind:     l.last.Kind.String(),
		Message:  l.last.Message,
		Redirect: redirect,
		Refresh:  strconv.FormatInt(refreshSeconds(l.delay), 10) + ";url=" + redirect,

		DelayMillis: l.delay.Milliseconds(),
	}
	if res.State == callback.StateFailed {
		d.Title = "Sign-in failed"
	}
	return d
}

// refreshSeconds rounds delay up to whole seconds. Browsers drop the
// fraction of a meta refresh, which would turn 500ms into an immediate jump.
func refreshSeconds(delay time.Duration) int64 {
	if delay <= 0 {
		return 0
	}
	return int64((delay + time.Second - 1) / time.Second)
}

// absolute resolves a callback redirect target against the frontend URL.
func (p *Proxy) absolute(target string) string {
	if p.frontend == nil || target == "" {
		return target
	}
	ref, err := url.Parse(target)
	if err != nil {
		return p.frontend.String()
	}
	return p.frontend.ResolveReference(ref).String()
}

func (p *Proxy) renderPage(ctx context.Context, w http.ResponseWriter, status int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.WriteHeader(status)
	if err := pageTemplate.Execute(w, data); err != nil {
		slog.ErrorContext(ctx, "failed to render landing page", "error", err)
	}
}
