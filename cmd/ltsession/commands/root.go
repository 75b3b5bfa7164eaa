package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/learntrack/ltsession/internal/app"
	"github.com/learntrack/ltsession/internal/callback"
	"github.com/learntrack/ltsession/internal/observability"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	cmd := &cli.Command{
		Name:    "ltsession",
		Usage:   "LearnTrack session agent",
		Version: app.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json|otlp|otel-stdout)",
				Value: string(app.DefaultConfigLogFormat),
			},
			&cli.StringFlag{
				Name:  "backend--base-url",
				Usage: "LearnTrack API base URL",
				Value: app.DefaultConfigBackendBaseURL,
			},
		},
		Commands: []*cli.Command{
			startCommand(),
			loginCommand(),
			logoutCommand(),
			statusCommand(),
		},
	}

	return cmd.Run(ctx, args)
}

func serverFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "server--host",
			Usage: "server host",
			Value: app.DefaultConfigServerHost,
		},
		&cli.IntFlag{
			Name:  "server--port",
			Usage: "server port",
			Value: int(app.DefaultConfigServerPort),
		},
		&cli.StringFlag{
			Name:  "server--public-url",
			Usage: "externally visible URL of the auth routes (default http://host:port)",
		},
		&cli.StringFlag{
			Name:  "frontend--base-url",
			Usage: "web app the landing page redirects to",
			Value: app.DefaultConfigFrontendURL,
		},
	}
}

func startCommand() *cli.Command {
	return &cli.Command{
		Name:   "start",
		Usage:  "serve the OAuth landing page, session routes and API proxy",
		Flags:  serverFlags(),
		Action: startAction,
	}
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "sign in through a provider and wait for the callback",
		Flags: append(serverFlags(),
			&cli.StringFlag{
				Name:    "provider",
				Aliases: []string{"p"},
				Usage:   "OAuth provider (google|github)",
				Value:   "google",
			},
		),
		Action: loginAction,
	}
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:   "logout",
		Usage:  "end the session and clear cached credentials",
		Action: logoutAction,
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "show the cached session",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print the status as JSON",
			},
		},
		Action: statusAction,
	}
}

// newApp loads the config, sets up observability and creates the app. The
// returned cleanup closes the app and flushes logs.
func newApp(cmd *cli.Command) (*app.App, func(), error) {
	configPath := cmd.String("config")
	if configPath == "" {
		configPath = discoverConfig()
	}
	cfg, err := loadConfig(configPath, cmd, os.Environ)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Set up observability before creating app
	shutdown, err := observability.Instrument(cfg.LogLevel, string(cfg.LogFormat))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up observability layer: %w", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		_ = shutdown(context.Background())
		return nil, nil, fmt.Errorf("failed to create app: %w", err)
	}

	cleanup := func() {
		if err := application.Close(); err != nil {
			slog.Error("failed to close app", "error", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(ctx)
	}
	return application, cleanup, nil
}

func startAction(ctx context.Context, cmd *cli.Command) error {
	application, cleanup, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	slog.InfoContext(ctx, "starting")

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("app failed to start: %w", err)
	}

	slog.InfoContext(ctx, "stopped gracefully")
	return nil
}

func loginAction(ctx context.Context, cmd *cli.Command) error {
	application, cleanup, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	out := os.Stdout
	interactive := term.IsTerminal(int(out.Fd()))

	res, err := application.Login(ctx, cmd.String("provider"), func(loginURL string) {
		if interactive {
			_, _ = fmt.Fprintf(out, "Open this URL in your browser to sign in:\n\n  %s\n\nWaiting for the sign-in to complete...\n", loginURL)
			return
		}
		_, _ = fmt.Fprintln(out, loginURL)
	})
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	_, _ = fmt.Fprintln(out, res.Message)
	if res.State == callback.StateFailed {
		return fmt.Errorf("login failed: %s", res.Cause)
	}
	_, _ = fmt.Fprintf(out, "Continue at %s\n", res.Target)
	return nil
}

func logoutAction(ctx context.Context, cmd *cli.Command) error {
	application, cleanup, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := application.Logout(ctx); err != nil {
		// Local credentials are cleared regardless
		slog.WarnContext(ctx, "backend logout failed", "error", err)
	}
	_, _ = fmt.Fprintln(os.Stdout, "Signed out.")
	return nil
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	application, cleanup, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	status := application.Status(ctx)
	if cmd.Bool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}
	return printStatus(os.Stdout, status)
}

func printStatus(w io.Writer, status app.Status) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintf(tw, "Authenticated:\t%t\n", status.Authenticated)
	if status.ExpiresAt != nil {
		state := "valid"
		if status.AccessTokenExpired {
			state = "expired"
		}
		_, _ = fmt.Fprintf(tw, "Access token:\t%s (until %s)\n", state, status.ExpiresAt.Local().Format(time.RFC1123))
	}
	if status.Token != nil {
		_, _ = fmt.Fprintf(tw, "Token subject:\t%s\n", status.Token.Subject)
		if status.Token.ExpiresAt != nil {
			_, _ = fmt.Fprintf(tw, "Token exp claim:\t%s\n", status.Token.ExpiresAt.Local().Format(time.RFC1123))
		}
	}
	if status.User != nil {
		_, _ = fmt.Fprintf(tw, "User:\t%s <%s>\n", status.User.DisplayName(), status.User.Email)
		_, _ = fmt.Fprintf(tw, "Role:\t%s\n", status.User.Role)
		_, _ = fmt.Fprintf(tw, "Onboarded:\t%t\n", status.User.OnboardingCompleted)
	}
	return tw.Flush()
}
