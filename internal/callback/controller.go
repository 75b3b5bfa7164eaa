// Package callback drives the OAuth redirect landing flow.
//
// A Controller is created for each landing-page instance and runs the flow
// exactly once:
//
//	Idle → Validating → Exchanging → Reconciling → Redirecting
//	          └────────────┴──────────────→ Failed
//
// Validation rejects unsupported providers, provider-reported errors and
// missing code/state before the backend is contacted. A successful exchange is
// reconciled into a session identity (role, new-user flag, onboarding status)
// that decides where the user lands. Every terminal state schedules a
// delayed navigation through the Navigator.
package callback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/learntrack/ltsession/internal/backend"
	"github.com/learntrack/ltsession/internal/profile"
)

// AssumeOnboardedOnLookupFailure is the onboarding status used for a
// returning student when the onboarding lookup fails. Failing open keeps a
// transient error from trapping an existing user in onboarding.
const AssumeOnboardedOnLookupFailure = true

// ErrAlreadyHandled is returned when a Controller, or the authorization code
// it was given, has already been processed.
var ErrAlreadyHandled = errors.New("callback already handled")

var tracer = otel.Tracer("github.com/learntrack/ltsession/internal/callback")

// Default delays before navigating away from the landing page.
const (
	DefaultRejectionDelay = 3 * time.Second
	DefaultExchangeDelay  = 4 * time.Second
	DefaultSuccessDelay   = 500 * time.Millisecond
)

// Routes are the navigation targets of the flow.
type Routes struct {
	// Failure is the login route carrying a failure indicator.
	Failure    string `json:"failure" validate:"required,startswith=/"`
	Onboarding string `json:"onboarding" validate:"required,startswith=/"`
	Admin      string `json:"admin" validate:"required,startswith=/"`
	Mentor     string `json:"mentor" validate:"required,startswith=/"`
	Dashboard  string `json:"dashboard" validate:"required,startswith=/"`
}

// Delays are the grace periods before navigation, per outcome.
type Delays struct {
	UnsupportedProvider time.Duration `json:"unsupported_provider" validate:"gte=0"`
	ProviderError       time.Duration `json:"provider_error" validate:"gte=0"`
	MissingParameters   time.Duration `json:"missing_parameters" validate:"gte=0"`
	ExchangeFailure     time.Duration `json:"exchange_failure" validate:"gte=0"`
	Success             time.Duration `json:"success" validate:"gte=0"`
}

// Config holds the policy of the callback flow.
type Config struct {
	Providers []string `json:"providers" validate:"required,min=1,dive,required"`
	Routes    Routes   `json:"routes"`
	Delays    Delays   `json:"delays"`
}

// DefaultConfig returns the stock routes, providers and delays.
func DefaultConfig() Config {
	return Config{
		Providers: []string{"google", "github"},
		Routes: Routes{
			Failure:    "/login?error=oauth_failed",
			Onboarding: "/onboarding",
			Admin:      "/admin",
			Mentor:     "/mentor",
			Dashboard:  "/dashboard",
		},
		Delays: Delays{
			UnsupportedProvider: DefaultRejectionDelay,
			ProviderError:       DefaultRejectionDelay,
			MissingParameters:   DefaultRejectionDelay,
			ExchangeFailure:     DefaultExchangeDelay,
			Success:             DefaultSuccessDelay,
		},
	}
}

// Validate checks the config using struct tags.
func (c Config) Validate() error {
	return validator.New().Struct(c)
}

// AuthBackend exchanges authorization codes.
type AuthBackend interface {
	ExchangeOAuthCode(ctx context.Context, provider, code, state string) (*backend.ExchangeResult, error)
}

// OnboardingBackend reports onboarding completion for the signed-in user.
type OnboardingBackend interface {
	FetchOnboardingStatus(ctx context.Context) (*backend.OnboardingStatus, error)
}

// ProfileStore receives the resolved identity.
type ProfileStore interface {
	SetUser(ctx context.Context, user profile.User) error
}

// DestinationStore yields the page the user asked for before signing in.
type DestinationStore interface {
	ConsumeIntendedDestination(ctx context.Context) (string, bool)
}

// Notifier shows transient status messages.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Navigator moves the user to target after delay.
type Navigator interface {
	Navigate(ctx context.Context, target string, delay time.Duration)
}

// Dependencies are the collaborators of a Controller. Destinations, Notifier
// and Guard are optional.
type Dependencies struct {
	Auth         AuthBackend
	Onboarding   OnboardingBackend
	Profiles     ProfileStore
	Destinations DestinationStore
	Notifier     Notifier
	Navigator    Navigator
	// Guard is shared between Controllers to reject re-delivered codes.
	Guard *Guard
}

// Request carries the landing route's inputs.
type Request struct {
	Provider         string
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// RequestFromQuery builds a Request from the provider path segment and the
// landing URL's query parameters.
func RequestFromQuery(provider string, query url.Values) Request {
	return Request{
		Provider:         provider,
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}
}

// Controller runs one pass of the callback flow.
type Controller struct {
	cfg  Config
	deps Dependencies

	fired atomic.Bool
	state atomic.Int32
}

// NewController creates a Controller for one landing-page instance.
func NewController(cfg Config, deps Dependencies) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid callback config: %w", err)
	}
	if deps.Auth == nil {
		return nil, fmt.Errorf("missing auth backend")
	}
	if deps.Onboarding == nil {
		return nil, fmt.Errorf("missing onboarding backend")
	}
	if deps.Profiles == nil {
		return nil, fmt.Errorf("missing profile store")
	}
	if deps.Navigator == nil {
		return nil, fmt.Errorf("missing navigator")
	}
	if deps.Notifier == nil {
		deps.Notifier = LogNotifier{}
	}
	return &Controller{cfg: cfg, deps: deps}, nil
}

// State returns the current state of the flow.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Handle runs the flow to a terminal state. Only the first call on a
// Controller does any work; later calls, and calls carrying an
// authorization code the shared Guard has already seen, return
// ErrAlreadyHandled without contacting the backend.
func (c *Controller) Handle(ctx context.Context, req Request) (*Result, error) {
	if !c.fired.CompareAndSwap(false, true) {
		return nil, ErrAlreadyHandled
	}
	if c.deps.Guard != nil && req.Code != "" && !c.deps.Guard.Acquire(guardKey(req)) {
		slog.WarnContext(ctx, "authorization code already consumed", "provider", req.Provider)
		return nil, ErrAlreadyHandled
	}

	ctx, span := tracer.Start(ctx, "callback.Handle",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("oauth.provider", req.Provider)),
	)
	defer span.End()

	logger := slog.Default().With("attempt", uuid.NewString(), "provider", req.Provider)

	c.setState(StateValidating)
	if res := c.validate(req); res != nil {
		span.SetStatus(codes.Error, string(res.Cause))
		logger.WarnContext(ctx, "oauth callback rejected", "cause", res.Cause)
		return c.finish(ctx, res), nil
	}

	c.setState(StateExchanging)
	c.deps.Notifier.Notify(ctx, Notification{
		Kind:    NotificationPending,
		Message: fmt.Sprintf("Signing you in with %s...", providerName(req.Provider)),
	})

	exchanged, err := c.deps.Auth.ExchangeOAuthCode(ctx, req.Provider, req.Code, req.State)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(CauseExchangeFailed))
		logger.ErrorContext(ctx, "oauth code exchange failed", "error", err)

		message := backend.DetailOf(err)
		if message == "" {
			message = "Sign-in failed. Please try again."
		}
		return c.finish(ctx, c.failure(CauseExchangeFailed, message, c.cfg.Delays.ExchangeFailure)), nil
	}

	c.setState(StateReconciling)
	user := exchanged.User
	user.OnboardingCompleted = c.resolveOnboarding(ctx, logger, user.Role, exchanged.IsNewUser)
	if err := c.deps.Profiles.SetUser(ctx, user); err != nil {
		// The in-memory identity is set; only its persisted copy is missing.
		logger.WarnContext(ctx, "failed to persist session identity", "error", err)
	}

	target := c.destination(ctx, user)
	logger.InfoContext(ctx, "oauth callback completed",
		"user_id", user.ID, "role", user.Role, "new_user", exchanged.IsNewUser, "target", target)

	return c.finish(ctx, &Result{
		State:     StateRedirecting,
		Target:    target,
		Delay:     c.cfg.Delays.Success,
		User:      &user,
		IsNewUser: exchanged.IsNewUser,
		Message:   welcomeMessage(user, exchanged.IsNewUser),
	}), nil
}

// validate returns a failure result when req must be rejected, nil otherwise.
func (c *Controller) validate(req Request) *Result {
	if !slices.Contains(c.cfg.Providers, req.Provider) {
		return c.failure(CauseUnsupportedProvider,
			fmt.Sprintf("Unsupported sign-in provider %q.", req.Provider),
			c.cfg.Delays.UnsupportedProvider)
	}

	if req.Error != "" {
		reason := req.ErrorDescription
		if reason == "" {
			reason = req.Error
		}
		return c.failure(CauseProviderError,
			fmt.Sprintf("%s sign-in failed: %s", providerName(req.Provider), reason),
			c.cfg.Delays.ProviderError)
	}

	if req.Code == "" || req.State == "" {
		return c.failure(CauseMissingParameters,
			"Missing authorization code or state. Please try signing in again.",
			c.cfg.Delays.MissingParameters)
	}
	return nil
}

// resolveOnboarding decides whether the user has completed onboarding.
// Privileged roles are onboarded by definition and new users never are;
// only returning students are looked up.
func (c *Controller) resolveOnboarding(ctx context.Context, logger *slog.Logger, role profile.Role, isNewUser bool) bool {
	if role.Privileged() {
		return true
	}
	if isNewUser {
		return false
	}

	status, err := c.deps.Onboarding.FetchOnboardingStatus(ctx)
	if err != nil {
		logger.WarnContext(ctx, "onboarding status lookup failed, assuming completed", "error", err)
		return AssumeOnboardedOnLookupFailure
	}
	return status.OnboardingCompleted
}

// destination applies the redirect precedence: onboarding, admin, mentor,
// intended destination, dashboard.
func (c *Controller) destination(ctx context.Context, user profile.User) string {
	switch {
	case !user.OnboardingCompleted:
		return c.cfg.Routes.Onboarding
	case user.Role == profile.RoleAdmin:
		return c.cfg.Routes.Admin
	case user.Role == profile.RoleMentor:
		return c.cfg.Routes.Mentor
	}

	if c.deps.Destinations != nil {
		if path, ok := c.deps.Destinations.ConsumeIntendedDestination(ctx); ok {
			return path
		}
	}
	return c.cfg.Routes.Dashboard
}

func (c *Controller) failure(cause Cause, message string, delay time.Duration) *Result {
	return &Result{
		State:   StateFailed,
		Target:  c.cfg.Routes.Failure,
		Delay:   delay,
		Cause:   cause,
		Message: message,
	}
}

// finish enters the terminal state of res, notifies and schedules navigation.
func (c *Controller) finish(ctx context.Context, res *Result) *Result {
	c.setState(res.State)

	kind := NotificationSuccess
	if res.State == StateFailed {
		kind = NotificationFailure
	}
	c.deps.Notifier.Notify(ctx, Notification{Kind: kind, Message: res.Message})
	c.deps.Navigator.Navigate(ctx, res.Target, res.Delay)
	return res
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
}

func welcomeMessage(user profile.User, isNewUser bool) string {
	if isNewUser {
		return fmt.Sprintf("Welcome to LearnTrack, %s! Let's get your account set up.", user.DisplayName())
	}
	return fmt.Sprintf("Welcome back, %s!", user.DisplayName())
}

func providerName(provider string) string {
	return cases.Title(language.English).String(provider)
}

// LogNotifier writes notifications to the default logger.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, n Notification) {
	level := slog.LevelInfo
	if n.Kind == NotificationFailure {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, n.Message, "notification", n.Kind.String())
}
