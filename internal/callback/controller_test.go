package callback

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learntrack/ltsession/internal/backend"
	"github.com/learntrack/ltsession/internal/profile"
	"github.com/learntrack/ltsession/internal/tokenstore"
)

// fakeAuth is a scripted AuthBackend.
type fakeAuth struct {
	calls  atomic.Int32
	result *backend.ExchangeResult
	err    error
	// release, when set, blocks the exchange until closed.
	release chan struct{}
}

func (f *fakeAuth) ExchangeOAuthCode(_ context.Context, _, _, _ string) (*backend.ExchangeResult, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeOnboarding struct {
	calls     atomic.Int32
	completed bool
	err       error
}

func (f *fakeOnboarding) FetchOnboardingStatus(context.Context) (*backend.OnboardingStatus, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &backend.OnboardingStatus{OnboardingCompleted: f.completed}, nil
}

type fakeProfiles struct {
	mu    sync.Mutex
	users []profile.User
	err   error
}

func (f *fakeProfiles) SetUser(_ context.Context, user profile.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, user)
	return f.err
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

type navigation struct {
	target string
	delay  time.Duration
}

type recordingNavigator struct {
	mu   sync.Mutex
	navs []navigation
}

func (r *recordingNavigator) Navigate(_ context.Context, target string, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.navs = append(r.navs, navigation{target: target, delay: delay})
}

// harness wires a Controller to fakes.
type harness struct {
	auth         *fakeAuth
	onboarding   *fakeOnboarding
	profiles     *fakeProfiles
	notifier     *recordingNotifier
	navigator    *recordingNavigator
	destinations *TabDestinations
	tab          *tokenstore.MemoryTier
	controller   *Controller
}

func newHarness(t *testing.T, result *backend.ExchangeResult) *harness {
	t.Helper()
	tab := tokenstore.NewMemoryTier()
	h := &harness{
		auth:         &fakeAuth{result: result},
		onboarding:   &fakeOnboarding{completed: true},
		profiles:     &fakeProfiles{},
		notifier:     &recordingNotifier{},
		navigator:    &recordingNavigator{},
		destinations: NewTabDestinations(tab, nil),
		tab:          tab,
	}
	h.controller = h.newController(t, nil)
	return h
}

func (h *harness) newController(t *testing.T, guard *Guard) *Controller {
	t.Helper()
	c, err := NewController(DefaultConfig(), Dependencies{
		Auth:         h.auth,
		Onboarding:   h.onboarding,
		Profiles:     h.profiles,
		Destinations: h.destinations,
		Notifier:     h.notifier,
		Navigator:    h.navigator,
		Guard:        guard,
	})
	require.NoError(t, err)
	return c
}

func exchangeFor(role profile.Role, isNewUser bool) *backend.ExchangeResult {
	return &backend.ExchangeResult{
		User: profile.User{
			ID:         "u-1",
			Email:      "ada@example.com",
			FullName:   "Ada Lovelace",
			Role:       role,
			IsVerified: true,
		},
		IsNewUser: isNewUser,
	}
}

func validRequest() Request {
	return Request{Provider: "google", Code: "code-1", State: "state-1"}
}

func TestHandleRejectsBeforeExchange(t *testing.T) {
	tests := []struct {
		name  string
		req   Request
		cause Cause
		delay time.Duration
	}{
		{
			name:  "unsupported provider",
			req:   Request{Provider: "myspace", Code: "c", State: "s"},
			cause: CauseUnsupportedProvider,
			delay: DefaultRejectionDelay,
		},
		{
			name:  "empty provider",
			req:   Request{Code: "c", State: "s"},
			cause: CauseUnsupportedProvider,
			delay: DefaultRejectionDelay,
		},
		{
			name:  "provider error with code and state",
			req:   Request{Provider: "google", Code: "c", State: "s", Error: "access_denied"},
			cause: CauseProviderError,
			delay: DefaultRejectionDelay,
		},
		{
			name:  "provider error without code",
			req:   Request{Provider: "github", Error: "access_denied", ErrorDescription: "The user denied access"},
			cause: CauseProviderError,
			delay: DefaultRejectionDelay,
		},
		{
			name:  "missing code",
			req:   Request{Provider: "google", State: "s"},
			cause: CauseMissingParameters,
			delay: DefaultRejectionDelay,
		},
		{
			name:  "missing state",
			req:   Request{Provider: "google", Code: "c"},
			cause: CauseMissingParameters,
			delay: DefaultRejectionDelay,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, exchangeFor(profile.RoleStudent, false))

			res, err := h.controller.Handle(context.Background(), tt.req)
			require.NoError(t, err)

			assert.Equal(t, StateFailed, res.State)
			assert.Equal(t, StateFailed, h.controller.State())
			assert.Equal(t, tt.cause, res.Cause)
			assert.Equal(t, "/login?error=oauth_failed", res.Target)
			assert.Equal(t, tt.delay, res.Delay)
			assert.NotEmpty(t, res.Message)

			assert.Zero(t, h.auth.calls.Load(), "auth backend must not be called")
			assert.Zero(t, h.onboarding.calls.Load())
			assert.Empty(t, h.profiles.users)

			require.Len(t, h.navigator.navs, 1)
			assert.Equal(t, navigation{target: "/login?error=oauth_failed", delay: tt.delay}, h.navigator.navs[0])

			require.Len(t, h.notifier.notes, 1)
			assert.Equal(t, NotificationFailure, h.notifier.notes[0].Kind)
		})
	}
}

func TestHandleProviderErrorMessage(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.controller.Handle(context.Background(), Request{
		Provider:         "github",
		Error:            "access_denied",
		ErrorDescription: "The user denied access",
	})
	require.NoError(t, err)
	assert.Equal(t, "Github sign-in failed: The user denied access", res.Message)
}

func TestHandleNewStudentGoesToOnboarding(t *testing.T) {
	h := newHarness(t, exchangeFor(profile.RoleStudent, true))
	require.NoError(t, h.destinations.Remember(context.Background(), "/courses/42"))

	res, err := h.controller.Handle(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, StateRedirecting, res.State)
	assert.Equal(t, "/onboarding", res.Target)
	assert.Equal(t, DefaultSuccessDelay, res.Delay)
	assert.True(t, res.IsNewUser)
	assert.Zero(t, h.onboarding.calls.Load(), "new users are never looked up")

	require.Len(t, h.profiles.users, 1)
	assert.False(t, h.profiles.users[0].OnboardingCompleted)

	// intended destination is left for after onboarding
	_, err = h.tab.Get(context.Background(), IntendedDestinationKey)
	require.NoError(t, err)
}

func TestHandleReturningStudent(t *testing.T) {
	t.Run("dashboard by default", func(t *testing.T) {
		h := newHarness(t, exchangeFor(profile.RoleStudent, false))

		res, err := h.controller.Handle(context.Background(), validRequest())
		require.NoError(t, err)
		assert.Equal(t, "/dashboard", res.Target)
		assert.Equal(t, int32(1), h.onboarding.calls.Load())
		assert.True(t, res.User.OnboardingCompleted)
	})

	t.Run("intended destination consumed", func(t *testing.T) {
		h := newHarness(t, exchangeFor(profile.RoleStudent, false))
		ctx := context.Background()
		require.NoError(t, h.destinations.Remember(ctx, "/courses/42?tab=sessions"))

		res, err := h.controller.Handle(ctx, validRequest())
		require.NoError(t, err)
		assert.Equal(t, "/courses/42?tab=sessions", res.Target)

		_, err = h.tab.Get(ctx, IntendedDestinationKey)
		require.ErrorIs(t, err, tokenstore.ErrNotFound)
	})

	t.Run("onboarding incomplete", func(t *testing.T) {
		h := newHarness(t, exchangeFor(profile.RoleStudent, false))
		h.onboarding.completed = false

		res, err := h.controller.Handle(context.Background(), validRequest())
		require.NoError(t, err)
		assert.Equal(t, "/onboarding", res.Target)
	})

	t.Run("lookup failure fails open", func(t *testing.T) {
		h := newHarness(t, exchangeFor(profile.RoleStudent, false))
		h.onboarding.err = errors.New("503 service unavailable")

		res, err := h.controller.Handle(context.Background(), validRequest())
		require.NoError(t, err)
		assert.Equal(t, StateRedirecting, res.State)
		assert.Equal(t, "/dashboard", res.Target)
		assert.True(t, h.profiles.users[0].OnboardingCompleted)

		for _, n := range h.notifier.notes {
			assert.NotEqual(t, NotificationFailure, n.Kind, "lookup errors are never surfaced")
		}
	})
}

func TestHandlePrivilegedRoles(t *testing.T) {
	tests := []struct {
		role      profile.Role
		isNewUser bool
		target    string
	}{
		{role: profile.RoleAdmin, isNewUser: false, target: "/admin"},
		{role: profile.RoleAdmin, isNewUser: true, target: "/admin"},
		{role: profile.RoleMentor, isNewUser: false, target: "/mentor"},
		{role: profile.RoleMentor, isNewUser: true, target: "/mentor"},
	}

	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			h := newHarness(t, exchangeFor(tt.role, tt.isNewUser))
			h.onboarding.completed = false
			require.NoError(t, h.destinations.Remember(context.Background(), "/courses/1"))

			res, err := h.controller.Handle(context.Background(), validRequest())
			require.NoError(t, err)
			assert.Equal(t, tt.target, res.Target)
			assert.Zero(t, h.onboarding.calls.Load())
			assert.True(t, h.profiles.users[0].OnboardingCompleted)
		})
	}
}

func TestHandleExchangeFailure(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		message string
	}{
		{
			name:    "backend detail",
			err:     &backend.Error{StatusCode: 400, Detail: "Invalid or expired state"},
			message: "Invalid or expired state",
		},
		{
			name:    "network error",
			err:     errors.New("dial tcp: connection refused"),
			message: "Sign-in failed. Please try again.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.auth.err = tt.err

			res, err := h.controller.Handle(context.Background(), validRequest())
			require.NoError(t, err)
			assert.Equal(t, StateFailed, res.State)
			assert.Equal(t, CauseExchangeFailed, res.Cause)
			assert.Equal(t, tt.message, res.Message)
			assert.Equal(t, DefaultExchangeDelay, res.Delay)
			assert.Equal(t, "/login?error=oauth_failed", res.Target)
			assert.Empty(t, h.profiles.users)
			assert.Zero(t, h.onboarding.calls.Load())

			require.Len(t, h.notifier.notes, 2)
			assert.Equal(t, NotificationPending, h.notifier.notes[0].Kind)
			assert.Equal(t, Notification{Kind: NotificationFailure, Message: tt.message}, h.notifier.notes[1])
		})
	}
}

func TestHandleWelcomeMessagesDiffer(t *testing.T) {
	newUser := newHarness(t, exchangeFor(profile.RoleStudent, true))
	resNew, err := newUser.controller.Handle(context.Background(), validRequest())
	require.NoError(t, err)

	returning := newHarness(t, exchangeFor(profile.RoleStudent, false))
	resReturning, err := returning.controller.Handle(context.Background(), validRequest())
	require.NoError(t, err)

	assert.NotEqual(t, resNew.Message, resReturning.Message)
	assert.Contains(t, resNew.Message, "Welcome to LearnTrack")
	assert.Contains(t, resReturning.Message, "Welcome back")

	require.Len(t, newUser.notifier.notes, 2)
	assert.Equal(t, NotificationPending, newUser.notifier.notes[0].Kind)
	assert.Equal(t, Notification{Kind: NotificationSuccess, Message: resNew.Message}, newUser.notifier.notes[1])
}

func TestHandleProfilePersistFailureStillRedirects(t *testing.T) {
	h := newHarness(t, exchangeFor(profile.RoleStudent, false))
	h.profiles.err = errors.New("quota exceeded")

	res, err := h.controller.Handle(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, StateRedirecting, res.State)
}

func TestHandleRunsOncePerController(t *testing.T) {
	h := newHarness(t, exchangeFor(profile.RoleStudent, false))
	h.auth.release = make(chan struct{})

	errs := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := h.controller.Handle(context.Background(), validRequest())
			errs <- err
		}()
	}

	// the duplicate returns while the first call is still exchanging
	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrAlreadyHandled)
	case <-time.After(time.Second):
		t.Fatal("duplicate Handle did not return")
	}
	close(h.auth.release)
	require.NoError(t, <-errs)

	assert.Equal(t, int32(1), h.auth.calls.Load())
	assert.Len(t, h.navigator.navs, 1)

	_, err := h.controller.Handle(context.Background(), validRequest())
	require.ErrorIs(t, err, ErrAlreadyHandled)
	assert.Equal(t, int32(1), h.auth.calls.Load())
}

func TestGuardRejectsReusedCodeAcrossControllers(t *testing.T) {
	h := newHarness(t, exchangeFor(profile.RoleStudent, false))
	guard := NewGuard(0)

	first := h.newController(t, guard)
	_, err := first.Handle(context.Background(), validRequest())
	require.NoError(t, err)

	// a reloaded landing page is a new Controller with the same code
	second := h.newController(t, guard)
	_, err = second.Handle(context.Background(), validRequest())
	require.ErrorIs(t, err, ErrAlreadyHandled)
	assert.Equal(t, StateIdle, second.State())

	other := validRequest()
	other.Code = "code-2"
	third := h.newController(t, guard)
	_, err = third.Handle(context.Background(), other)
	require.NoError(t, err)

	assert.Equal(t, int32(2), h.auth.calls.Load())
}

func TestRequestFromQuery(t *testing.T) {
	q := url.Values{}
	q.Set("code", "c")
	q.Set("state", "s")
	q.Set("error", "access_denied")
	q.Set("error_description", "nope")

	assert.Equal(t, Request{
		Provider:         "google",
		Code:             "c",
		State:            "s",
		Error:            "access_denied",
		ErrorDescription: "nope",
	}, RequestFromQuery("google", q))
}

func TestNewControllerValidates(t *testing.T) {
	deps := Dependencies{
		Auth:       &fakeAuth{},
		Onboarding: &fakeOnboarding{},
		Profiles:   &fakeProfiles{},
		Navigator:  &recordingNavigator{},
	}

	_, err := NewController(DefaultConfig(), deps)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Providers = nil
	_, err = NewController(cfg, deps)
	require.Error(t, err)

	cfg = DefaultConfig()
	cfg.Routes.Dashboard = "https://evil.example.com"
	_, err = NewController(cfg, deps)
	require.Error(t, err)

	missing := deps
	missing.Navigator = nil
	_, err = NewController(DefaultConfig(), missing)
	require.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "redirecting", StateRedirecting.String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateExchanging.Terminal())
}
