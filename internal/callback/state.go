package callback

import (
	"fmt"
	"time"

	"github.com/learntrack/ltsession/internal/profile"
)

// State is a step of the callback flow.
type State int32

const (
	StateIdle State = iota
	StateValidating
	StateExchanging
	StateReconciling
	StateRedirecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateExchanging:
		return "exchanging"
	case StateReconciling:
		return "reconciling"
	case StateRedirecting:
		return "redirecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether the flow stops in s.
func (s State) Terminal() bool {
	return s == StateRedirecting || s == StateFailed
}

// Cause classifies why a callback failed.
type Cause string

const (
	CauseNone                Cause = ""
	CauseUnsupportedProvider Cause = "unsupported_provider"
	CauseProviderError       Cause = "provider_error"
	CauseMissingParameters   Cause = "missing_parameters"
	CauseExchangeFailed      Cause = "exchange_failed"
)

// NotificationKind is the severity of a status notification.
type NotificationKind int

const (
	NotificationPending NotificationKind = iota
	NotificationSuccess
	NotificationFailure
)

func (k NotificationKind) String() string {
	switch k {
	case NotificationPending:
		return "pending"
	case NotificationSuccess:
		return "success"
	case NotificationFailure:
		return "failure"
	default:
		return fmt.Sprintf("notification(%d)", int(k))
	}
}

// Notification is a transient, user-visible status message.
type Notification struct {
	Kind    NotificationKind
	Message string
}

// Result is the terminal outcome of a callback.
type Result struct {
	State State
	// Target is where the user is sent next, after Delay.
	Target string
	Delay  time.Duration

	// Set on success.
	User      *profile.User
	IsNewUser bool

	// Set on failure.
	Cause Cause

	// Message is the text of the final notification.
	Message string
}
