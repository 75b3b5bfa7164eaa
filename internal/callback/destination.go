package callback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/learntrack/ltsession/internal/obfuscate"
	"github.com/learntrack/ltsession/internal/tokenstore"
)

// IntendedDestinationKey is the tab-scoped key holding the page a user asked
// for before being sent to sign in.
const IntendedDestinationKey = "redirect_after_login"

// TabDestinations records and consumes the intended destination in the
// tab-scoped tier.
type TabDestinations struct {
	tier  tokenstore.Tier
	codec *obfuscate.Codec
}

// NewTabDestinations creates a TabDestinations over tier. A nil codec selects obfuscate.Default.
func NewTabDestinations(tier tokenstore.Tier, codec *obfuscate.Codec) *TabDestinations {
	if codec == nil {
		codec = obfuscate.Default
	}
	return &TabDestinations{tier: tier, codec: codec}
}

// Remember records path as the post-login destination.
func (d *TabDestinations) Remember(ctx context.Context, path string) error {
	if !SafeDestination(path) {
		return fmt.Errorf("refusing off-site destination %q", path)
	}
	return d.tier.Set(ctx, IntendedDestinationKey, d.codec.Encode(path))
}

// ConsumeIntendedDestination returns the recorded destination and removes it.
// Values that are not same-origin paths are discarded.
func (d *TabDestinations) ConsumeIntendedDestination(ctx context.Context) (string, bool) {
	raw, err := d.tier.Get(ctx, IntendedDestinationKey)
	if err != nil {
		if !errors.Is(err, tokenstore.ErrNotFound) {
			slog.WarnContext(ctx, "failed to read intended destination", "error", err)
		}
		return "", false
	}

	if err := d.tier.Delete(ctx, IntendedDestinationKey); err != nil {
		slog.WarnContext(ctx, "failed to remove intended destination", "error", err)
	}

	path, err := d.codec.Decode(raw)
	if err != nil || !SafeDestination(path) {
		slog.WarnContext(ctx, "discarding unusable intended destination")
		return "", false
	}
	return path, true
}

// SafeDestination reports whether path is a same-origin absolute path.
func SafeDestination(path string) bool {
	if !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") || strings.HasPrefix(path, "/\\") {
		return false
	}
	u, err := url.Parse(path)
	if err != nil {
		return false
	}
	return u.Scheme == "" && u.Host == ""
}
