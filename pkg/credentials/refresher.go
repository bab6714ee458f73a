package credentials

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/streamforge/partnerd/pkg/store"
)

const (
	refreshInterval  = 30 * time.Minute
	refreshLookahead = 2 * time.Hour

	// Pause between successful refreshes so a large sweep does not burst
	// the provider's token endpoint.
	refreshPace = 500 * time.Millisecond
)

// Refresher is the background loop that keeps every stored grant fresh.
// Each pass rotates tokens expiring within the lookahead window, skipping
// broadcasters that are disabled or already failed recently.
type Refresher struct {
	manager *Manager
	creds   *store.CredentialRepo
	logger  *slog.Logger

	interval  time.Duration
	lookahead time.Duration
	pace      time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRefresher creates the token refresh loop.
func NewRefresher(manager *Manager, creds *store.CredentialRepo) *Refresher {
	return &Refresher{
		manager:   manager,
		creds:     creds,
		logger:    slog.Default().With("component", "token-refresher"),
		interval:  refreshInterval,
		lookahead: refreshLookahead,
		pace:      refreshPace,
	}
}

// Start launches the background refresh loop.
func (r *Refresher) Start(ctx context.Context) {
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go r.run(ctx)

	r.logger.Info("Token refresher started",
		"interval", r.interval, "lookahead", r.lookahead)
}

// Stop signals the loop to exit and waits for it to finish.
func (r *Refresher) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.logger.Info("Token refresher stopped")
}

func (r *Refresher) run(ctx context.Context) {
	defer close(r.done)

	r.RunPass(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunPass(ctx)
		}
	}
}

// RunPass executes one refresh sweep. Exported so tests and admin tooling
// can trigger a sweep without the ticker.
func (r *Refresher) RunPass(ctx context.Context) {
	logins, err := r.creds.DueForRefresh(ctx, r.lookahead)
	if err != nil {
		r.logger.Error("Failed to list grants due for refresh", "error", err)
		return
	}
	if len(logins) == 0 {
		return
	}
	r.logger.Info("Refresh pass starting", "due", len(logins))

	var refreshed, skipped, failed int
	for _, login := range logins {
		if ctx.Err() != nil {
			return
		}
		switch ok, err := r.shouldAttempt(ctx, login); {
		case err != nil:
			r.logger.Error("Failed to evaluate refresh eligibility", "login", login, "error", err)
			failed++
			continue
		case !ok:
			skipped++
			continue
		}

		if err := r.manager.RefreshWithin(ctx, login, r.lookahead); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Revoked between the sweep query and this attempt.
				skipped++
				continue
			}
			failed++
			continue
		}
		refreshed++

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.pace):
		}
	}

	r.logger.Info("Refresh pass finished",
		"refreshed", refreshed, "skipped", skipped, "failed", failed)
}

// shouldAttempt filters out broadcasters whose grants are disabled or whose
// last failure is too recent to retry.
func (r *Refresher) shouldAttempt(ctx context.Context, login string) (bool, error) {
	blacklisted, err := r.creds.IsBlacklisted(ctx, login)
	if err != nil {
		return false, err
	}
	if blacklisted {
		return false, nil
	}
	recent, err := r.creds.HasRecentFailure(ctx, login)
	if err != nil {
		return false, err
	}
	return !recent, nil
}
