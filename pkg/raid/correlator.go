package raid

import (
	"context"
	"fmt"
	"time"

	"github.com/streamforge/partnerd/pkg/store"
)

// HandleRaidArrival processes one inbound raid-arrival notification and
// matches it against the outstanding dispatches.
func (d *Dispatcher) HandleRaidArrival(ctx context.Context, toBroadcasterID, toLogin, fromLogin string, viewers int) {
	toLogin = store.Normalize(toLogin)
	fromLogin = store.Normalize(fromLogin)
	log := d.logger.With("from", fromLogin, "to", toLogin, "viewers", viewers)

	d.mu.Lock()
	p, ok := d.pending[toBroadcasterID]
	if !ok {
		// Externally initiated raid. Suppress the origin so an offline
		// auto-raid does not pile a second raid onto the same ending.
		d.suppressed[fromLogin] = d.now().Add(externalSuppression)
		d.mu.Unlock()
		log.Info("External raid observed, origin suppressed")
		return
	}
	if p.originLogin != fromLogin {
		// Someone else raided our target while our dispatch was in
		// flight. The entry stays until its timeout.
		d.mu.Unlock()
		log.Warn("Raid arrival origin mismatch", "expected_origin", p.originLogin)
		return
	}
	delete(d.pending, toBroadcasterID)
	d.mu.Unlock()

	target, err := d.streamers.Get(ctx, toLogin)
	if err == nil && target.RaidMsgOptOut {
		log.Info("Target opted out of post-raid messages")
		return
	}

	priorRaids, err := d.raids.CountSuccessfulRaidsTo(ctx, toLogin)
	if err != nil {
		d.logger.Error("Failed to count prior raids", "to", toLogin, "error", err)
		priorRaids = 0
	}

	token, err := d.tokens.GetValidToken(ctx, p.originLogin)
	if err != nil {
		log.Warn("No token for post-raid message", "error", err)
		return
	}
	msg := postRaidMessage(p.originLogin, viewers, priorRaids, p.partnerRaid)
	if err := d.api.SendChatMessage(ctx, token, toBroadcasterID, p.originID, msg); err != nil {
		log.Warn("Failed to send post-raid message", "error", err)
		return
	}
	log.Info("Post-raid message sent", "partner_raid", p.partnerRaid, "prior_raids", priorRaids)
}

// postRaidMessage picks the greeting wording for the target's chat.
func postRaidMessage(origin string, viewers, priorRaids int, partnerRaid bool) string {
	switch {
	case partnerRaid:
		return fmt.Sprintf("%s just arrived with %d raiders! Partner raids keep the network going — welcome everyone!", origin, viewers)
	case priorRaids == 0:
		return fmt.Sprintf("%s just raided with %d viewers! First network raid for this channel — enjoy the boost!", origin, viewers)
	default:
		return fmt.Sprintf("%s just raided with %d viewers! Glad to be back in this community.", origin, viewers)
	}
}

// StartReaper launches the background loop that expires stale pending
// entries. A dispatched raid whose arrival never shows up within the
// timeout is dropped with a warning.
func (d *Dispatcher) StartReaper(ctx context.Context) {
	if d.cancel != nil {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})

	go d.runReaper(ctx)

	d.logger.Info("Pending-raid reaper started",
		"timeout", pendingTimeout, "interval", reapInterval)
}

// StopReaper signals the reap loop to exit and waits for it to finish.
func (d *Dispatcher) StopReaper() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
	d.logger.Info("Pending-raid reaper stopped")
}

func (d *Dispatcher) runReaper(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.ReapPending()
		}
	}
}

// ReapPending drops pending entries older than the timeout.
func (d *Dispatcher) ReapPending() {
	cutoff := d.now().Add(-pendingTimeout)

	d.mu.Lock()
	defer d.mu.Unlock()
	for targetID, p := range d.pending {
		if p.createdAt.After(cutoff) {
			continue
		}
		delete(d.pending, targetID)
		d.logger.Warn("Pending raid never arrived, reaped",
			"origin", p.originLogin, "target", p.targetLogin,
			"age", d.now().Sub(p.createdAt))
	}
}

// PendingCount reports the outstanding dispatch count (admin surface).
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
