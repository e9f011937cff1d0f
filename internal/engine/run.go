package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/mailpace/internal/campaign"
	"github.com/foxzi/mailpace/internal/email"
	"github.com/foxzi/mailpace/internal/events"
	"github.com/foxzi/mailpace/internal/metrics"
	"github.com/foxzi/mailpace/internal/ratelimit"
	"github.com/foxzi/mailpace/internal/retry"
	"github.com/foxzi/mailpace/internal/smtp"
	"github.com/foxzi/mailpace/internal/store"
)

// run is the state of one Engine.Run call
type run struct {
	engine *Engine
	c      *campaign.Campaign
	sender smtp.Sender
	ctl    *Control
	pacer  *ratelimit.Pacer
	policy retry.Policy
	sum    *Summary
	logger *slog.Logger

	// quota unit taken for the next send, nil when none is held
	held *ratelimit.Request
}

// loop sends until nothing is pending. It returns the status the campaign
// should end in; StatusRunning means the run was interrupted.
func (r *run) loop(ctx context.Context) (campaign.Status, string) {
	e := r.engine

	// Suspensions end early on pause as well as on cancellation
	waitCtx, stopWaits := r.pausable(ctx)
	defer stopWaits()

	for {
		if status, reason, stop := r.checkStop(ctx); stop {
			return status, reason
		}

		batch, err := e.store.NextBatch(ctx, r.c.ID, r.c.BatchSize, e.clock.Now())
		if err != nil {
			if ctx.Err() != nil {
				return campaign.StatusRunning, "cancelled"
			}
			r.logger.Error("failed to load next batch", "error", err)
			return campaign.StatusRunning, fmt.Sprintf("store error: %v", err)
		}

		if len(batch) == 0 {
			due, ok, err := e.store.NextDue(ctx, r.c.ID)
			if err != nil {
				r.logger.Error("failed to find next retry", "error", err)
				return campaign.StatusRunning, fmt.Sprintf("store error: %v", err)
			}
			if !ok {
				counts, err := e.store.Counts(ctx, r.c.ID)
				if err == nil && counts.Sending > 0 {
					return campaign.StatusRunning, fmt.Sprintf("%d recipients left in sending state", counts.Sending)
				}
				return campaign.StatusCompleted, ""
			}
			if wait := due.Sub(e.clock.Now()); wait > 0 {
				r.logger.Debug("waiting for retries", "wait", wait)
				if err := e.clock.Sleep(waitCtx, wait); err != nil {
					return r.interrupted(ctx)
				}
			}
			continue
		}

		r.sum.Batches++
		for _, rcpt := range batch {
			if status, reason, stop := r.checkStop(ctx); stop {
				return status, reason
			}

			if status, reason, stop := r.checkQuota(ctx, rcpt); stop {
				return status, reason
			}

			if err := r.pacer.Acquire(waitCtx); err != nil {
				r.releaseQuota(ctx)
				return r.interrupted(ctx)
			}

			r.process(ctx, rcpt)
		}

		counts, err := e.store.Counts(ctx, r.c.ID)
		if err != nil {
			r.logger.Warn("failed to read counts", "error", err)
		}
		e.emitCounts(ctx, r.c, events.TypeProgress, r.sum.Batches, counts, "")
		r.logger.Info("batch finished",
			"batch", r.sum.Batches,
			"sent", counts.Sent,
			"pending", counts.Pending,
			"failed", counts.Failed+counts.PermanentlyFailed,
		)

		if counts.Pending > 0 && r.c.BatchDelay > 0 {
			if err := e.clock.Sleep(waitCtx, r.c.BatchDelay); err != nil {
				return r.interrupted(ctx)
			}
		}
	}
}

func (r *run) checkStop(ctx context.Context) (campaign.Status, string, bool) {
	if ctx.Err() != nil {
		return campaign.StatusRunning, "cancelled", true
	}
	if paused, reason := r.ctl.Paused(); paused {
		if reason == "" {
			reason = "paused by operator"
		}
		return campaign.StatusPaused, reason, true
	}
	return "", "", false
}

// pausable derives a context that is also cancelled by a pause request
func (r *run) pausable(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	if done := r.ctl.Done(); done != nil {
		go func() {
			select {
			case <-done:
				cancel()
			case <-ctx.Done():
			}
		}()
	}
	return ctx, cancel
}

// interrupted reports how the run ends after a wait was cut short
func (r *run) interrupted(ctx context.Context) (campaign.Status, string) {
	if status, reason, stop := r.checkStop(ctx); stop {
		return status, reason
	}
	return campaign.StatusRunning, "cancelled"
}

// checkQuota pauses the run when a shared quota is exhausted.
// An allowed check holds one unit until the message reaches the relay.
// Quota errors are logged and do not stop sending.
func (r *run) checkQuota(ctx context.Context, rcpt *campaign.Recipient) (campaign.Status, string, bool) {
	if r.engine.limiter == nil {
		return "", "", false
	}

	req := &ratelimit.Request{
		CampaignID:      r.c.ID,
		Sender:          r.c.SenderAddress,
		RecipientDomain: email.ExtractDomain(rcpt.Email),
	}
	res, err := r.engine.limiter.Allow(ctx, req)
	if err != nil {
		r.logger.Warn("quota check failed", "error", err)
		return "", "", false
	}
	if res.Allowed {
		r.held = req
		return "", "", false
	}

	metrics.IncRateLimitExceeded(string(res.DeniedBy))
	r.sum.RetryAfter = res.RetryAfter
	reason := fmt.Sprintf("%s quota exceeded for %s, retry in %s",
		res.DeniedBy, res.DeniedKey, res.RetryAfter.Round(time.Second))
	return campaign.StatusPaused, reason, true
}

// releaseQuota gives back the held unit of a send that never happened
func (r *run) releaseQuota(ctx context.Context) {
	if r.held == nil {
		return
	}
	if err := r.engine.limiter.Release(context.WithoutCancel(ctx), r.held); err != nil {
		r.logger.Warn("failed to release quota", "error", err)
	}
	r.held = nil
}

// process makes one attempt for rcpt and records it. An attempt that has
// claimed its recipient always completes and is recorded, even when the
// run is cancelled meanwhile.
func (r *run) process(ctx context.Context, rcpt *campaign.Recipient) {
	e := r.engine
	wctx := context.WithoutCancel(ctx)
	logger := r.logger.With("recipient_id", rcpt.ID, "to", rcpt.Email)

	claimed, err := e.store.MarkSending(wctx, r.c.ID, rcpt.ID)
	if err != nil {
		r.releaseQuota(ctx)
		if errors.Is(err, store.ErrConflict) {
			logger.Debug("recipient already claimed, skipping")
			return
		}
		logger.Error("failed to claim recipient", "error", err)
		return
	}

	start := e.clock.Now()
	class, code, sendErr := r.deliver(wctx, claimed)
	if class == campaign.ClassRendering {
		r.releaseQuota(ctx)
	}
	r.held = nil
	now := e.clock.Now()
	latency := now.Sub(start)

	next := *claimed
	next.Attempts++
	next.LastAttemptAt = now

	attempt := &campaign.SendAttempt{
		Timestamp: now,
		Latency:   latency,
	}

	domain := email.ExtractDomain(claimed.Email)

	if sendErr == nil {
		next.Status = campaign.RecipientSent
		next.SentAt = now
		next.LastError = ""
		next.LastErrorClass = campaign.ClassNone
		next.NextAttemptAt = time.Time{}
		attempt.Outcome = campaign.OutcomeSuccess

		metrics.IncMessagesSent(domain)
		metrics.ObserveSend("success", latency)
	} else {
		next.LastError = sendErr.Error()
		next.LastErrorClass = class
		attempt.Outcome = campaign.OutcomeFailure
		attempt.Class = class
		attempt.Code = code
		attempt.Error = sendErr.Error()
		metrics.ObserveSend("failure", latency)

		if again, delay := r.policy.ShouldRetry(next.Attempts, class); again {
			next.Status = campaign.RecipientPending
			next.NextAttemptAt = now.Add(delay)
			metrics.IncMessagesDeferred(domain)
			logger.Warn("delivery deferred",
				"attempt", next.Attempts,
				"retry_in", delay,
				"code", code,
				"error", sendErr,
			)
		} else {
			if class == campaign.ClassTransient {
				next.Status = campaign.RecipientFailed
			} else {
				next.Status = campaign.RecipientPermanentlyFailed
			}
			next.NextAttemptAt = time.Time{}
			metrics.IncMessagesFailed(domain, string(class))
			logger.Error("delivery failed",
				"attempt", next.Attempts,
				"status", next.Status,
				"class", class,
				"code", code,
				"error", sendErr,
			)
		}
	}

	if err := e.store.RecordAttempt(wctx, &next, attempt); err != nil {
		// The recipient stays sending and is recovered on resume
		logger.Error("failed to record attempt", "error", err)
		return
	}
	r.sum.Attempts++
}

// deliver renders and sends one message. Panics are turned into transient
// failures so one recipient cannot take down the run.
func (r *run) deliver(ctx context.Context, rcpt *campaign.Recipient) (class campaign.ErrorClass, code int, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic while sending", "recipient_id", rcpt.ID, "panic", p)
			class, code, err = campaign.ClassTransient, 0, fmt.Errorf("internal error: %v", p)
		}
	}()

	rendered, err := r.engine.renderer.Render(r.c, rcpt)
	if err != nil {
		return campaign.ClassRendering, 0, err
	}

	msg := &smtp.Message{
		FromName:    r.c.SenderName,
		From:        r.c.SenderAddress,
		To:          rcpt.Email,
		ReplyTo:     r.c.ReplyTo,
		Subject:     rendered.Subject,
		Text:        rendered.Text,
		HTML:        rendered.HTML,
		Headers:     r.c.Headers,
		Attachments: r.c.Attachments,
		Date:        r.engine.clock.Now(),
	}

	sctx, cancel := context.WithTimeout(ctx, r.engine.sendTimeout)
	defer cancel()

	if err := r.sender.Send(sctx, msg); err != nil {
		class, code := smtp.Classify(err)
		return class, code, err
	}
	return campaign.ClassNone, 0, nil
}
