// Package delivery posts outbox activities to remote inboxes, signing each
// request as the sending calendar and retrying failures.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"pavillion/internal/domain"
	"pavillion/internal/events"
	"pavillion/internal/httpsig"
	"pavillion/internal/keys"
	"pavillion/internal/netguard"
	"pavillion/internal/repo"
)

const (
	defaultInterval    = 10 * time.Second
	defaultTimeout     = 10 * time.Second
	defaultMaxAttempts = 5
	defaultBatch       = 100
	subscriberBuffer   = 256
	publicCollection   = "https://www.w3.org/ns/activitystreams#Public"
	activityJSON       = "application/activity+json"
)

var errPermanent = errors.New("permanent failure")

type Config struct {
	Repo        repo.Repo
	Keys        *keys.Store
	Signer      *httpsig.Signer
	Guard       *netguard.Guard
	Bus         *events.Bus
	Interval    time.Duration
	Timeout     time.Duration
	MaxAttempts int
	UserAgent   string
	Logger      *slog.Logger
}

type Worker struct {
	repo        repo.Repo
	keys        *keys.Store
	signer      *httpsig.Signer
	guard       *netguard.Guard
	bus         *events.Bus
	interval    time.Duration
	maxAttempts int
	client      *resty.Client
	logger      *slog.Logger
	Now         func() time.Time
}

func New(cfg Config) *Worker {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	guard := cfg.Guard
	if guard == nil {
		guard = &netguard.Guard{Logger: cfg.Logger}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "pavillion"
	}
	client := resty.New().
		SetTransport(guard.Transport()).
		SetTimeout(timeout).
		SetRedirectPolicy(resty.NoRedirectPolicy()).
		SetHeader("User-Agent", ua)
	return &Worker{
		repo:        cfg.Repo,
		keys:        cfg.Keys,
		signer:      cfg.Signer,
		guard:       guard,
		bus:         cfg.Bus,
		interval:    interval,
		maxAttempts: maxAttempts,
		client:      client,
		logger:      logger,
		Now:         time.Now,
	}
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Run delivers announced messages as they arrive and sweeps for retries on
// every tick until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	var announced <-chan events.Event
	if w.bus != nil {
		sub := w.bus.Subscribe(subscriberBuffer, events.OutboxMessageAdded)
		defer sub.Close()
		announced = sub.C
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	w.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-announced:
			if !ok {
				announced = nil
				continue
			}
			msg, err := w.repo.GetOutboxMessage(ctx, evt.MessageID)
			if err != nil {
				w.logger.ErrorContext(ctx, "delivery: load message failed", "message_id", evt.MessageID, "error", err)
				continue
			}
			if err := w.DeliverMessage(ctx, msg); err != nil {
				w.logger.WarnContext(ctx, "delivery: message failed", "message_id", msg.ID, "error", err)
			}
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep picks up messages whose announcement was missed and retries pending
// deliveries whose backoff has elapsed.
func (w *Worker) Sweep(ctx context.Context) {
	msgs, err := w.repo.UndispatchedMessages(ctx, defaultBatch)
	if err != nil {
		w.logger.ErrorContext(ctx, "delivery: scan outbox failed", "error", err)
	} else {
		for _, msg := range msgs {
			if err := w.DeliverMessage(ctx, msg); err != nil {
				w.logger.WarnContext(ctx, "delivery: message failed", "message_id", msg.ID, "error", err)
			}
		}
	}
	w.RetryPending(ctx)
}

// DeliverMessage resolves the recipients of msg, registers a delivery per
// inbox and attempts every one still pending. Once its deliveries are
// registered the message is marked dispatched so the sweep skips it, even
// when it had no remote recipients.
func (w *Worker) DeliverMessage(ctx context.Context, msg domain.OutboxMessage) error {
	activity, err := domain.ParseActivity(msg.Message)
	if err != nil {
		w.markDispatched(ctx, msg.ID)
		return fmt.Errorf("parse message %s: %w", msg.ID, err)
	}
	for _, inbox := range w.recipients(ctx, activity) {
		if err := w.repo.EnsureDelivery(ctx, msg.ID, inbox, w.now()); err != nil {
			return fmt.Errorf("register delivery to %s: %w", inbox, err)
		}
	}
	w.markDispatched(ctx, msg.ID)
	deliveries, err := w.repo.DeliveriesForMessage(ctx, msg.ID)
	if err != nil {
		return err
	}
	for _, d := range deliveries {
		if d.Status == domain.DeliveryPending && d.Attempts == 0 {
			w.attempt(ctx, msg, activity, d)
		}
	}
	return nil
}

func (w *Worker) markDispatched(ctx context.Context, messageID string) {
	if err := w.repo.MarkMessageDispatched(ctx, messageID, w.now()); err != nil {
		w.logger.ErrorContext(ctx, "delivery: mark dispatched failed", "message_id", messageID, "error", err)
	}
}

// RetryPending re-attempts failed deliveries with exponential backoff.
func (w *Worker) RetryPending(ctx context.Context) {
	pending, err := w.repo.PendingDeliveries(ctx, defaultBatch)
	if err != nil {
		w.logger.ErrorContext(ctx, "delivery: list pending failed", "error", err)
		return
	}
	for _, d := range pending {
		if !w.due(d) {
			continue
		}
		msg, err := w.repo.GetOutboxMessage(ctx, d.MessageID)
		if err != nil {
			w.logger.ErrorContext(ctx, "delivery: load message failed", "message_id", d.MessageID, "error", err)
			continue
		}
		activity, err := domain.ParseActivity(msg.Message)
		if err != nil {
			w.record(ctx, d, domain.DeliveryDead, err)
			continue
		}
		w.attempt(ctx, msg, activity, d)
	}
}

func (w *Worker) due(d domain.OutboxDelivery) bool {
	if d.Attempts == 0 {
		return true
	}
	last, err := time.Parse(time.RFC3339, d.UpdatedAt)
	if err != nil {
		return true
	}
	backoff := w.interval << min(d.Attempts-1, 10)
	return !w.now().Before(last.Add(backoff))
}

func (w *Worker) attempt(ctx context.Context, msg domain.OutboxMessage, activity domain.Activity, d domain.OutboxDelivery) {
	err := w.post(ctx, activity.Actor(), d.InboxURL, msg.Message)
	switch {
	case err == nil:
		w.record(ctx, d, domain.DeliveryDelivered, nil)
		w.logger.InfoContext(ctx, "delivery: delivered", "message_id", d.MessageID, "inbox", d.InboxURL)
	case errors.Is(err, errPermanent) || d.Attempts+1 >= w.maxAttempts:
		w.record(ctx, d, domain.DeliveryDead, err)
		w.logger.WarnContext(ctx, "delivery: giving up", "message_id", d.MessageID, "inbox", d.InboxURL, "attempts", d.Attempts+1, "error", err)
	default:
		w.record(ctx, d, domain.DeliveryPending, err)
		w.logger.InfoContext(ctx, "delivery: will retry", "message_id", d.MessageID, "inbox", d.InboxURL, "attempts", d.Attempts+1, "error", err)
	}
}

func (w *Worker) record(ctx context.Context, d domain.OutboxDelivery, status domain.DeliveryStatus, cause error) {
	var msg string
	if cause != nil {
		msg = cause.Error()
	}
	if err := w.repo.RecordDeliveryAttempt(ctx, d.MessageID, d.InboxURL, status, msg, w.now()); err != nil {
		w.logger.ErrorContext(ctx, "delivery: record attempt failed", "message_id", d.MessageID, "error", err)
	}
}

func (w *Worker) post(ctx context.Context, actorURI, inbox string, body []byte) error {
	if err := w.guard.ValidateURLNotPrivate(ctx, inbox); err != nil {
		return fmt.Errorf("%w: %v", errPermanent, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", errPermanent, err)
	}
	if _, err := w.signer.SignRequest(ctx, actorURI, req, body); err != nil {
		return fmt.Errorf("%w: sign: %v", errPermanent, err)
	}
	res, err := w.client.R().
		SetContext(ctx).
		SetHeaderMultiValues(req.Header).
		SetHeader("Content-Type", activityJSON).
		SetBody(body).
		Post(inbox)
	if err != nil {
		return err
	}
	code := res.StatusCode()
	if code >= 200 && code < 300 {
		return nil
	}
	snippet := strings.TrimSpace(string(res.Body()))
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	err = fmt.Errorf("status %d: %s", code, snippet)
	if code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", errPermanent, err)
	}
	return err
}

// recipients maps the addressed actors of activity to their inboxes. Local
// actors and the public collection are skipped.
func (w *Worker) recipients(ctx context.Context, activity domain.Activity) []string {
	seen := map[string]bool{}
	var inboxes []string
	add := func(inbox string) {
		if inbox != "" && !seen[inbox] {
			seen[inbox] = true
			inboxes = append(inboxes, inbox)
		}
	}
	uris := append(activity.Strings("to"), activity.Strings("cc")...)
	for _, uri := range uris {
		if uri == publicCollection || uri == activity.Actor() {
			continue
		}
		a, err := w.keys.FetchRemoteActorByURI(ctx, uri)
		if err != nil {
			w.logger.WarnContext(ctx, "delivery: recipient unresolved", "actor_uri", uri, "error", err)
			continue
		}
		if a.Kind == domain.ActorLocal {
			continue
		}
		add(a.InboxURL)
	}
	if obj := activity.Embedded("object"); obj != nil {
		add(obj.String("inbox"))
	}
	return inboxes
}
