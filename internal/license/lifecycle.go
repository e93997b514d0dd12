package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"licensecore/internal/ids"
)

// allowedTransitions lists every legal status move. Revoked has no entry and
// is therefore terminal.
var allowedTransitions = map[Status][]Status{
	StatusPending:   {StatusActive, StatusRevoked},
	StatusActive:    {StatusSuspended, StatusExpired, StatusRevoked, StatusGrace},
	StatusGrace:     {StatusActive, StatusExpired, StatusSuspended, StatusRevoked},
	StatusSuspended: {StatusActive, StatusRevoked},
	StatusExpired:   {StatusActive, StatusRevoked},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Actor names who requested a change. System-initiated changes use the
// constants below.
const (
	ActorEngine = "system:validation"
	ActorRisk   = "system:risk"
)

// AuditSink receives every audit record after it is persisted.
type AuditSink interface {
	PublishAudit(rec AuditRecord)
}

// Transition is the result of a lifecycle operation. Audit is nil when the
// operation found the license already in the requested state.
type Transition struct {
	License *License
	Audit   *AuditRecord
}

// Changed reports whether the operation moved the status.
func (t *Transition) Changed() bool {
	return t != nil && t.Audit != nil
}

// Lifecycle owns every status change. Direct status writes outside it are
// not part of the store contract.
type Lifecycle struct {
	store   LicenseStore
	ledger  *Ledger
	signer  *Signer
	sink    AuditSink
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// LifecycleOption configures a Lifecycle.
type LifecycleOption func(*Lifecycle)

// WithSigner enables re-issuing operations (renew, transfer).
func WithSigner(s *Signer) LifecycleOption {
	return func(lc *Lifecycle) { lc.signer = s }
}

// WithAuditSink publishes audit records after they are stored.
func WithAuditSink(s AuditSink) LifecycleOption {
	return func(lc *Lifecycle) { lc.sink = s }
}

// WithLifecycleClock replaces the time source.
func WithLifecycleClock(now func() time.Time) LifecycleOption {
	return func(lc *Lifecycle) { lc.now = now }
}

// WithLifecycleMetrics attaches licensing instruments.
func WithLifecycleMetrics(m *Metrics) LifecycleOption {
	return func(lc *Lifecycle) { lc.metrics = m }
}

// NewLifecycle creates the state machine. ledger releases device seats on
// revocation and transfer.
func NewLifecycle(store LicenseStore, ledger *Ledger, logger *slog.Logger, opts ...LifecycleOption) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	lc := &Lifecycle{
		store:  store,
		ledger: ledger,
		logger: logger.With(slog.String("component", "lifecycle")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(lc)
	}
	return lc
}

// CanIssue reports whether a signing key is loaded.
func (lc *Lifecycle) CanIssue() bool {
	return lc.signer != nil
}

// Get loads a license record.
func (lc *Lifecycle) Get(ctx context.Context, id uuid.UUID) (*License, error) {
	l, err := lc.store.GetLicense(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, Unavailable("load license", err)
	}
	return l, nil
}

// Activate moves a pending license to active.
func (lc *Lifecycle) Activate(ctx context.Context, id uuid.UUID, actor string) (*Transition, error) {
	return lc.transition(ctx, id, StatusActive, "activated", actor, []Status{StatusPending}, nil)
}

// Suspend blocks an active or grace license.
func (lc *Lifecycle) Suspend(ctx context.Context, id uuid.UUID, reason, actor string) (*Transition, error) {
	return lc.transition(ctx, id, StatusSuspended, reason, actor, []Status{StatusActive, StatusGrace}, nil)
}

// Reinstate returns a suspended license to active.
func (lc *Lifecycle) Reinstate(ctx context.Context, id uuid.UUID, reason, actor string) (*Transition, error) {
	return lc.transition(ctx, id, StatusActive, reason, actor, []Status{StatusSuspended}, nil)
}

// Revoke terminates the license from any non-terminal state, releases every
// device seat and closes an open grace period.
func (lc *Lifecycle) Revoke(ctx context.Context, id uuid.UUID, reason, actor string) (*Transition, error) {
	r := reason
	t, err := lc.transition(ctx, id, StatusRevoked, reason, actor, nil, &r)
	if err != nil || !t.Changed() {
		return t, err
	}
	lc.closeGrace(ctx, id, GraceRevoked)
	if lc.ledger != nil {
		if _, err := lc.ledger.ReleaseAll(ctx, id, "revoked"); err != nil {
			// The revocation stands; seats on a revoked license admit nothing.
			lc.logger.WarnContext(ctx, "release devices after revoke failed",
				slog.String("license_id", id.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return t, nil
}

// Expire moves an active or grace license whose validity has ended to
// expired. Calling it on an already expired license is a no-op.
func (lc *Lifecycle) Expire(ctx context.Context, id uuid.UUID, actor string) (*Transition, error) {
	t, err := lc.transition(ctx, id, StatusExpired, "validity ended", actor, []Status{StatusActive, StatusGrace}, nil)
	if err != nil || !t.Changed() {
		return t, err
	}
	if t.Audit.From == StatusGrace {
		lc.closeGrace(ctx, id, GraceExpired)
	}
	return t, nil
}

// StartGrace opens a grace period of the given length on an active license.
// The period starts at the later of now and the license's expiry.
func (lc *Lifecycle) StartGrace(ctx context.Context, id uuid.UUID, length time.Duration, reason, actor string) (*Transition, *GracePeriod, error) {
	if length <= 0 {
		return nil, nil, fmt.Errorf("%w: grace period length must be positive", ErrInvalidInput)
	}
	l, err := lc.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if l.Status != StatusActive {
		return nil, nil, &TransitionError{From: l.Status, To: StatusGrace}
	}

	now := lc.now().UTC()
	start := now
	if exp := l.Payload.ExpiresAt; exp != nil && exp.After(now) {
		start = *exp
	}
	g := GracePeriod{LicenseID: id, StartedAt: now, EndsAt: start.Add(length)}
	if err := lc.store.OpenGrace(ctx, g); err != nil {
		if errors.Is(err, ErrGraceOpen) {
			return nil, nil, err
		}
		return nil, nil, Unavailable("open grace", err)
	}

	t, err := lc.apply(ctx, l, StatusGrace, reason, actor, nil)
	if err != nil {
		lc.closeGrace(ctx, id, GraceExpired)
		return nil, nil, err
	}
	return t, &g, nil
}

// Grace returns the open grace period, or nil.
func (lc *Lifecycle) Grace(ctx context.Context, id uuid.UUID) (*GracePeriod, error) {
	g, err := lc.store.GetOpenGrace(ctx, id)
	if err != nil {
		return nil, Unavailable("load grace", err)
	}
	return g, nil
}

// Renew re-issues the license with a new expiry (nil means perpetual). An
// expired or grace license returns to active and an open grace period closes
// as renewed. Renewing to the current expiry changes nothing.
func (lc *Lifecycle) Renew(ctx context.Context, id uuid.UUID, expiresAt *time.Time, actor string) (*Transition, error) {
	if lc.signer == nil {
		return nil, ErrNoSigningKey
	}
	l, err := lc.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.Status == StatusRevoked {
		return nil, &TransitionError{From: l.Status, To: StatusActive}
	}

	if !sameExpiry(l.Payload.ExpiresAt, expiresAt) {
		l, err = lc.reissue(ctx, l, func(p *Payload) {
			if expiresAt == nil {
				p.ExpiresAt = nil
				return
			}
			exp := expiresAt.UTC().Truncate(time.Second)
			p.ExpiresAt = &exp
		}, "renewal")
		if err != nil {
			return nil, err
		}
	}

	if l.Status != StatusExpired && l.Status != StatusGrace {
		return &Transition{License: l}, nil
	}
	if l.Payload.ExpiredAt(lc.now()) {
		// Renewing into the past leaves the license expired.
		return &Transition{License: l}, nil
	}
	from := l.Status
	t, err := lc.apply(ctx, l, StatusActive, "renewed", actor, nil)
	if err != nil {
		return nil, err
	}
	if from == StatusGrace {
		lc.closeGrace(ctx, id, GraceRenewed)
	}
	return t, nil
}

// Transfer re-issues the license to a new licensee, releases every device
// seat and records the move. Transferring to the current licensee changes
// nothing.
func (lc *Lifecycle) Transfer(ctx context.Context, id uuid.UUID, toEmail, actor string) (*License, *Transfer, error) {
	if lc.signer == nil {
		return nil, nil, ErrNoSigningKey
	}
	l, err := lc.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if l.Status == StatusRevoked {
		return nil, nil, &TransitionError{From: l.Status, To: l.Status}
	}
	toEmail = strings.TrimSpace(toEmail)
	if strings.EqualFold(l.Payload.LicenseeEmail, toEmail) {
		return l, nil, nil
	}

	from := l.Payload.LicenseeEmail
	l, err = lc.reissue(ctx, l, func(p *Payload) { p.LicenseeEmail = toEmail }, "transfer")
	if err != nil {
		return nil, nil, err
	}
	if lc.ledger != nil {
		if _, err := lc.ledger.ReleaseAll(ctx, id, "transferred"); err != nil {
			return nil, nil, err
		}
		l.CurrentDeviceCount = 0
	}

	tr := Transfer{
		ID:        ids.At(lc.now()),
		LicenseID: id,
		FromEmail: from,
		ToEmail:   toEmail,
		Actor:     actor,
		At:        lc.now().UTC(),
	}
	if err := lc.store.AppendTransfer(ctx, tr); err != nil {
		return nil, nil, Unavailable("record transfer", err)
	}
	lc.logger.InfoContext(ctx, "license transferred",
		slog.String("license_id", id.String()),
		slog.String("actor", actor),
	)
	return l, &tr, nil
}

// Audit returns the license's transition history, oldest first.
func (lc *Lifecycle) Audit(ctx context.Context, id uuid.UUID) ([]AuditRecord, error) {
	recs, err := lc.store.ListAudit(ctx, id)
	if err != nil {
		return nil, Unavailable("list audit", err)
	}
	return recs, nil
}

// Transfers returns the license's ownership chain, oldest first.
func (lc *Lifecycle) Transfers(ctx context.Context, id uuid.UUID) ([]Transfer, error) {
	out, err := lc.store.ListTransfers(ctx, id)
	if err != nil {
		return nil, Unavailable("list transfers", err)
	}
	return out, nil
}

func (lc *Lifecycle) transition(ctx context.Context, id uuid.UUID, to Status, reason, actor string, from []Status, revocation *string) (*Transition, error) {
	l, err := lc.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.Status == to {
		return &Transition{License: l}, nil
	}
	if from != nil && !containsStatus(from, l.Status) {
		return nil, &TransitionError{From: l.Status, To: to}
	}
	return lc.apply(ctx, l, to, reason, actor, revocation)
}

// apply performs the compare-and-set. A concurrent writer that already
// reached the target state turns the call into a no-op.
func (lc *Lifecycle) apply(ctx context.Context, l *License, to Status, reason, actor string, revocation *string) (*Transition, error) {
	if !CanTransition(l.Status, to) {
		return nil, &TransitionError{From: l.Status, To: to}
	}
	now := lc.now().UTC()
	rec := AuditRecord{
		ID:        ids.At(now),
		LicenseID: l.ID(),
		From:      l.Status,
		To:        to,
		Reason:    reason,
		Actor:     actor,
		Timestamp: now,
	}
	if err := lc.store.TransitionStatus(ctx, l.ID(), l.Status, to, revocation, rec); err != nil {
		if !errors.Is(err, ErrConflict) {
			lc.metrics.recordFault(ctx, "transition")
			return nil, Unavailable("transition status", err)
		}
		current, gerr := lc.Get(ctx, l.ID())
		if gerr == nil && current.Status == to {
			return &Transition{License: current}, nil
		}
		return nil, err
	}

	next := *l
	next.Status = to
	next.UpdatedAt = now
	if revocation != nil {
		next.RevocationReason = revocation
	}
	lc.metrics.recordTransition(ctx, rec.From, rec.To)
	lc.logger.InfoContext(ctx, "license status changed",
		slog.String("license_id", l.ID().String()),
		slog.String("from", string(rec.From)),
		slog.String("to", string(rec.To)),
		slog.String("actor", actor),
		slog.String("reason", reason),
	)
	if lc.sink != nil {
		lc.sink.PublishAudit(rec)
	}
	return &Transition{License: &next, Audit: &rec}, nil
}

func (lc *Lifecycle) reissue(ctx context.Context, l *License, mutate func(*Payload), kind string) (*License, error) {
	next, err := l.Payload.Reissue(lc.now())
	if err != nil {
		return nil, Unavailable("reissue", err)
	}
	mutate(&next)
	key, err := lc.signer.Issue(next)
	if err != nil {
		return nil, err
	}
	if err := lc.store.ReplacePayload(ctx, l.ID(), l.Payload.Nonce, next, key, lc.now().UTC()); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, err
		}
		return nil, Unavailable("replace payload", err)
	}
	lc.metrics.recordIssued(ctx, kind)

	out := *l
	out.Payload = next
	out.LicenseKey = key
	out.UpdatedAt = lc.now().UTC()
	return &out, nil
}

func (lc *Lifecycle) closeGrace(ctx context.Context, id uuid.UUID, outcome GraceOutcome) {
	if err := lc.store.CloseGrace(ctx, id, outcome, lc.now().UTC()); err != nil {
		lc.logger.WarnContext(ctx, "close grace period failed",
			slog.String("license_id", id.String()),
			slog.String("outcome", string(outcome)),
			slog.String("error", err.Error()),
		)
	}
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sameExpiry(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Unix() == b.Unix()
}
