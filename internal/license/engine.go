package license

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"licensecore/internal/ids"
)

const (
	OutcomeAccepted = "accepted"
	OutcomeDenied   = "denied"
)

// Decision is the terminal result of a validation or activation. Denials
// are values, never errors.
type Decision struct {
	Accepted bool
	Reason   Reason
}

// Accept is the admitting decision.
func Accept() Decision { return Decision{Accepted: true} }

// Deny rejects with reason.
func Deny(r Reason) Decision { return Decision{Reason: r} }

// Outcome renders the decision for wire formats.
func (d Decision) Outcome() string {
	if d.Accepted {
		return OutcomeAccepted
	}
	return OutcomeDenied
}

// EngineConfig carries the validation knobs.
type EngineConfig struct {
	OfflineGrace time.Duration
	CacheTTL     time.Duration
}

// DefaultEngineConfig returns 72h offline grace and a 15 minute cache TTL.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{OfflineGrace: 72 * time.Hour, CacheTTL: 15 * time.Minute}
}

// Request is one validation call.
type Request struct {
	Key           string
	Fingerprint   string
	Mode          Mode
	LastKnownGood *LastKnownGood
	IPAddress     string
	Hardware      DeviceInfo
}

// Response is the outcome of Validate. LicenseID is zero when the key could
// not be attributed to a license.
type Response struct {
	Decision    Decision
	LicenseID   uuid.UUID
	License     *License
	Binding     *DeviceBinding
	CachedUntil *time.Time
	Token       string
	ReissuedKey string
	Event       *ValidationEvent
}

// ActivateRequest binds a device to a license.
type ActivateRequest struct {
	Key         string
	Fingerprint string
	Device      DeviceInfo
	IPAddress   string
}

// Activation is the outcome of Activate.
type Activation struct {
	Bound   bool
	Created bool
	Reason  Reason
	Binding *DeviceBinding
	License *License
	Event   *ValidationEvent
}

// DeactivateRequest releases a seat by binding id or by fingerprint. The key
// is required either way and must belong to the binding's license.
type DeactivateRequest struct {
	Key         string
	BindingID   string
	Fingerprint string
}

// Engine runs validations. With a nil store only offline validation works,
// which is how clients embed it.
type Engine struct {
	cfg       EngineConfig
	verifier  *Verifier
	store     Store
	ledger    *Ledger
	lifecycle *Lifecycle
	hasher    *FingerprintHasher
	tokens    *TokenIssuer
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithStore enables online validation against the authoritative records.
func WithStore(s Store, ledger *Ledger, lc *Lifecycle) EngineOption {
	return func(e *Engine) {
		e.store = s
		e.ledger = ledger
		e.lifecycle = lc
		if ledger != nil {
			e.hasher = ledger.Hasher()
		}
	}
}

// WithTokenIssuer makes accepted online validations carry a cache token.
func WithTokenIssuer(ti *TokenIssuer) EngineOption {
	return func(e *Engine) { e.tokens = ti }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithMetrics attaches licensing instruments.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates a validation engine.
func NewEngine(cfg EngineConfig, verifier *Verifier, logger *slog.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OfflineGrace <= 0 {
		cfg.OfflineGrace = DefaultEngineConfig().OfflineGrace
	}
	e := &Engine{
		cfg:      cfg,
		verifier: verifier,
		logger:   logger.With(slog.String("component", "validation_engine")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Validate decides whether the key admits the device. The returned error is
// non-nil only for infrastructure faults, which wrap ErrServiceUnavailable.
func (e *Engine) Validate(ctx context.Context, req Request) (*Response, error) {
	start := e.now()
	ctx, span := startSpan(ctx, "license.validate", attribute.String("license.mode", string(req.Mode)))

	var (
		resp *Response
		err  error
	)
	if req.Mode == ModeOffline {
		resp = e.validateOffline(ctx, req, start)
	} else {
		resp, err = e.validateOnline(ctx, req, start)
	}
	if err != nil {
		e.metrics.recordFault(ctx, "validate")
		e.logger.ErrorContext(ctx, "validation aborted",
			slog.String("license_key", MaskKey(req.Key)),
			slog.String("error", err.Error()),
		)
		endSpan(span, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("license.decision", resp.Decision.Outcome()),
		attribute.String("license.reason", string(resp.Decision.Reason)),
	)
	endSpan(span, nil)
	e.metrics.recordDecision(ctx, req.Mode, resp.Decision, e.now().Sub(start))
	e.logger.DebugContext(ctx, "validation decided",
		slog.String("license_key", MaskKey(req.Key)),
		slog.String("mode", string(req.Mode)),
		slog.String("decision", resp.Decision.Outcome()),
		slog.String("reason", string(resp.Decision.Reason)),
	)
	return resp, nil
}

// validateOffline needs no store: it checks the signed payload and the
// cached last-known-good decision only.
func (e *Engine) validateOffline(ctx context.Context, req Request, now time.Time) *Response {
	p, d, ok := e.open(req.Key)
	if !ok {
		return &Response{Decision: d}
	}
	resp := &Response{LicenseID: p.LicenseID}
	lkg := req.LastKnownGood

	switch {
	case p.ExpiredAt(now):
		resp.Decision = Deny(ReasonExpired)
	case lkg == nil || !lkg.Accepted || lkg.LicenseID != p.LicenseID || lkg.DeviceDigest != DeviceDigest(req.Fingerprint):
		resp.Decision = Deny(ReasonOfflineGraceExpired)
	case now.Sub(lkg.Timestamp) > e.cfg.OfflineGrace:
		resp.Decision = Deny(ReasonOfflineGraceExpired)
	default:
		resp.Decision = Accept()
		until := lkg.Timestamp.Add(e.cfg.OfflineGrace)
		resp.CachedUntil = &until
	}

	if e.store != nil && e.hasher != nil {
		resp.Event = e.record(ctx, p.LicenseID, req, e.hasher.Hash(req.Fingerprint), ModeOffline, resp.Decision, now)
	}
	return resp
}

func (e *Engine) validateOnline(ctx context.Context, req Request, now time.Time) (*Response, error) {
	if e.store == nil {
		return nil, Unavailable("validate", errors.New("no license store configured"))
	}

	p, d, ok := e.open(req.Key)
	if !ok {
		return &Response{Decision: d}, nil
	}

	l, d, err := e.load(ctx, p)
	if err != nil {
		return nil, err
	}
	resp := &Response{LicenseID: p.LicenseID, License: l}
	hash := e.hasher.Hash(req.Fingerprint)
	if l == nil {
		resp.Decision = d
		return resp, nil
	}

	finish := func(d Decision) (*Response, error) {
		resp.Decision = d
		resp.Event = e.record(ctx, l.ID(), req, hash, ModeOnline, d, now)
		return resp, nil
	}

	d, ok, err = e.checkEntitlement(ctx, l, p, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return finish(d)
	}

	b, err := e.ledger.findActiveHash(ctx, l.ID(), hash)
	switch {
	case err == nil:
		if err := e.ledger.Touch(ctx, b.ID); err != nil {
			return nil, err
		}
		b.LastSeenAt = now.UTC()
	case errors.Is(err, ErrBindingNotFound):
		var created bool
		b, created, err = e.ledger.BindDevice(ctx, l.ID(), req.Fingerprint, req.Hardware)
		if errors.Is(err, ErrQuotaExceeded) {
			return finish(Deny(ReasonDeviceQuotaExceeded))
		}
		if err != nil {
			return nil, err
		}
		if created {
			l.CurrentDeviceCount++
			e.metrics.recordActivation(ctx, true, "")
			if err := e.activatePending(ctx, l); err != nil {
				return nil, err
			}
		}
	default:
		return nil, err
	}
	resp.Binding = b

	if p.Nonce != l.Payload.Nonce {
		resp.ReissuedKey = l.LicenseKey
	}
	if e.tokens != nil {
		tok, err := e.tokens.Issue(l.ID(), DeviceDigest(req.Fingerprint), Accept(), now)
		if err != nil {
			return nil, Unavailable("issue token", err)
		}
		resp.Token = tok
	}
	until := now.Add(e.cfg.CacheTTL)
	resp.CachedUntil = &until
	return finish(Accept())
}

// Activate binds the device without the full validation response. It is
// the explicit seat-claiming path used by installers.
func (e *Engine) Activate(ctx context.Context, req ActivateRequest) (*Activation, error) {
	if e.store == nil {
		return nil, Unavailable("activate", errors.New("no license store configured"))
	}
	ctx, span := startSpan(ctx, "license.activate")
	act, err := e.activate(ctx, req)
	endSpan(span, err)
	if err != nil {
		e.metrics.recordFault(ctx, "activate")
		return nil, err
	}
	if !act.Bound {
		e.metrics.recordActivation(ctx, false, act.Reason)
	}
	return act, nil
}

func (e *Engine) activate(ctx context.Context, req ActivateRequest) (*Activation, error) {
	now := e.now()
	p, d, ok := e.open(req.Key)
	if !ok {
		return &Activation{Reason: d.Reason}, nil
	}
	l, d, err := e.load(ctx, p)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return &Activation{Reason: d.Reason}, nil
	}

	hash := e.hasher.Hash(req.Fingerprint)
	vreq := Request{Key: req.Key, Fingerprint: req.Fingerprint, Mode: ModeOnline, IPAddress: req.IPAddress, Hardware: req.Device}
	act := &Activation{License: l}
	deny := func(r Reason) (*Activation, error) {
		act.Reason = r
		act.Event = e.record(ctx, l.ID(), vreq, hash, ModeOnline, Deny(r), now)
		return act, nil
	}

	d, ok, err = e.checkEntitlement(ctx, l, p, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return deny(d.Reason)
	}

	b, created, err := e.ledger.BindDevice(ctx, l.ID(), req.Fingerprint, req.Device)
	if errors.Is(err, ErrQuotaExceeded) {
		return deny(ReasonQuotaExceeded)
	}
	if err != nil {
		return nil, err
	}
	if created {
		l.CurrentDeviceCount++
		e.metrics.recordActivation(ctx, true, "")
		if err := e.activatePending(ctx, l); err != nil {
			return nil, err
		}
	}
	act.Bound = true
	act.Created = created
	act.Binding = b
	act.Event = e.record(ctx, l.ID(), vreq, hash, ModeOnline, Accept(), now)
	return act, nil
}

// Deactivate releases a seat. It reports false when the key does not open,
// or when no matching active binding exists.
func (e *Engine) Deactivate(ctx context.Context, req DeactivateRequest, reason string) (bool, error) {
	if e.store == nil {
		return false, Unavailable("deactivate", errors.New("no license store configured"))
	}
	p, _, ok := e.open(req.Key)
	if !ok {
		return false, nil
	}

	var bindingID string
	if req.BindingID != "" {
		b, err := e.store.GetBinding(ctx, req.BindingID)
		if errors.Is(err, ErrBindingNotFound) {
			return false, nil
		}
		if err != nil {
			return false, Unavailable("load binding", err)
		}
		if b.LicenseID != p.LicenseID || !b.IsActive {
			return false, nil
		}
		bindingID = b.ID
	} else {
		b, err := e.ledger.FindActive(ctx, p.LicenseID, req.Fingerprint)
		if errors.Is(err, ErrBindingNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		bindingID = b.ID
	}

	if _, err := e.ledger.UnbindDevice(ctx, bindingID, reason); err != nil {
		if errors.Is(err, ErrBindingNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// open runs the decoding and signature states.
func (e *Engine) open(key string) (Payload, Decision, bool) {
	p, _, err := e.verifier.Open(key)
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return Payload{}, Deny(ReasonInvalidSignature), false
	case err != nil:
		return Payload{}, Deny(ReasonMalformedKey), false
	}
	return p, Decision{}, true
}

// load fetches the authoritative record. A nil license with a denial means
// the id is unknown.
func (e *Engine) load(ctx context.Context, p Payload) (*License, Decision, error) {
	l, err := e.store.GetLicense(ctx, p.LicenseID)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, Deny(ReasonNotFound), nil
	case err != nil:
		return nil, Decision{}, Unavailable("load license", err)
	}
	return l, Decision{}, nil
}

// checkEntitlement runs the expiry and status states against the record.
// A key issued to a previous licensee stops working once the license is
// transferred.
func (e *Engine) checkEntitlement(ctx context.Context, l *License, presented Payload, now time.Time) (Decision, bool, error) {
	if l.Payload.ExpiredAt(now) {
		grace, err := e.store.GetOpenGrace(ctx, l.ID())
		if err != nil {
			return Decision{}, false, Unavailable("load grace", err)
		}
		if !grace.OpenAt(now) {
			e.expire(ctx, l)
			return Deny(ReasonExpired), false, nil
		}
	}

	switch l.Status {
	case StatusSuspended:
		return Deny(ReasonSuspended), false, nil
	case StatusRevoked:
		return Deny(ReasonRevoked), false, nil
	case StatusExpired:
		return Deny(ReasonExpired), false, nil
	}

	if !strings.EqualFold(presented.LicenseeEmail, l.Payload.LicenseeEmail) {
		return Deny(ReasonRevoked), false, nil
	}
	return Decision{}, true, nil
}

// expire records an observed expiry. The denial does not depend on it.
func (e *Engine) expire(ctx context.Context, l *License) {
	if e.lifecycle == nil || (l.Status != StatusActive && l.Status != StatusGrace) {
		return
	}
	t, err := e.lifecycle.Expire(ctx, l.ID(), ActorEngine)
	if err != nil {
		e.logger.WarnContext(ctx, "expire on validation failed",
			slog.String("license_id", l.ID().String()),
			slog.String("error", err.Error()),
		)
		return
	}
	l.Status = t.License.Status
}

func (e *Engine) activatePending(ctx context.Context, l *License) error {
	if e.lifecycle == nil || l.Status != StatusPending {
		return nil
	}
	t, err := e.lifecycle.Activate(ctx, l.ID(), ActorEngine)
	if err != nil && !errors.Is(err, ErrInvalidTransition) {
		return err
	}
	if t != nil {
		l.Status = t.License.Status
	}
	return nil
}

// record appends the decision to the event log. A failed append is logged
// and does not alter the decision.
func (e *Engine) record(ctx context.Context, id uuid.UUID, req Request, hash string, mode Mode, d Decision, now time.Time) *ValidationEvent {
	ev := ValidationEvent{
		ID:              ids.At(now),
		LicenseID:       id,
		FingerprintHash: hash,
		IPAddress:       req.IPAddress,
		Mode:            mode,
		Timestamp:       now.UTC(),
		Result:          ResultAccepted,
	}
	if e.hasher != nil {
		ev.HardwareDigest = e.hasher.HardwareDigest(req.Hardware)
	}
	if !d.Accepted {
		r := d.Reason
		ev.Result = ResultRejected
		ev.RejectReason = &r
	}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		e.logger.ErrorContext(ctx, "append validation event failed",
			slog.String("license_id", id.String()),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return &ev
}
