// Package intent implements the intent service (C7): the operator-facing
// pipeline that accepts, validates, deduplicates, authorizes, queues,
// executes, verifies, and resolves every operator intent, streaming every
// state transition over SSE. Generalized from the teacher's tool-call
// firewall (pkg/firewall/firewall.go, schema validation + allowlist) and
// budget enforcer (pkg/budget/enforcer.go, fail-closed Check/Decision
// shape) into a single state-machine pipeline.
package intent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vireo-systems/opctl/pkg/authz"
	"github.com/vireo-systems/opctl/pkg/contracts"
	"github.com/vireo-systems/opctl/pkg/crypto"
	"github.com/vireo-systems/opctl/pkg/kernel/retry"
	"github.com/vireo-systems/opctl/pkg/store"
)

// verifyBackoffPolicy bounds the verify-retry delay: 100ms doubling up to
// 2s, with up to 250ms of deterministic jitter so concurrent verifies on
// the same executor don't retry in lockstep.
var verifyBackoffPolicy = retry.BackoffPolicy{
	PolicyID: "intent.verify",
	BaseMs:   100,
	MaxMs:    2000,
	MaxJitterMs: 250,
}

// Outcome is the result code returned by SubmitIntent, matching the
// spec's status vocabulary exactly.
type Outcome string

const (
	OutcomeAccepted               Outcome = "ACCEPTED"
	OutcomeValidationFailed       Outcome = "VALIDATION_FAILED"
	OutcomeSignatureInvalid       Outcome = "SIGNATURE_INVALID"
	OutcomeInsufficientPermission Outcome = "INSUFFICIENT_PERMISSIONS"
	OutcomeIdempotentHit          Outcome = "IDEMPOTENT_HIT"
	OutcomeStateConflict          Outcome = "STATE_CONFLICT"
	OutcomePreview                Outcome = "PREVIEW"
	OutcomeBreakerVetoed          Outcome = "BREAKER_VETOED"
)

var (
	ErrNoSigner     = errors.New("intent: no signer available for operator")
	ErrUnknownType  = errors.New("intent: unknown intent type")
	ErrAlreadyTerminal = errors.New("intent: intent is already in a terminal state")
)

// Executor performs the real-world effect of an intent and returns the
// receipt describing what happened.
type Executor func(ctx context.Context, in *contracts.Intent) (*contracts.IntentReceipt, error)

// BreakerVeto reports whether a DangerCritical intent should be blocked
// outright rather than merely flagged in preview. Only DangerCritical
// intents consult it; safe/moderate intents only ever see breaker posture
// through the preview-stage BlockerChecker.
type BreakerVeto func(ctx context.Context, in *contracts.Intent) (reason string, veto bool)

// Verifier checks that an intent's executed effect actually took hold.
// Returning verified=false is not an error: it means the bounded retry
// budget is exhausted and the intent resolves VERIFIED with
// verification "unverified".
type Verifier func(ctx context.Context, in *contracts.Intent, receipt *contracts.IntentReceipt) (verified bool, evidence []string, err error)

// AuditRecorder appends state transitions to the hash-chained ledger.
type AuditRecorder interface {
	Record(ctx context.Context, entryType store.EntryType, subject, action string, payload interface{}) error
}

// Publisher mirrors non-SSE events (e.g. execution commands) onto the bus.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// Options configures a Service. Fields correspond directly to spec's
// "recognized submission options".
type Options struct {
	Keyring      *crypto.Keyring
	Executors    map[contracts.IntentType]Executor
	Verifiers    map[contracts.IntentType]Verifier
	GetStateHash func() string
	RBAC         *authz.RBACTable
	Schemas      *SchemaSet
	MaxInMemory  int
	TTLGraceMs   int
	RetryAttempts int // bounded verify retry budget
	BreakerVeto  BreakerVeto
}

// PreviewReport lists the blockers a submission would face without
// actually accepting it.
type PreviewReport struct {
	Reasons []string `json:"reasons"`
	Clean   bool     `json:"clean"`
}

// SubmitResult is returned from every SubmitIntent call.
type SubmitResult struct {
	Outcome    Outcome             `json:"outcome"`
	Intent     *contracts.Intent   `json:"intent,omitempty"`
	Reasons    []string            `json:"reasons,omitempty"`
	MissingKey string              `json:"missing_permission,omitempty"`
	Preview    *PreviewReport      `json:"preview,omitempty"`
}

// BlockerChecker supplies preview-stage blockers (breaker posture, caps,
// venue availability, conflicting intents) without mutating anything.
type BlockerChecker func(ctx context.Context, in *contracts.Intent) []string

// Service is the intent pipeline itself.
type Service struct {
	opts  Options
	store store.IntentStore
	audit AuditRecorder
	pub   Publisher
	sse   *Stream

	blockers []BlockerChecker

	mu        sync.Mutex // guards single-flight dispatch per intent ID
	inflight  map[string]struct{}
}

// NewService wires a Service. store must not be nil: every accepted
// intent is write-through persisted before it is considered durable.
func NewService(opts Options, intentStore store.IntentStore, audit AuditRecorder, pub Publisher) *Service {
	retention := opts.MaxInMemory
	if retention <= 0 {
		retention = 1000
	}
	return &Service{
		opts:     opts,
		store:    intentStore,
		audit:    audit,
		pub:      pub,
		sse:      NewStream(retention),
		inflight: make(map[string]struct{}),
	}
}

// AddBlockerChecker registers a preview-stage blocker source (e.g. the
// breaker tree's CanTrade, a position-cap check, a venue health probe).
func (s *Service) AddBlockerChecker(b BlockerChecker) {
	s.blockers = append(s.blockers, b)
}

// Stream exposes the SSE event stream for the HTTP layer.
func (s *Service) Stream() *Stream { return s.sse }

// SubmitIntent runs the full eleven-step pipeline. preview=true stops
// after step 6 and returns a PreviewReport without mutating anything.
func (s *Service) SubmitIntent(ctx context.Context, in *contracts.Intent, preview bool) (*SubmitResult, error) {
	in.DangerLevel = contracts.ClassifyIntentDanger(in.Type)

	// 1. Schema validation.
	if s.opts.Schemas != nil {
		if reasons := s.opts.Schemas.Validate(in.Type, in.Params); len(reasons) > 0 {
			return &SubmitResult{Outcome: OutcomeValidationFailed, Reasons: reasons}, nil
		}
	}

	// 2. Signature. Rejections here are never audited (spec: not audited).
	ok, err := s.verifySignature(in)
	if err != nil || !ok {
		return &SubmitResult{Outcome: OutcomeSignatureInvalid}, nil
	}

	// 3. RBAC.
	if s.opts.RBAC != nil {
		role := operatorRole(ctx)
		if !s.opts.RBAC.Allowed(role, in.Type, in.DangerLevel) {
			return &SubmitResult{
				Outcome:    OutcomeInsufficientPermission,
				MissingKey: fmt.Sprintf("%s:%s", role, in.Type),
			}, nil
		}
	}

	// 3b. Breaker veto. Only DangerCritical intents can be hard-blocked
	// here; lower-danger intents only ever see breaker posture as a
	// preview-stage blocker in step 6.
	if in.DangerLevel == contracts.DangerCritical && s.opts.BreakerVeto != nil {
		if reason, veto := s.opts.BreakerVeto(ctx, in); veto {
			return &SubmitResult{Outcome: OutcomeBreakerVetoed, Reasons: []string{reason}}, nil
		}
	}

	// 4. Idempotency.
	if in.IdempotencyKey != "" {
		existing, err := s.store.FindByIdempotencyKey(ctx, in.IdempotencyKey)
		if err == nil && existing != nil {
			return &SubmitResult{Outcome: OutcomeIdempotentHit, Intent: existing}, nil
		}
		if err != nil && !errors.Is(err, store.ErrIntentNotFound) {
			return nil, fmt.Errorf("intent: idempotency lookup: %w", err)
		}
	}

	// 5. Optimistic concurrency.
	if in.StateHash != "" && s.opts.GetStateHash != nil {
		if current := s.opts.GetStateHash(); current != in.StateHash {
			return &SubmitResult{Outcome: OutcomeStateConflict}, nil
		}
	}

	// 6. Preview.
	reasons := s.collectBlockers(ctx, in)
	if preview {
		return &SubmitResult{
			Outcome: OutcomePreview,
			Preview: &PreviewReport{Reasons: reasons, Clean: len(reasons) == 0},
		}, nil
	}

	// 7. Accept.
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	in.Status = contracts.IntentAccepted
	in.SubmittedAt = time.Now().UTC()
	if err := s.store.Insert(ctx, in); err != nil {
		return nil, fmt.Errorf("intent: persist accepted intent: %w", err)
	}
	s.recordAudit(ctx, store.EntryTypeIntentSubmitted, in.ID, "submitted", in)
	s.sse.Publish(EventIntentAccepted, in)

	// 8-11 run asynchronously so the caller gets an immediate ACCEPTED.
	go s.runPipeline(context.WithoutCancel(ctx), in)

	return &SubmitResult{Outcome: OutcomeAccepted, Intent: in}, nil
}

// runPipeline executes steps 8-11: single-flight dispatch, execute,
// verify with bounded retry, resolve.
func (s *Service) runPipeline(ctx context.Context, in *contracts.Intent) {
	s.mu.Lock()
	if _, busy := s.inflight[in.ID]; busy {
		s.mu.Unlock()
		return
	}
	s.inflight[in.ID] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, in.ID)
		s.mu.Unlock()
	}()

	// 8. Schedule executor.
	if err := s.store.UpdateStatus(ctx, in.ID, contracts.IntentExecuting); err != nil {
		return
	}
	in.Status = contracts.IntentExecuting
	s.recordAudit(ctx, store.EntryTypeIntentExecuting, in.ID, "executing", in)
	s.sse.Publish(EventIntentExecuting, in)

	executor, ok := s.opts.Executors[in.Type]
	if !ok {
		s.resolve(ctx, in, contracts.IntentFailed, &contracts.IntentReceipt{
			Effect: "no executor registered for " + string(in.Type),
		})
		return
	}

	// 9. Execute.
	receipt, err := executor(ctx, in)
	if err != nil {
		if receipt == nil {
			receipt = &contracts.IntentReceipt{}
		}
		receipt.Effect = err.Error()
		s.resolve(ctx, in, contracts.IntentFailed, receipt)
		return
	}

	// 10. Verify, with a bounded retry budget.
	verifier, hasVerifier := s.opts.Verifiers[in.Type]
	if !hasVerifier {
		receipt.Verification = "verified"
		s.resolve(ctx, in, contracts.IntentVerified, receipt)
		return
	}

	attempts := s.opts.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	verified := false
	var evidence []string
	for attempt := 0; attempt < attempts; attempt++ {
		verified, evidence, err = verifier(ctx, in, receipt)
		if err == nil && verified {
			break
		}
		if attempt < attempts-1 {
			delay := retry.ComputeBackoff(retry.BackoffParams{
				PolicyID:     verifyBackoffPolicy.PolicyID,
				AdapterID:    string(in.Type),
				EffectID:     in.ID,
				AttemptIndex: attempt,
				EnvSnapHash:  receipt.Effect,
			}, verifyBackoffPolicy)
			time.Sleep(delay)
		}
	}
	receipt.VerificationEvidence = evidence
	if verified {
		receipt.Verification = "verified"
	} else {
		receipt.Verification = "unverified"
	}
	// 11. Resolve. Both outcomes land on VERIFIED per spec: an unverified
	// effect is still a completed intent, just an unproven one.
	s.resolve(ctx, in, contracts.IntentVerified, receipt)
}

func (s *Service) resolve(ctx context.Context, in *contracts.Intent, status contracts.IntentStatus, receipt *contracts.IntentReceipt) {
	if err := s.store.Resolve(ctx, in.ID, status, receipt); err != nil {
		return
	}
	in.Status = status
	in.Receipt = receipt
	s.recordAudit(ctx, store.EntryTypeIntentResolved, in.ID, "resolved", in)
	s.sse.Publish(EventIntentResolved, in)
}

// ExpireOverdue scans in-memory accepted/executing intents and resolves
// any whose TTL has elapsed. Callers run this on a ticker. TTLGraceMs
// extends the deadline so a burst of scheduling latency never expires an
// intent that was, in practice, still within its TTL.
func (s *Service) ExpireOverdue(ctx context.Context, now time.Time, candidates []*contracts.Intent) {
	grace := time.Duration(s.opts.TTLGraceMs) * time.Millisecond
	cutoff := now.Add(-grace)
	for _, in := range candidates {
		if !in.Expired(cutoff) {
			continue
		}
		s.resolve(ctx, in, contracts.IntentExpired, &contracts.IntentReceipt{Effect: "ttl_exceeded"})
	}
}

func (s *Service) collectBlockers(ctx context.Context, in *contracts.Intent) []string {
	var reasons []string
	for _, check := range s.blockers {
		reasons = append(reasons, check(ctx, in)...)
	}
	return reasons
}

func (s *Service) verifySignature(in *contracts.Intent) (bool, error) {
	if s.opts.Keyring == nil {
		return false, ErrNoSigner
	}
	signer, err := s.opts.Keyring.DeriveForOperator(in.OperatorID)
	if err != nil {
		return false, err
	}
	return signer.VerifyIntent(in)
}

func (s *Service) recordAudit(ctx context.Context, entryType store.EntryType, subject, action string, in *contracts.Intent) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, entryType, subject, action, in)
}

type operatorRoleKey struct{}

// WithOperatorRole attaches the operator's role to ctx for RBAC checks.
func WithOperatorRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, operatorRoleKey{}, role)
}

func operatorRole(ctx context.Context) string {
	if role, ok := ctx.Value(operatorRoleKey{}).(string); ok {
		return role
	}
	return ""
}

// HydrateFromDB loads recent intents from the store into memory. Per
// spec, a terminal record always wins over a non-terminal one with the
// same ID: this guards against the in-memory side ever resurrecting a
// resolved intent as pending.
func HydrateFromDB(ctx context.Context, s store.IntentStore, limit int) (map[string]*contracts.Intent, error) {
	recent, err := s.FindRecent(ctx, limit, "")
	if err != nil {
		return nil, fmt.Errorf("intent: hydrate: %w", err)
	}
	out := make(map[string]*contracts.Intent, len(recent))
	for _, in := range recent {
		existing, ok := out[in.ID]
		if !ok || !(existing.Status.IsTerminal() && !in.Status.IsTerminal()) {
			out[in.ID] = in
		}
	}
	return out, nil
}
