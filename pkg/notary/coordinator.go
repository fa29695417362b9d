// Package notary orchestrates the canonicalize, hash, sequence, and
// dual-write steps for one captured LLM interaction.
package notary

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentsystems/agentsystems-notary/pkg/audit"
	"github.com/agentsystems/agentsystems-notary/pkg/blobstore"
	"github.com/agentsystems/agentsystems-notary/pkg/canonicalize"
	"github.com/agentsystems/agentsystems-notary/pkg/ledger"
	"github.com/agentsystems/agentsystems-notary/pkg/sequencer"
	"github.com/agentsystems/agentsystems-notary/pkg/tenants"
	"github.com/agentsystems/agentsystems-notary/pkg/util/resiliency"
	"github.com/agentsystems/agentsystems-notary/pkg/verifier"
)

var tracer = otel.Tracer("github.com/agentsystems/agentsystems-notary/pkg/notary")

// Config is the immutable per-coordinator configuration. One coordinator is
// built per tenant-scoped credential, so multi-tenant processes keep their
// credentials independent instead of sharing ambient globals.
type Config struct {
	Credential tenants.Credential

	// BucketName identifies the caller-owned blob store target. It is
	// recorded in diagnostics; the Store passed to NewCoordinator must
	// already be bound to it.
	BucketName string

	// Debug emits canonical bytes and the computed hash to DebugWriter
	// around each write. It never substitutes for the real write path.
	Debug       bool
	DebugWriter io.Writer

	RetryPolicy resiliency.Policy
}

// Coordinator performs the dual write for sequenced events. Safe for
// concurrent use; it holds no mutable state beyond in-flight retry counters.
type Coordinator struct {
	cfg    Config
	blobs  blobstore.Store
	ledger ledger.Ledger
	seq    sequencer.Sequencer
	audit  audit.Logger
}

// CoordinatorOption customizes a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithAuditLogger routes operational events (partial writes, conflicts) to l.
func WithAuditLogger(l audit.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.audit = l }
}

// NewCoordinator wires the pipeline. The ledger is wrapped so that every call
// is checked against the credential's tenant scope before any side effect.
func NewCoordinator(cfg Config, blobs blobstore.Store, l ledger.Ledger, seq sequencer.Sequencer, opts ...CoordinatorOption) *Coordinator {
	if cfg.DebugWriter == nil {
		cfg.DebugWriter = os.Stderr
	}
	if cfg.RetryPolicy.MaxAttempts == 0 {
		cfg.RetryPolicy = resiliency.DefaultPolicy()
	}
	c := &Coordinator{
		cfg:    cfg,
		blobs:  blobs,
		ledger: ledger.Scoped(l, cfg.Credential),
		seq:    seq,
		audit:  audit.Nop{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Record canonicalizes payload, assigns the next sequence number in the
// session, and performs the blob and ledger writes in that order. The
// returned Outcome always lands in a defined state; a failure after sequence
// assignment is reported, never silently dropped.
func (c *Coordinator) Record(ctx context.Context, tenantID, sessionID string, payload interface{}) Outcome {
	ctx, span := tracer.Start(ctx, "notary.Record")
	defer span.End()
	span.SetAttributes(
		attribute.String("notary.tenant_id", tenantID),
		attribute.String("notary.session_id", sessionID),
	)

	out := Outcome{TenantID: tenantID, SessionID: sessionID}

	if !c.cfg.Credential.Authorizes(tenantID) {
		out.State = StateRejected
		out.Err = fmt.Errorf("%w: %s", ledger.ErrUnauthorizedTenant, tenantID)
		return c.finish(span, out)
	}

	canonical, err := canonicalize.Canonicalize(payload)
	if err != nil {
		out.State = StateRejected
		out.Err = fmt.Errorf("canonicalize payload: %w", err)
		return c.finish(span, out)
	}
	out.CanonicalBytes = canonical
	out.ContentHash = canonicalize.HashBytes(canonical)
	span.SetAttributes(attribute.String("notary.content_hash", out.ContentHash))

	if !verifier.Verify(canonical, out.ContentHash) {
		out.State = StateRejected
		out.Err = ErrSelfCheckFailed
		return c.finish(span, out)
	}

	c.debugf("canonical bytes (%d): %s\n", len(canonical), canonical)
	c.debugf("content hash: %s\n", out.ContentHash)

	seq, err := c.seq.Next(ctx, tenantID, sessionID)
	if err != nil {
		out.State = StateSequencingFailed
		out.Err = fmt.Errorf("allocate sequence: %w", err)
		return c.finish(span, out)
	}
	out.SequenceNumber = seq
	span.SetAttributes(attribute.Int64("notary.sequence_number", int64(seq)))

	key := blobstore.Key{TenantID: tenantID, SessionID: sessionID, Sequence: seq}
	if err := key.Validate(); err != nil {
		out.State = StateRejected
		out.Err = err
		return c.finish(span, out)
	}

	err = resiliency.Do(ctx, c.cfg.RetryPolicy, blobstore.IsTransient,
		func(ctx context.Context) error { return c.blobs.Put(ctx, key, canonical) })
	if err != nil {
		// The receipt must never exist without a retrievable artifact, so
		// the ledger write is not attempted.
		out.State = StateBlobWriteFailed
		out.Err = fmt.Errorf("blob write %s: %w", key.Object(), err)
		return c.finish(span, out)
	}
	c.debugf("blob written: %s\n", key.Object())

	var status ledger.AppendStatus
	err = resiliency.Do(ctx, c.cfg.RetryPolicy, ledger.IsTransient,
		func(ctx context.Context) error {
			var appendErr error
			status, appendErr = c.ledger.Append(ctx, ledger.Receipt{
				TenantID:       tenantID,
				SessionID:      sessionID,
				SequenceNumber: seq,
				ContentHash:    out.ContentHash,
				RecordedAt:     time.Now().UTC(),
			})
			return appendErr
		})
	switch {
	case err == nil:
		out.State = StateCommitted
		c.debugf("receipt recorded: %s (%s)\n", out.ContentHash, status)
		return c.finish(span, out)

	case ledger.IsConflict(err):
		out.State = StateConflict
		out.Err = fmt.Errorf("ledger append %s: %w", key.Object(), err)
		_ = c.audit.Record(tenantID, audit.EventConflict, "record", key.Object(),
			map[string]interface{}{"hash": out.ContentHash})
		return c.finish(span, out)

	default:
		out.State = StatePartialWrite
		out.Err = fmt.Errorf("ledger append %s: %w", key.Object(), err)
		_ = c.audit.Record(tenantID, audit.EventPartial, "record", key.Object(),
			map[string]interface{}{"hash": out.ContentHash, "sequence": seq})
		return c.finish(span, out)
	}
}

func (c *Coordinator) finish(span trace.Span, out Outcome) Outcome {
	span.SetAttributes(attribute.String("notary.outcome", string(out.State)))
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, string(out.State))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return out
}

func (c *Coordinator) debugf(format string, args ...interface{}) {
	if c.cfg.Debug {
		fmt.Fprintf(c.cfg.DebugWriter, "notary: "+format, args...)
	}
}
