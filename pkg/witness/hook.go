// Package witness adapts host-framework callbacks into recorded events. It
// owns the session lifecycle and the payload envelope; the record pipeline
// itself knows nothing about any framework's object model.
package witness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentsystems/agentsystems-notary/pkg/notary"
	"github.com/agentsystems/agentsystems-notary/pkg/tenants"
)

// Recorder is the narrow capability the hook needs from the pipeline.
type Recorder interface {
	Record(ctx context.Context, tenantID, sessionID string, payload interface{}) notary.Outcome
}

// envelopeSchema constrains the payload shape before it enters the pipeline.
// Catching a malformed envelope here gives the caller a clearer error than a
// canonicalization failure deep in the stack.
const envelopeSchema = `{
	"type": "object",
	"required": ["metadata", "input", "output"],
	"properties": {
		"metadata": {
			"type": "object",
			"required": ["session_id", "tenant_id", "timestamp"],
			"properties": {
				"session_id": {"type": "string", "minLength": 1},
				"tenant_id": {"type": "string", "minLength": 1},
				"timestamp": {"type": "string", "minLength": 1}
			}
		},
		"input": {"type": "object"},
		"output": {"type": "object"}
	}
}`

var compiledEnvelopeSchema = jsonschema.MustCompileString("envelope.json", envelopeSchema)

// Hook records one logical session of LLM interactions. Safe for concurrent
// use; interactions from parallel tasks within the session are sequenced by
// the pipeline, not by arrival order here.
type Hook struct {
	rec       Recorder
	tenantID  string
	sessionID string
	testMode  bool
	now       func() time.Time
}

// HookOption customizes a Hook.
type HookOption func(*Hook)

// WithSessionID overrides the generated session identifier, letting multiple
// processes contribute to one session.
func WithSessionID(id string) HookOption {
	return func(h *Hook) { h.sessionID = id }
}

func withClock(now func() time.Time) HookOption {
	return func(h *Hook) { h.now = now }
}

// NewHook starts a new logical session for the credential's tenant. Test-mode
// credentials are flagged so downstream services can skip notarization.
func NewHook(rec Recorder, cred tenants.Credential, tenantID string, opts ...HookOption) *Hook {
	h := &Hook{
		rec:       rec,
		tenantID:  tenantID,
		sessionID: uuid.New().String(),
		testMode:  cred.IsTestMode(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SessionID returns the session this hook writes under.
func (h *Hook) SessionID() string { return h.sessionID }

// TestMode reports whether the credential is a test key.
func (h *Hook) TestMode() bool { return h.testMode }

// LogInteraction wraps one captured call in the payload envelope and records
// it. Extra metadata entries are merged into the envelope's metadata block;
// reserved keys (session_id, tenant_id, timestamp) cannot be overridden.
func (h *Hook) LogInteraction(ctx context.Context, input, output map[string]interface{}, metadata map[string]interface{}) notary.Outcome {
	md := map[string]interface{}{}
	for k, v := range metadata {
		md[k] = v
	}
	md["session_id"] = h.sessionID
	md["tenant_id"] = h.tenantID
	md["timestamp"] = h.now().UTC().Format(time.RFC3339Nano)
	if h.testMode {
		md["test_mode"] = true
	}

	if input == nil {
		input = map[string]interface{}{}
	}
	if output == nil {
		output = map[string]interface{}{}
	}
	payload := map[string]interface{}{
		"metadata": md,
		"input":    input,
		"output":   output,
	}

	if err := compiledEnvelopeSchema.Validate(payload); err != nil {
		return notary.Outcome{
			State:     notary.StateRejected,
			TenantID:  h.tenantID,
			SessionID: h.sessionID,
			Err:       fmt.Errorf("envelope validation: %w", err),
		}
	}

	return h.rec.Record(ctx, h.tenantID, h.sessionID, payload)
}

// CallbackHandler pairs model-start and model-end callbacks from a host
// framework into single interactions, keyed by the framework's run
// identifier.
type CallbackHandler struct {
	hook *Hook

	mu      sync.Mutex
	pending map[string]map[string]interface{}
}

// NewCallbackHandler wraps a hook for frameworks with start/end callbacks.
func NewCallbackHandler(hook *Hook) *CallbackHandler {
	return &CallbackHandler{hook: hook, pending: make(map[string]map[string]interface{})}
}

// OnModelStart captures the request side of a call. runID must be unique per
// in-flight call; concurrent runs are kept apart by it.
func (c *CallbackHandler) OnModelStart(runID string, prompts []string, invocationParams map[string]interface{}) {
	promptVals := make([]interface{}, len(prompts))
	for i, p := range prompts {
		promptVals[i] = p
	}
	req := map[string]interface{}{
		"prompts":   promptVals,
		"timestamp": c.hook.now().UTC().Format(time.RFC3339Nano),
	}
	if invocationParams != nil {
		req["model_config"] = invocationParams
	}

	c.mu.Lock()
	c.pending[runID] = req
	c.mu.Unlock()
}

// OnModelEnd captures the response side and records the paired interaction.
// An end without a matching start is recorded with an empty input rather than
// dropped; a missing record is worse than a sparse one.
func (c *CallbackHandler) OnModelEnd(ctx context.Context, runID, responseText string) notary.Outcome {
	c.mu.Lock()
	req := c.pending[runID]
	delete(c.pending, runID)
	c.mu.Unlock()

	return c.hook.LogInteraction(ctx, req, map[string]interface{}{"text": responseText}, nil)
}
