package witness

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsystems/agentsystems-notary/pkg/notary"
	"github.com/agentsystems/agentsystems-notary/pkg/tenants"
)

// captureRecorder records calls instead of writing anywhere.
type captureRecorder struct {
	mu       sync.Mutex
	payloads []interface{}
	tenants  []string
	sessions []string
	outcome  notary.Outcome
}

func (r *captureRecorder) Record(_ context.Context, tenantID, sessionID string, payload interface{}) notary.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
	r.tenants = append(r.tenants, tenantID)
	r.sessions = append(r.sessions, sessionID)
	out := r.outcome
	if out.State == "" {
		out.State = notary.StateCommitted
	}
	out.TenantID = tenantID
	out.SessionID = sessionID
	return out
}

func liveCred(t *testing.T) tenants.Credential {
	t.Helper()
	cred, err := tenants.NewCredential("sk_asn_live_abc", "tnt_acme")
	require.NoError(t, err)
	return cred
}

func TestHook_LogInteractionBuildsEnvelope(t *testing.T) {
	rec := &captureRecorder{}
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	h := NewHook(rec, liveCred(t), "tnt_acme",
		WithSessionID("sess-fixed"), withClock(func() time.Time { return fixed }))

	out := h.LogInteraction(context.Background(),
		map[string]interface{}{"prompts": []interface{}{"hi"}},
		map[string]interface{}{"text": "hello"},
		map[string]interface{}{"model": "claude-sonnet-4"},
	)
	require.NoError(t, out.Err)
	require.Len(t, rec.payloads, 1)
	assert.Equal(t, "tnt_acme", rec.tenants[0])
	assert.Equal(t, "sess-fixed", rec.sessions[0])

	payload := rec.payloads[0].(map[string]interface{})
	md := payload["metadata"].(map[string]interface{})
	assert.Equal(t, "sess-fixed", md["session_id"])
	assert.Equal(t, "tnt_acme", md["tenant_id"])
	assert.Equal(t, "2026-03-04T05:06:07Z", md["timestamp"])
	assert.Equal(t, "claude-sonnet-4", md["model"])
	assert.Equal(t, map[string]interface{}{"text": "hello"}, payload["output"])
}

func TestHook_ReservedMetadataKeysCannotBeOverridden(t *testing.T) {
	rec := &captureRecorder{}
	h := NewHook(rec, liveCred(t), "tnt_acme", WithSessionID("sess-fixed"))

	out := h.LogInteraction(context.Background(), nil, nil,
		map[string]interface{}{"tenant_id": "tnt_evil", "session_id": "forged"})
	require.NoError(t, out.Err)

	md := rec.payloads[0].(map[string]interface{})["metadata"].(map[string]interface{})
	assert.Equal(t, "tnt_acme", md["tenant_id"])
	assert.Equal(t, "sess-fixed", md["session_id"])
}

func TestHook_TestModeCredentialIsFlagged(t *testing.T) {
	cred, err := tenants.NewCredential("sk_asn_test_abc", "tnt_acme")
	require.NoError(t, err)
	rec := &captureRecorder{}
	h := NewHook(rec, cred, "tnt_acme")
	assert.True(t, h.TestMode())

	out := h.LogInteraction(context.Background(), nil, nil, nil)
	require.NoError(t, out.Err)

	md := rec.payloads[0].(map[string]interface{})["metadata"].(map[string]interface{})
	assert.Equal(t, true, md["test_mode"])
}

func TestHook_GeneratedSessionIDsAreUnique(t *testing.T) {
	rec := &captureRecorder{}
	a := NewHook(rec, liveCred(t), "tnt_acme")
	b := NewHook(rec, liveCred(t), "tnt_acme")
	assert.NotEmpty(t, a.SessionID())
	assert.NotEqual(t, a.SessionID(), b.SessionID())
}

func TestHook_EnvelopeIsCanonicalizable(t *testing.T) {
	rec := &captureRecorder{}
	h := NewHook(rec, liveCred(t), "tnt_acme")

	out := h.LogInteraction(context.Background(),
		map[string]interface{}{"prompts": []interface{}{"hi"}},
		map[string]interface{}{"text": "hello"}, nil)
	require.NoError(t, out.Err)

	// The envelope must survive a JSON round trip unchanged in structure.
	raw, err := json.Marshal(rec.payloads[0])
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Contains(t, decoded, "metadata")
	assert.Contains(t, decoded, "input")
	assert.Contains(t, decoded, "output")
}

func TestCallbackHandler_PairsStartAndEnd(t *testing.T) {
	rec := &captureRecorder{}
	h := NewHook(rec, liveCred(t), "tnt_acme")
	cb := NewCallbackHandler(h)

	cb.OnModelStart("run-1", []string{"what is 2+2"}, map[string]interface{}{"model": "x"})
	out := cb.OnModelEnd(context.Background(), "run-1", "4")
	require.NoError(t, out.Err)

	payload := rec.payloads[0].(map[string]interface{})
	input := payload["input"].(map[string]interface{})
	assert.Equal(t, []interface{}{"what is 2+2"}, input["prompts"])
	assert.Equal(t, map[string]interface{}{"text": "4"}, payload["output"])
}

func TestCallbackHandler_ConcurrentRunsStayPaired(t *testing.T) {
	rec := &captureRecorder{}
	h := NewHook(rec, liveCred(t), "tnt_acme")
	cb := NewCallbackHandler(h)

	cb.OnModelStart("run-a", []string{"prompt-a"}, nil)
	cb.OnModelStart("run-b", []string{"prompt-b"}, nil)

	// Completion order is reversed relative to start order.
	require.NoError(t, cb.OnModelEnd(context.Background(), "run-b", "answer-b").Err)
	require.NoError(t, cb.OnModelEnd(context.Background(), "run-a", "answer-a").Err)

	require.Len(t, rec.payloads, 2)
	first := rec.payloads[0].(map[string]interface{})
	assert.Equal(t, []interface{}{"prompt-b"}, first["input"].(map[string]interface{})["prompts"])
	assert.Equal(t, "answer-b", first["output"].(map[string]interface{})["text"])
}

func TestCallbackHandler_EndWithoutStartStillRecords(t *testing.T) {
	rec := &captureRecorder{}
	h := NewHook(rec, liveCred(t), "tnt_acme")
	cb := NewCallbackHandler(h)

	out := cb.OnModelEnd(context.Background(), "run-unknown", "orphan answer")
	require.NoError(t, out.Err)
	require.Len(t, rec.payloads, 1)
}
