package notary

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsystems/agentsystems-notary/pkg/audit"
	"github.com/agentsystems/agentsystems-notary/pkg/blobstore"
	"github.com/agentsystems/agentsystems-notary/pkg/ledger"
	"github.com/agentsystems/agentsystems-notary/pkg/sequencer"
	"github.com/agentsystems/agentsystems-notary/pkg/tenants"
	"github.com/agentsystems/agentsystems-notary/pkg/util/resiliency"
)

// Digest of the canonical form of {"model":"x","b":1,"a":2}.
const knownHash = "411423e69ac41694da0aeb16fef394a2f9a78fe2e9ca1b990e3d4de52b6b1830"

func knownPayload() map[string]interface{} {
	return map[string]interface{}{"model": "x", "b": 1, "a": 2}
}

type fixture struct {
	store *blobstore.MemoryStore
	led   *ledger.MemoryLedger
	seq   *sequencer.MemorySequencer
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cred, err := tenants.NewCredential("sk_asn_test_abc", "tnt_acme")
	require.NoError(t, err)
	return Config{
		Credential:  cred,
		BucketName:  "acme-audit-logs",
		RetryPolicy: resiliency.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
}

func newFixture() fixture {
	return fixture{
		store: blobstore.NewMemoryStore(),
		led:   ledger.NewMemoryLedger(),
		seq:   sequencer.NewMemorySequencer(),
	}
}

// flakyStore fails the first n Put calls, then delegates.
type flakyStore struct {
	blobstore.Store
	mu        sync.Mutex
	failures  int
	transient bool
}

func (s *flakyStore) Put(ctx context.Context, key blobstore.Key, data []byte) error {
	s.mu.Lock()
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		err := errors.New("injected blob failure")
		if s.transient {
			return blobstore.Transient(err)
		}
		return err
	}
	return s.Store.Put(ctx, key, data)
}

// flakyLedger fails the first n Append calls. When ambiguous is set, the
// receipt is committed before the failure is returned, simulating a network
// failure after the server applied the write.
type flakyLedger struct {
	ledger.Ledger
	mu        sync.Mutex
	failures  int
	ambiguous bool
}

func (l *flakyLedger) Append(ctx context.Context, r ledger.Receipt) (ledger.AppendStatus, error) {
	l.mu.Lock()
	fail := l.failures > 0
	if fail {
		l.failures--
	}
	l.mu.Unlock()
	if fail {
		if l.ambiguous {
			_, _ = l.Ledger.Append(ctx, r)
		}
		return "", ledger.Transient(errors.New("injected ledger failure"))
	}
	return l.Ledger.Append(ctx, r)
}

func TestRecord_Committed(t *testing.T) {
	f := newFixture()
	c := NewCoordinator(testConfig(t), f.store, f.led, f.seq)

	out := c.Record(context.Background(), "tnt_acme", "sess-1", knownPayload())
	require.NoError(t, out.Err)
	assert.Equal(t, StateCommitted, out.State)
	assert.True(t, out.Committed())
	assert.Equal(t, uint64(1), out.SequenceNumber)
	assert.Equal(t, knownHash, out.ContentHash)
	assert.Equal(t, `{"a":2,"b":1,"model":"x"}`, string(out.CanonicalBytes))

	blob, err := f.store.Get(context.Background(),
		blobstore.Key{TenantID: "tnt_acme", SessionID: "sess-1", Sequence: 1})
	require.NoError(t, err)
	assert.Equal(t, out.CanonicalBytes, blob, "blob content is the exact canonical bytes, no envelope")

	r, err := f.led.Get(context.Background(), "tnt_acme", "sess-1", 1)
	require.NoError(t, err)
	assert.Equal(t, knownHash, r.ContentHash)
}

func TestRecord_SequencesAdvancePerSession(t *testing.T) {
	f := newFixture()
	c := NewCoordinator(testConfig(t), f.store, f.led, f.seq)
	ctx := context.Background()

	for want := uint64(1); want <= 3; want++ {
		out := c.Record(ctx, "tnt_acme", "sess-1", knownPayload())
		require.NoError(t, out.Err)
		assert.Equal(t, want, out.SequenceNumber)
	}

	out := c.Record(ctx, "tnt_acme", "sess-2", knownPayload())
	require.NoError(t, out.Err)
	assert.Equal(t, uint64(1), out.SequenceNumber)
}

func TestRecord_RejectsMalformedPayload(t *testing.T) {
	f := newFixture()
	c := NewCoordinator(testConfig(t), f.store, f.led, f.seq)
	ctx := context.Background()

	out := c.Record(ctx, "tnt_acme", "sess-1", map[string]interface{}{"ch": make(chan int)})
	assert.Equal(t, StateRejected, out.State)
	assert.Error(t, out.Err)
	assert.Zero(t, out.SequenceNumber)

	// No sequence number was consumed by the rejected payload.
	out = c.Record(ctx, "tnt_acme", "sess-1", knownPayload())
	require.NoError(t, out.Err)
	assert.Equal(t, uint64(1), out.SequenceNumber)
}

func TestRecord_RejectsUnauthorizedTenant(t *testing.T) {
	f := newFixture()
	c := NewCoordinator(testConfig(t), f.store, f.led, f.seq)

	out := c.Record(context.Background(), "tnt_globex", "sess-1", knownPayload())
	assert.Equal(t, StateRejected, out.State)
	assert.ErrorIs(t, out.Err, ledger.ErrUnauthorizedTenant)
	assert.Zero(t, f.store.Len(), "no blob may exist under the foreign tenant")
}

func TestRecord_SequencingFailure(t *testing.T) {
	f := newFixture()
	c := NewCoordinator(testConfig(t), f.store, f.led, failingSequencer{})

	out := c.Record(context.Background(), "tnt_acme", "sess-1", knownPayload())
	assert.Equal(t, StateSequencingFailed, out.State)
	assert.Error(t, out.Err)
	assert.Zero(t, f.store.Len())
}

type failingSequencer struct{}

func (failingSequencer) Next(context.Context, string, string) (uint64, error) {
	return 0, errors.New("counter store unavailable")
}

func TestRecord_BlobWriteFailed(t *testing.T) {
	f := newFixture()
	store := &flakyStore{Store: f.store, failures: 100, transient: true}
	c := NewCoordinator(testConfig(t), store, f.led, f.seq)

	out := c.Record(context.Background(), "tnt_acme", "sess-1", knownPayload())
	assert.Equal(t, StateBlobWriteFailed, out.State)
	assert.Error(t, out.Err)

	// The ledger write must not have been attempted.
	_, err := f.led.Get(context.Background(), "tnt_acme", "sess-1", 1)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestRecord_BlobFatalErrorSkipsRetry(t *testing.T) {
	f := newFixture()
	store := &flakyStore{Store: f.store, failures: 1, transient: false}
	c := NewCoordinator(testConfig(t), store, f.led, f.seq)

	out := c.Record(context.Background(), "tnt_acme", "sess-1", knownPayload())
	assert.Equal(t, StateBlobWriteFailed, out.State)
	assert.Equal(t, 0, store.failures, "a fatal error consumes exactly one attempt")
}

func TestRecord_BlobTransientFailureRecovers(t *testing.T) {
	f := newFixture()
	store := &flakyStore{Store: f.store, failures: 2, transient: true}
	c := NewCoordinator(testConfig(t), store, f.led, f.seq)

	out := c.Record(context.Background(), "tnt_acme", "sess-1", knownPayload())
	require.NoError(t, out.Err)
	assert.Equal(t, StateCommitted, out.State)
}

func TestRecord_PartialWrite(t *testing.T) {
	f := newFixture()
	led := &flakyLedger{Ledger: f.led, failures: 100}
	var auditBuf bytes.Buffer
	c := NewCoordinator(testConfig(t), f.store, led, f.seq,
		WithAuditLogger(audit.NewLoggerWithWriter(&auditBuf)))
	ctx := context.Background()

	out := c.Record(ctx, "tnt_acme", "sess-1", knownPayload())
	assert.Equal(t, StatePartialWrite, out.State)
	assert.Error(t, out.Err)

	// Blob present, receipt absent.
	_, err := f.store.Get(ctx, blobstore.Key{TenantID: "tnt_acme", SessionID: "sess-1", Sequence: 1})
	assert.NoError(t, err)
	_, err = f.led.Get(ctx, "tnt_acme", "sess-1", 1)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assert.Contains(t, auditBuf.String(), string(audit.EventPartial))

	// Retrying the logical event gets a fresh sequence number and commits.
	led.failures = 0
	out = c.Record(ctx, "tnt_acme", "sess-1", knownPayload())
	require.NoError(t, out.Err)
	assert.Equal(t, StateCommitted, out.State)
	assert.Equal(t, uint64(2), out.SequenceNumber)
}

func TestRecord_AmbiguousLedgerFailureIsIdempotent(t *testing.T) {
	f := newFixture()
	// The server applies the append but the response is lost; the retry must
	// land as duplicate-same-hash, not a conflict or a second row.
	led := &flakyLedger{Ledger: f.led, failures: 1, ambiguous: true}
	c := NewCoordinator(testConfig(t), f.store, led, f.seq)

	out := c.Record(context.Background(), "tnt_acme", "sess-1", knownPayload())
	require.NoError(t, out.Err)
	assert.Equal(t, StateCommitted, out.State)

	rs, err := f.led.ListSession(context.Background(), "tnt_acme", "sess-1")
	require.NoError(t, err)
	assert.Len(t, rs, 1)
}

func TestRecord_ConflictIsFatal(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// Seed a receipt with a different hash at the key the coordinator will use.
	_, err := f.led.Append(ctx, ledger.Receipt{
		TenantID: "tnt_acme", SessionID: "sess-1", SequenceNumber: 1,
		ContentHash: "deadbeef", RecordedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	var auditBuf bytes.Buffer
	c := NewCoordinator(testConfig(t), f.store, f.led, f.seq,
		WithAuditLogger(audit.NewLoggerWithWriter(&auditBuf)))

	out := c.Record(ctx, "tnt_acme", "sess-1", knownPayload())
	assert.Equal(t, StateConflict, out.State)
	assert.ErrorIs(t, out.Err, ledger.ErrConflict)
	assert.Contains(t, auditBuf.String(), string(audit.EventConflict))

	// The original receipt is unchanged.
	r, err := f.led.Get(ctx, "tnt_acme", "sess-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", r.ContentHash)
}

func TestRecord_DebugEmitsCanonicalBytesAndHash(t *testing.T) {
	f := newFixture()
	cfg := testConfig(t)
	cfg.Debug = true
	var debugBuf bytes.Buffer
	cfg.DebugWriter = &debugBuf
	c := NewCoordinator(cfg, f.store, f.led, f.seq)

	out := c.Record(context.Background(), "tnt_acme", "sess-1", knownPayload())
	require.NoError(t, out.Err)

	assert.Contains(t, debugBuf.String(), `{"a":2,"b":1,"model":"x"}`)
	assert.Contains(t, debugBuf.String(), knownHash)

	// Debug output never bypasses the real writes.
	assert.Equal(t, 1, f.store.Len())
}

func TestRecord_OutOfOrderCompletion(t *testing.T) {
	f := newFixture()
	c := NewCoordinator(testConfig(t), f.store, f.led, f.seq)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	outcomes := make([]Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := map[string]interface{}{"model": "x", "call": i}
			outcomes[i] = c.Record(ctx, "tnt_acme", "sess-1", payload)
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, out := range outcomes {
		require.NoError(t, out.Err)
		require.Equal(t, StateCommitted, out.State)
		assert.False(t, seen[out.SequenceNumber], "sequence %d issued twice", out.SequenceNumber)
		seen[out.SequenceNumber] = true

		// Each event is retrievable at its assigned key regardless of the
		// order in which the writes completed.
		blob, err := f.store.Get(ctx, blobstore.Key{
			TenantID: "tnt_acme", SessionID: "sess-1", Sequence: out.SequenceNumber,
		})
		require.NoError(t, err)
		assert.Equal(t, out.CanonicalBytes, blob)
	}
	for seq := uint64(1); seq <= n; seq++ {
		assert.True(t, seen[seq], "sequence %d missing", seq)
	}
}

func TestRecord_CancelledContextYieldsDefinedState(t *testing.T) {
	f := newFixture()
	store := &flakyStore{Store: f.store, failures: 100, transient: true}
	cfg := testConfig(t)
	cfg.RetryPolicy = resiliency.Policy{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second}
	c := NewCoordinator(cfg, store, f.led, f.seq)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	out := c.Record(ctx, "tnt_acme", "sess-1", knownPayload())
	assert.Equal(t, StateBlobWriteFailed, out.State, "abandoned write still lands in a defined state")
	assert.Error(t, out.Err)
}

func TestOutcomeStatesAreDistinct(t *testing.T) {
	states := []OutcomeState{
		StateCommitted, StateRejected, StateSequencingFailed,
		StateBlobWriteFailed, StatePartialWrite, StateConflict,
	}
	seen := make(map[OutcomeState]bool)
	for _, s := range states {
		assert.False(t, seen[s], fmt.Sprintf("state %s duplicated", s))
		seen[s] = true
	}
}
