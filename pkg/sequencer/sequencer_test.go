package sequencer

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySequencer_StartsAtOneAndIsDense(t *testing.T) {
	s := NewMemorySequencer()
	ctx := context.Background()

	for want := uint64(1); want <= 5; want++ {
		got, err := s.Next(ctx, "tnt_acme", "sess-1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestMemorySequencer_SessionsAreIndependent(t *testing.T) {
	s := NewMemorySequencer()
	ctx := context.Background()

	_, err := s.Next(ctx, "tnt_acme", "sess-1")
	require.NoError(t, err)
	_, err = s.Next(ctx, "tnt_acme", "sess-1")
	require.NoError(t, err)

	got, err := s.Next(ctx, "tnt_acme", "sess-2")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got)

	got, err = s.Next(ctx, "tnt_globex", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got, "tenants must not share counters")
}

func TestMemorySequencer_ConcurrentCallersGetDistinctNumbers(t *testing.T) {
	s := NewMemorySequencer()
	ctx := context.Background()

	const n = 100
	results := make([]uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seq, err := s.Next(ctx, "tnt_acme", "sess-1")
			assert.NoError(t, err)
			results[i] = seq
		}(i)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	for i, seq := range results {
		assert.Equal(t, uint64(i+1), seq, "numbers must be dense with no duplicates")
	}
}

func TestSQLSequencer_Next(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSQLSequencer(db)

	mock.ExpectQuery("INSERT INTO session_counters .* RETURNING next_seq").
		WithArgs("tnt_acme", "sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"next_seq"}).AddRow(7))

	seq, err := s.Next(context.Background(), "tnt_acme", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSequencer_InitCreatesSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS session_counters").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, NewSQLSequencer(db).Init(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisSequencer_KeyLayout(t *testing.T) {
	s := NewRedisSequencer(nil)
	assert.Equal(t, "notary:seq:tnt_acme:sess-1", s.key("tnt_acme", "sess-1"))
}
