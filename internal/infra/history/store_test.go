package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yat-Muk/certflow/internal/domain/certificate"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entries := []Entry{
		{RunID: "run-1", Command: "obtain", Domain: "example.com", Kind: certificate.ResultObtained},
		{RunID: "run-2", Command: "renew", Domain: "example.com", Kind: certificate.ResultAlreadyValid, Detail: "剩餘 61 天"},
		{RunID: "run-3", Command: "renew", Domain: "example.com", Kind: certificate.ResultValidationFailed, Detail: "DNS problem: NXDOMAIN"},
	}
	for _, e := range entries {
		require.NoError(t, s.Append(ctx, e))
	}

	got, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)

	// 新的在前
	assert.Equal(t, "run-3", got[0].RunID)
	assert.Equal(t, certificate.ResultValidationFailed, got[0].Kind)
	assert.Equal(t, "DNS problem: NXDOMAIN", got[0].Detail)
	assert.Equal(t, "run-1", got[2].RunID)
	assert.Equal(t, certificate.ResultObtained, got[2].Kind)
}

func TestRecentHonorsLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		require.NoError(t, s.Append(ctx, Entry{
			RunID: "run", Command: "renew", Domain: "example.com",
			Kind: certificate.ResultRenewed,
		}))
	}

	got, err := s.Recent(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, got, 5)
}

func TestAppendFillsTimestamp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	before := time.Now().Add(-time.Second)
	require.NoError(t, s.Append(ctx, Entry{
		RunID: "run", Command: "obtain", Domain: "example.com",
		Kind: certificate.ResultObtained,
	}))

	got, err := s.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Time.IsZero())
	assert.True(t, got[0].Time.After(before.Add(-time.Minute)))
}

func TestKindRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	kinds := []certificate.ResultKind{
		certificate.ResultObtained,
		certificate.ResultRenewed,
		certificate.ResultAlreadyValid,
		certificate.ResultRateLimited,
		certificate.ResultValidationFailed,
		certificate.ResultSkipped,
	}
	for _, k := range kinds {
		require.NoError(t, s.Append(ctx, Entry{RunID: "run", Command: "obtain", Domain: "d", Kind: k}))
	}

	got, err := s.Recent(ctx, len(kinds))
	require.NoError(t, err)
	require.Len(t, got, len(kinds))
	for i, e := range got {
		assert.Equal(t, kinds[len(kinds)-1-i], e.Kind)
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}
