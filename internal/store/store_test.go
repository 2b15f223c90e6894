package store_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiroq/proctor/internal/store"
)

// exercise runs the contract every backend must satisfy.
func exercise(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, store.KeyInterviewRole, "SDE 1"))
	v, ok, err := s.Get(ctx, store.KeyInterviewRole)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "SDE 1", v)

	require.NoError(t, s.Set(ctx, store.KeyInterviewRole, "AI Engineer"))
	v, _, _ = s.Get(ctx, store.KeyInterviewRole)
	assert.Equal(t, "AI Engineer", v)

	require.NoError(t, s.Delete(ctx, store.KeyInterviewRole))
	_, ok, _ = s.Get(ctx, store.KeyInterviewRole)
	assert.False(t, ok)
	require.NoError(t, s.Delete(ctx, "never-set"))

	require.NoError(t, store.SetBool(ctx, s, store.KeyInterviewActive, true))
	require.NoError(t, store.SetInt(ctx, s, store.KeyGazeViolations, 2))
	active, err := store.GetBool(ctx, s, store.KeyInterviewActive)
	require.NoError(t, err)
	assert.True(t, active)
	n, err := store.GetInt(ctx, s, store.KeyGazeViolations)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.Clear(ctx))
	active, _ = store.GetBool(ctx, s, store.KeyInterviewActive)
	assert.False(t, active)
	n, _ = store.GetInt(ctx, s, store.KeyGazeViolations)
	assert.Equal(t, 0, n)
}

func TestMemory(t *testing.T) {
	exercise(t, store.NewMemory())
}

func TestFile(t *testing.T) {
	s, err := store.OpenFile(filepath.Join(t.TempDir(), "session.json"))
	require.NoError(t, err)
	exercise(t, s)
}

func TestFile_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "session.json")

	s, err := store.OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, store.SetInt(ctx, s, store.KeyGazeViolations, 3))
	require.NoError(t, store.SetBool(ctx, s, store.KeyWebcamActive, true))

	reopened, err := store.OpenFile(path)
	require.NoError(t, err)
	n, err := store.GetInt(ctx, reopened, store.KeyGazeViolations)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	on, _ := store.GetBool(ctx, reopened, store.KeyWebcamActive)
	assert.True(t, on)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFile_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := store.OpenFile(path)
	assert.Error(t, err)
}

func TestFile_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	s, err := store.OpenFile(path)
	require.NoError(t, err)
	_, ok, _ := s.Get(context.Background(), "x")
	assert.False(t, ok)
}

func TestGetInt_NotANumber(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.Set(ctx, store.KeyGazeViolations, "lots"))

	_, err := store.GetInt(ctx, s, store.KeyGazeViolations)
	assert.Error(t, err)
}

func TestGetBool_OnlyTrueIsTrue(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	for _, v := range []string{"1", "yes", "TRUE", "false", ""} {
		require.NoError(t, s.Set(ctx, store.KeyInterviewActive, v))
		got, err := store.GetBool(ctx, s, store.KeyInterviewActive)
		require.NoError(t, err)
		assert.False(t, got, "value %q", v)
	}
}

func TestRoundKeys(t *testing.T) {
	assert.Equal(t, "round2_verdict", store.RoundVerdictKey(2))
	assert.Equal(t, "round3_decision", store.RoundDecisionKey(3))
}

func TestMemory_Concurrent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = store.SetInt(ctx, s, store.KeyGazeViolations, i)
			_, _ = store.GetInt(ctx, s, store.KeyGazeViolations)
		}(i)
	}
	wg.Wait()

	n, err := store.GetInt(ctx, s, store.KeyGazeViolations)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 0)
	assert.Less(t, n, 50)
}
