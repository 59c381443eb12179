package msgid

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrelay/meshrelay-go/pkg/meshrelay"
)

type fakeChecker struct {
	existing map[string]bool
	always   bool
	err      error
	calls    int
}

func (f *fakeChecker) MessageExists(ctx context.Context, id string) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	if f.always {
		return true, nil
	}
	return f.existing[id], nil
}

func TestGenerator_Generate(t *testing.T) {
	t.Run("produces_fixed_length_ids", func(t *testing.T) {
		gen := NewGenerator("device-1", &fakeChecker{})

		id, err := gen.Generate(context.Background())
		require.NoError(t, err)
		assert.Len(t, id, 16)
	})

	t.Run("no_collisions_across_many_ids", func(t *testing.T) {
		checker := &fakeChecker{existing: make(map[string]bool)}
		gen := NewGenerator("device-1", checker)

		seen := make(map[string]bool, 1000)
		for i := 0; i < 1000; i++ {
			id, err := gen.Generate(context.Background())
			require.NoError(t, err)
			assert.False(t, seen[id], "duplicate id %s delivered to caller", id)
			seen[id] = true
			checker.existing[id] = true
		}
	})

	t.Run("exhausts_attempts_on_persistent_collision", func(t *testing.T) {
		checker := &fakeChecker{always: true}
		gen := NewGenerator("device-1", checker)

		_, err := gen.Generate(context.Background())
		assert.ErrorIs(t, err, meshrelay.ErrIDCollision)
		assert.Equal(t, 5, checker.calls)
	})

	t.Run("store_error_propagates", func(t *testing.T) {
		checker := &fakeChecker{err: errors.New("db closed")}
		gen := NewGenerator("device-1", checker)

		_, err := gen.Generate(context.Background())
		assert.Error(t, err)
		assert.NotErrorIs(t, err, meshrelay.ErrIDCollision)
	})
}
