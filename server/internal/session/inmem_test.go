package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chickmaster/server/internal/apperr"
	"chickmaster/server/internal/catalog"
	"chickmaster/server/internal/config"
	"chickmaster/server/internal/model"
	"chickmaster/server/internal/orchestrator"
	"chickmaster/server/internal/script"
	"chickmaster/server/internal/timeline"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	chars := catalog.New()
	r := NewRegistry(config.Default(), orchestrator.Deps{
		Scripts:    script.New(chars, nil, nil),
		Characters: chars,
		Timeline:   timeline.NewInMemoryStore(0),
	})
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRegistryGetOrCreate(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	_, err := r.Get(ctx, "default")
	assert.True(t, apperr.IsResolution(err))

	a, err := r.GetOrCreate(ctx, "default")
	require.NoError(t, err)
	b, err := r.GetOrCreate(ctx, "default")
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = r.GetOrCreate(ctx, "bad id!")
	assert.True(t, apperr.IsValidation(err))

	_, err = r.GetOrCreate(ctx, "second")
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "second"}, r.List(ctx))
}

func TestRegistrySurfacesAreIndependent(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	a, _ := r.GetOrCreate(ctx, "a")
	b, _ := r.GetOrCreate(ctx, "b")
	require.NoError(t, a.Start(ctx, model.ByKey("welcome")))

	assert.True(t, a.Status().Active)
	assert.False(t, b.Status().Active)

	count := 0
	r.Each(func(*orchestrator.Stage) { count++ })
	assert.Equal(t, 2, count)
}

func TestRegistryClose(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	_, err := r.GetOrCreate(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, r.Close())
	assert.Empty(t, r.List(ctx))
	_, err = r.GetOrCreate(ctx, "a")
	assert.ErrorIs(t, err, ErrClosed)
}
