package webrequest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/reqgate/pkg/api"
)

func TestRegistry_SetSimple_FamilyChecked(t *testing.T) {
	reg := NewRegistry()

	err := reg.SetSimple(StageBeforeRequest, api.FilterSpec{}, func(*Transaction, SimpleDetail) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrStageFamily)

	err = reg.SetDecision(StageCompleted, api.FilterSpec{}, func(*Transaction, Responder) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrStageFamily)
}

func TestRegistry_Set_UnknownStage(t *testing.T) {
	reg := NewRegistry()
	err := reg.SetSimple(Stage("bogus"), api.FilterSpec{}, func(*Transaction, SimpleDetail) {})
	assert.ErrorIs(t, err, api.ErrStageUnknown)
}

func TestRegistry_Set_BadFilterRejected(t *testing.T) {
	reg := NewRegistry()
	err := reg.SetDecision(StageBeforeRequest, api.FilterSpec{URLs: []string{"???"}}, func(*Transaction, Responder) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrInvalidPattern)

	_, ok := reg.lookupDecision(StageBeforeRequest)
	assert.False(t, ok, "failed registration must not leave an entry behind")
}

func TestRegistry_ReplaceNotAppend(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.SetDecision(StageBeforeRequest, api.FilterSpec{}, func(tx *Transaction, respond Responder) {
		respond(Cancel())
	}))
	require.NoError(t, reg.SetDecision(StageBeforeRequest, api.FilterSpec{}, func(tx *Transaction, respond Responder) {
		respond(Proceed())
	}))

	entry, ok := reg.lookupDecision(StageBeforeRequest)
	require.True(t, ok)

	got := make(chan Verdict, 1)
	entry.handler(nil, func(v Verdict) error {
		got <- v
		return nil
	})
	assert.Equal(t, ActionProceed, (<-got).Action, "only the second handler may be invoked")
}

func TestRegistry_NilHandlerClears(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.SetSimple(StageCompleted, api.FilterSpec{}, func(*Transaction, SimpleDetail) {}))
	require.NoError(t, reg.SetSimple(StageCompleted, api.FilterSpec{}, nil))

	_, ok := reg.lookupSimple(StageCompleted)
	assert.False(t, ok)
}

func TestRegistry_Clear(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.SetDecision(StageHeadersReceived, api.FilterSpec{}, func(*Transaction, Responder) {}))
	reg.Clear(StageHeadersReceived)

	_, ok := reg.lookupDecision(StageHeadersReceived)
	assert.False(t, ok)
}

func TestStore_GetOrCreate_SameIdentity(t *testing.T) {
	store := NewStore()
	owner := &struct{ name string }{"ctx"}

	r1 := store.GetOrCreate(owner)
	r2 := store.GetOrCreate(owner)
	assert.Same(t, r1, r2)

	other := &struct{ name string }{"ctx"}
	r3 := store.GetOrCreate(other)
	assert.NotSame(t, r1, r3, "distinct owners get distinct registries")
}

func TestStore_CreateExclusive(t *testing.T) {
	store := NewStore()
	owner := new(int)

	_, err := store.CreateExclusive(owner)
	require.NoError(t, err)

	_, err = store.CreateExclusive(owner)
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrRegistryExists)
}

func TestStore_Get_NotFound(t *testing.T) {
	store := NewStore()
	_, err := store.Get(new(int))
	assert.ErrorIs(t, err, api.ErrRegistryNotFound)
}

func TestStore_OnOwnerDestroyed(t *testing.T) {
	store := NewStore()
	owner := new(int)
	store.GetOrCreate(owner)

	store.OnOwnerDestroyed(owner)

	_, err := store.Get(owner)
	assert.ErrorIs(t, err, api.ErrRegistryNotFound)

	// Destroying an owner that never had a registry is a no-op.
	store.OnOwnerDestroyed(new(int))
}
