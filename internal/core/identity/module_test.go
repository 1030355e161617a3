package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/pkg/lib/crypto"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
// Identity 测试
// ============================================================================

func TestIdentity_MemKeystore(t *testing.T) {
	reg := crypto.DefaultRegistry()
	id, err := New(reg, crypto.NewMemKeystore())
	require.NoError(t, err)

	nid, ok := id.NodeID(types.CryptoKindVLD0)
	require.True(t, ok)
	assert.Equal(t, nid, id.BestNodeID())
	assert.True(t, id.IsOwn(nid))
	assert.True(t, id.MatchesAny(types.TypedKeyGroup{nid}))
	assert.Len(t, id.NodeIDs(), 1)

	sig, err := id.Sign(types.CryptoKindVLD0, []byte("data"))
	require.NoError(t, err)
	cs, _ := reg.Get(types.CryptoKindVLD0)
	assert.NoError(t, cs.Verify(nid.Value, []byte("data"), sig))

	_, err = id.Sign(types.CryptoKind{'N', 'O', 'P', 'E'}, nil)
	assert.ErrorIs(t, err, crypto.ErrUnsupportedKind)
}

func TestIdentity_PersistsAcrossLoads(t *testing.T) {
	dir := t.TempDir()
	reg := crypto.DefaultRegistry()

	ks1, err := crypto.NewFSKeystore(dir, nil)
	require.NoError(t, err)
	first, err := New(reg, ks1)
	require.NoError(t, err)

	ks2, err := crypto.NewFSKeystore(dir, nil)
	require.NoError(t, err)
	second, err := New(reg, ks2)
	require.NoError(t, err)

	assert.Equal(t, first.BestNodeID(), second.BestNodeID())
}

func TestFromKeyPairs_ValidatesPairs(t *testing.T) {
	reg := crypto.DefaultRegistry()
	cs := reg.Best()
	a, err := cs.GenerateKeyPair()
	require.NoError(t, err)
	b, err := cs.GenerateKeyPair()
	require.NoError(t, err)

	_, err = FromKeyPairs(reg, types.TypedKeyPair{Kind: cs.Kind(), Key: a.Key, Secret: b.Secret})
	assert.ErrorIs(t, err, crypto.ErrInvalidSecretKey)

	id, err := FromKeyPairs(reg, types.TypedKeyPair{Kind: cs.Kind(), Key: a.Key, Secret: a.Secret})
	require.NoError(t, err)
	secret, ok := id.Secret(cs.Kind())
	require.True(t, ok)
	assert.Equal(t, a.Secret, secret)
}

// ============================================================================
// Fx 模块测试
// ============================================================================

func TestModule_Provides(t *testing.T) {
	var got *Identity
	var reg *crypto.Registry

	app := fxtest.New(t,
		fx.Supply(config.NewConfig()),
		Module(),
		fx.Populate(&got, &reg),
	)
	app.RequireStart()
	defer app.RequireStop()

	require.NotNil(t, got)
	assert.True(t, reg.Supports(types.CryptoKindVLD0))
	assert.Equal(t, reg, got.Registry())
}
