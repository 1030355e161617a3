package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/internal/core/storage/engine"
	"github.com/dep2p/go-overlay/internal/core/storage/engine/badger"
)

func newTestStore(t *testing.T) *TableStore {
	t.Helper()
	eng, err := badger.New(engine.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return NewTableStore(eng)
}

type sample struct {
	Name string `cbor:"1,keyasint"`
	Seq  uint32 `cbor:"2,keyasint"`
}

func TestTable_Isolation(t *testing.T) {
	ts := newTestStore(t)
	a := ts.Open("a")
	b := ts.Open("ab")

	require.NoError(t, a.Store([]byte("k"), []byte("1")))
	require.NoError(t, b.Store([]byte("k"), []byte("2")))

	v, err := a.Load([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	keys, err := a.Keys()
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("k")}, keys)

	missing, err := a.Load([]byte("none"))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestTable_CBOR(t *testing.T) {
	ts := newTestStore(t)
	tbl := ts.Open("records")

	require.NoError(t, tbl.StoreCBOR([]byte("x"), sample{Name: "n", Seq: 7}))

	var out sample
	ok, err := tbl.LoadCBOR([]byte("x"), &out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sample{Name: "n", Seq: 7}, out)

	ok, err = tbl.LoadCBOR([]byte("y"), &out)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tbl.Store([]byte("bad"), []byte{0xff, 0x00}))
	_, err = tbl.LoadCBOR([]byte("bad"), &out)
	assert.ErrorIs(t, err, engine.ErrCorrupted)
}

func TestTable_BatchAndClear(t *testing.T) {
	ts := newTestStore(t)
	tbl := ts.Open("routing_table")
	other := ts.Open("other")
	require.NoError(t, other.Store([]byte("keep"), []byte("1")))

	require.NoError(t, tbl.StoreBatch(map[string][]byte{
		"serialized_bucket_map": []byte("b"),
		"all_entry_bytes":       []byte("e"),
	}))
	keys, err := tbl.Keys()
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	require.NoError(t, tbl.StoreBatch(map[string][]byte{"all_entry_bytes": nil}))
	keys, err = tbl.Keys()
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	require.NoError(t, ts.Delete("routing_table"))
	keys, err = tbl.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)

	v, err := other.Load([]byte("keep"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
}
