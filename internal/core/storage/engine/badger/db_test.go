package badger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/internal/core/storage/engine"
)

func TestEngine_Basic(t *testing.T) {
	e, err := New(engine.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	require.NoError(t, e.Start())
	defer e.Close()

	_, err = e.Get([]byte("k"))
	assert.ErrorIs(t, err, engine.ErrNotFound)

	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	ok, err := e.Has([]byte("k"))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, e.Delete([]byte("k")))
	ok, err = e.Has([]byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, e.Put(nil, []byte("v")), engine.ErrEmptyKey)
}

func TestEngine_ScanPrefix(t *testing.T) {
	e, err := New(engine.InMemoryConfig())
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("p/2"), []byte("b")))
	require.NoError(t, e.Put([]byte("p/1"), []byte("a")))
	require.NoError(t, e.Put([]byte("q/1"), []byte("c")))

	var keys []string
	require.NoError(t, e.Scan([]byte("p/"), func(k, _ []byte) bool {
		keys = append(keys, string(k))
		return true
	}))
	assert.Equal(t, []string{"p/1", "p/2"}, keys)

	require.NoError(t, e.DropPrefix([]byte("p/")))
	keys = nil
	require.NoError(t, e.Scan(nil, func(k, _ []byte) bool {
		keys = append(keys, string(k))
		return true
	}))
	assert.Equal(t, []string{"q/1"}, keys)
}

func TestEngine_Batch(t *testing.T) {
	e, err := New(engine.InMemoryConfig())
	require.NoError(t, err)
	defer e.Close()

	b := e.NewBatch()
	require.NoError(t, b.Put([]byte("a"), []byte("1")))
	require.NoError(t, b.Put([]byte("b"), []byte("2")))
	require.NoError(t, b.Write())

	v, err := e.Get([]byte("b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)
}

func TestEngine_Closed(t *testing.T) {
	e, err := New(engine.InMemoryConfig())
	require.NoError(t, err)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err = e.Get([]byte("k"))
	assert.ErrorIs(t, err, engine.ErrClosed)
}
