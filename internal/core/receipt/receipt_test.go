package receipt

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/pkg/types"
)

func nonce(b byte) types.Nonce {
	var n types.Nonce
	n[0] = b
	return n
}

func TestManager_ReturnedInBand(t *testing.T) {
	clk := clock.NewMock()
	m := NewManager(clk, time.Second)

	w, err := m.RecordSingleShot(nonce(1), clk.Now().Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, m.Pending())

	_, err = m.RecordSingleShot(nonce(1), clk.Now().Add(time.Second))
	assert.ErrorIs(t, err, ErrDuplicateNonce)

	from := types.NewTypedKey(types.CryptoKind{'V', 'L', 'D', '0'}, types.CryptoKey{9})
	require.True(t, m.Handle(nonce(1), Event{Kind: ReturnedInBand, InboundNode: from}))
	// 单次：第二次返回被忽略
	assert.False(t, m.Handle(nonce(1), Event{Kind: ReturnedInBand}))

	ev := w.Wait(context.Background())
	assert.Equal(t, ReturnedInBand, ev.Kind)
	assert.Equal(t, from, ev.InboundNode)
	assert.True(t, ev.IsReturned())
	assert.Equal(t, 0, m.Pending())
}

func TestManager_Expiry(t *testing.T) {
	clk := clock.NewMock()
	m := NewManager(clk, time.Second)

	w, err := m.RecordSingleShot(nonce(2), clk.Now().Add(5*time.Second))
	require.NoError(t, err)

	clk.Add(4 * time.Second)
	assert.Equal(t, 0, m.Tick())
	clk.Add(time.Second)
	assert.Equal(t, 1, m.Tick())

	ev := w.Wait(context.Background())
	assert.Equal(t, Expired, ev.Kind)
	assert.False(t, ev.IsReturned())
	assert.False(t, m.Handle(nonce(2), Event{Kind: ReturnedOutOfBand}))
}

func TestManager_BackgroundExpiry(t *testing.T) {
	clk := clock.NewMock()
	m := NewManager(clk, time.Second)
	m.Start(context.Background())
	defer m.Stop()

	w, err := m.RecordSingleShot(nonce(3), clk.Now().Add(2*time.Second))
	require.NoError(t, err)
	clk.Add(3 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Equal(t, Expired, w.Wait(ctx).Kind)
}

func TestManager_WaitCancelled(t *testing.T) {
	clk := clock.NewMock()
	m := NewManager(clk, time.Second)

	w, err := m.RecordSingleShot(nonce(4), clk.Now().Add(time.Minute))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, Cancelled, w.Wait(ctx).Kind)
	assert.Equal(t, 0, m.Pending())
}

func TestManager_StopCancelsPending(t *testing.T) {
	clk := clock.NewMock()
	m := NewManager(clk, time.Second)

	w, err := m.RecordSingleShot(nonce(5), clk.Now().Add(time.Minute))
	require.NoError(t, err)
	m.Stop()

	assert.Equal(t, Cancelled, w.Wait(context.Background()).Kind)
	_, err = m.RecordSingleShot(nonce(6), clk.Now().Add(time.Minute))
	assert.ErrorIs(t, err, ErrStopped)
}

func TestManager_NonReturnEventRejected(t *testing.T) {
	m := NewManager(clock.NewMock(), time.Second)
	_, err := m.RecordSingleShot(nonce(7), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, m.Handle(nonce(7), Event{Kind: Expired}))
	assert.Equal(t, 1, m.Pending())
}
