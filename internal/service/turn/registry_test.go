package turn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appredis "relaychat/internal/redis"
	"relaychat/internal/service/provider/providertest"
)

func dialBus(t *testing.T, addr string) *appredis.Client {
	t.Helper()
	client, err := appredis.Dial(&goredis.Options{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestCancelReachesTurnOnAnotherInstance(t *testing.T) {
	mr := miniredis.RunT(t)
	owner := NewRegistry(dialBus(t, mr.Addr()), nil)
	other := NewRegistry(dialBus(t, mr.Addr()), nil)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	require.NoError(t, owner.Listen(ctx))

	turnCtx, done := owner.Register(context.Background(), "turn-1", "u1")
	defer done()

	require.NoError(t, other.Cancel(context.Background(), "u1", "turn-1"))
	select {
	case <-turnCtx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("remote cancel did not reach the owning registry")
	}
	assert.True(t, errors.Is(context.Cause(turnCtx), ErrCancelled))
}

func TestRemoteCancelChecksOwner(t *testing.T) {
	mr := miniredis.RunT(t)
	owner := NewRegistry(dialBus(t, mr.Addr()), nil)
	other := NewRegistry(dialBus(t, mr.Addr()), nil)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	require.NoError(t, owner.Listen(ctx))

	turnCtx, done := owner.Register(context.Background(), "turn-1", "u1")
	defer done()

	require.NoError(t, other.Cancel(context.Background(), "u2", "turn-1"))
	select {
	case <-turnCtx.Done():
		t.Fatal("cancel from a different user must be ignored")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRegisterCleanupRemovesTurn(t *testing.T) {
	r := NewRegistry(nil, nil)
	ctx, done := r.Register(context.Background(), "t1", "u1")
	assert.Equal(t, 1, r.Active())
	done()
	assert.Zero(t, r.Active())
	assert.Error(t, ctx.Err())
	assert.NoError(t, r.Cancel(context.Background(), "u1", "t1"))
}

func TestMetricsCountOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	f := newFixture(t, Options{})
	f.orch.metrics = m

	f.fake.Steps = providertest.Text("a", "b")
	f.run(t, Input{UserID: "u1", Message: "hello"})
	f.fake.Steps = []providertest.Step{{Err: errors.New("nope")}}
	f.run(t, Input{UserID: "u1", Message: "again"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.turns.WithLabelValues(string(StatePersisted))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.turns.WithLabelValues(string(StateFailed))))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.chunks))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.providerErrors.WithLabelValues("fake")))
}
