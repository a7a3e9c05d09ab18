package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guppybot/guppybot/internal/clock"
)

type echoRecorder struct {
	mu    sync.Mutex
	fired []uint64
}

func (r *echoRecorder) fire(echo uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, echo)
}

func (r *echoRecorder) all() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.fired...)
}

func TestKeepaliveFiresAfterInterval(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	rec := &echoRecorder{}
	k := NewKeepalive(clk, KeepaliveInterval, rec.fire)

	k.Arm()
	clk.Advance(KeepaliveInterval.Lo - time.Second)
	assert.Empty(t, rec.all())

	clk.Advance(KeepaliveInterval.Hi)
	fired := rec.all()
	require.Len(t, fired, 1)
	assert.True(t, k.Live(fired[0]))
}

func TestKeepaliveRearmMakesOldEchoStale(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	rec := &echoRecorder{}
	k := NewKeepalive(clk, KeepaliveInterval, rec.fire)

	k.Arm()
	k.Arm()
	assert.Equal(t, 1, clk.Pending(), "re-arming replaces the timer")

	clk.Advance(KeepaliveInterval.Hi)
	fired := rec.all()
	require.Len(t, fired, 1)
	assert.Equal(t, uint64(2), fired[0])
	assert.False(t, k.Live(1))
	assert.True(t, k.Live(2))
}

func TestKeepaliveStop(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	rec := &echoRecorder{}
	k := NewKeepalive(clk, KeepaliveInterval, rec.fire)

	k.Arm()
	k.Stop()
	assert.False(t, k.Live(1))
	assert.Equal(t, 0, clk.Pending())

	clk.Advance(2 * KeepaliveInterval.Hi)
	assert.Empty(t, rec.all())
}
