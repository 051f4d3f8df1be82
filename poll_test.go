package apnet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRedialPacerBacksOffToCeiling(t *testing.T) {
	p := newRedialPacer(time.Millisecond, 8*time.Millisecond)
	ctx := context.Background()

	assert.Equal(t, time.Millisecond, p.cur)
	p.Wait(ctx)
	assert.Equal(t, 2*time.Millisecond, p.cur)
	p.Wait(ctx)
	p.Wait(ctx)
	assert.Equal(t, 8*time.Millisecond, p.cur)
	p.Wait(ctx)
	assert.Equal(t, 8*time.Millisecond, p.cur)
}

func TestRedialPacerReset(t *testing.T) {
	p := newRedialPacer(time.Millisecond, 8*time.Millisecond)
	p.Wait(context.Background())
	p.Reset()
	assert.Equal(t, time.Millisecond, p.cur)
}

func TestRedialPacerCancelledContext(t *testing.T) {
	p := newRedialPacer(time.Minute, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	p.Wait(ctx)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRedialPacerClampsBounds(t *testing.T) {
	p := newRedialPacer(-1, -1)
	assert.Equal(t, DefaultRedialFloor, p.floor)
	assert.Equal(t, DefaultRedialFloor, p.ceiling)
}
