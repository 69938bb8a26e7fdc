package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJitterBackoffFormula(t *testing.T) {
	b := jitterBackoff(120*time.Second, func() int { return 1 })

	assert.Equal(t, 1500*time.Millisecond, b(0))
	assert.Equal(t, 2*time.Second, b(1))
	assert.Equal(t, 3*time.Second, b(2))
	assert.Equal(t, 5*time.Second, b(3))
	assert.Equal(t, 65*time.Second, b(7))
	assert.Equal(t, 120*time.Second, b(8))
	assert.Equal(t, 120*time.Second, b(64))
}

// 测试退避时间单调不减且有上限
func TestJitterBackoffBoundedAndMonotonic(t *testing.T) {
	max := 120 * time.Second
	b := jitterBackoff(max, func() int { return 29 })

	prev := time.Duration(0)
	for attempt := 0; attempt < 200; attempt++ {
		d := b(attempt)
		assert.LessOrEqual(t, d, max)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		prev = d
	}
	assert.Equal(t, max, prev)
}

func TestJitterBackoffRange(t *testing.T) {
	b := JitterBackoff(120 * time.Second)
	for range 500 {
		d := b(1)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 31*time.Second)
	}
}

func TestJitterBackoffSmallCap(t *testing.T) {
	b := JitterBackoff(500 * time.Millisecond)
	assert.Equal(t, 500*time.Millisecond, b(0))
	assert.Equal(t, 500*time.Millisecond, b(10))
}

func TestConstantBackoff(t *testing.T) {
	b := ConstantBackoff(5 * time.Millisecond)
	assert.Equal(t, 5*time.Millisecond, b(0))
	assert.Equal(t, 5*time.Millisecond, b(99))
}
