package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistry(t *testing.T) {
	reg := NewMemoryRegistry()
	updates := reg.Watch("calc")

	require.NoError(t, reg.Register("calc", ServiceInstance{Addr: "amqp://a", Weight: 1}, 10))
	require.NoError(t, reg.Register("calc", ServiceInstance{Addr: "amqp://b", Weight: 2}, 10))
	// re-registering replaces
	require.NoError(t, reg.Register("calc", ServiceInstance{Addr: "amqp://a", Weight: 3}, 10))

	list, err := reg.Discover("calc")
	require.NoError(t, err)
	assert.Equal(t, []ServiceInstance{{Addr: "amqp://b", Weight: 2}, {Addr: "amqp://a", Weight: 3}}, list)

	// the watcher only holds the latest list
	assert.Equal(t, list, <-updates)

	require.NoError(t, reg.Deregister("calc", "amqp://b"))
	assert.Equal(t, []ServiceInstance{{Addr: "amqp://a", Weight: 3}}, <-updates)

	other, err := reg.Discover("other")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestStatic(t *testing.T) {
	reg := Static("calc", "amqp://a", "amqp://b")
	list, err := reg.Discover("calc")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "amqp://a", list[0].Addr)
	assert.Equal(t, 1, list[1].Weight)
}
