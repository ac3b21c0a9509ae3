package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubnet24(t *testing.T) {
	s, err := Subnet24("192.168.1.50")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1", s)

	_, err = Subnet24("printer.local")
	assert.Error(t, err)
}

func TestSameSubnet24(t *testing.T) {
	assert.True(t, SameSubnet24("10.0.0.4", "10.0.0.200"))
	assert.False(t, SameSubnet24("10.0.1.4", "10.0.0.200"))
	assert.False(t, SameSubnet24("", "10.0.0.200"))
}

func TestSubnetHosts(t *testing.T) {
	hosts := SubnetHosts("10.1.2")
	require.Len(t, hosts, 254)
	assert.Equal(t, "10.1.2.1", hosts[0])
	assert.Equal(t, "10.1.2.254", hosts[253])
}
