package kademlia

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistanceIdenticalIsZero(t *testing.T) {
	a, err := RandomNodeId()
	require.NoError(t, err)
	assert.Equal(t, 0, Distance(a, a).Sign())
	assert.Equal(t, 0, LogDistance(a, a))
}

func TestDistanceIsSymmetric(t *testing.T) {
	a, err := RandomNodeId()
	require.NoError(t, err)
	b, err := RandomNodeId()
	require.NoError(t, err)
	assert.Equal(t, 0, Distance(a, b).Cmp(Distance(b, a)))
}

func TestLogDistanceHighestSetBit(t *testing.T) {
	var a, b NodeId
	// differ only in the top byte's top bit
	b[0] = 0x80
	assert.Equal(t, IDBits, LogDistance(a, b))

	var c, d NodeId
	d[IDBytes-1] = 0x01
	assert.Equal(t, 1, LogDistance(c, d))
}

func TestRandomNodeIdInRangeStaysInBounds(t *testing.T) {
	start := NodeId{}.Int()
	hi := NodeId{}
	hi[0] = 0x10
	end := hi.Int()

	id, err := RandomNodeIdInRange(start, end)
	require.NoError(t, err)
	assert.True(t, id.Int().Cmp(start) >= 0)
	assert.True(t, id.Int().Cmp(end) < 0)
}

func TestNodeEqualityIsById(t *testing.T) {
	id, err := RandomNodeId()
	require.NoError(t, err)
	n1 := Node{Id: id, TCPPort: 1}
	n2 := Node{Id: id, TCPPort: 2}
	assert.True(t, n1.Equal(n2))
}
