package p2p

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func controlProto() SubProtocol {
	return SubProtocol{Name: ControlName, Version: ControlVersion, Length: ControlLength}
}

func TestRegistryControlIsIndexZeroOffsetZero(t *testing.T) {
	r := NewRegistry(controlProto())
	proto, ok := r.ByIndex(0)
	require.True(t, ok)
	assert.Equal(t, ControlName, proto.Name)

	wire, err := r.ToWire(0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), wire)
}

func TestRegistryAssignsSequentialOffsets(t *testing.T) {
	r := NewRegistry(controlProto())
	idxA, err := r.Add(SubProtocol{Name: "eth", Version: 1, Length: 8})
	require.NoError(t, err)
	idxB, err := r.Add(SubProtocol{Name: "snap", Version: 1, Length: 4})
	require.NoError(t, err)

	wireA, err := r.ToWire(idxA, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(ControlLength), wireA)

	wireB, err := r.ToWire(idxB, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(ControlLength)+8, wireB)
}

func TestRegistryRejectsDuplicateProtocol(t *testing.T) {
	r := NewRegistry(controlProto())
	_, err := r.Add(SubProtocol{Name: "eth", Version: 1, Length: 8})
	require.NoError(t, err)

	_, err = r.Add(SubProtocol{Name: "eth", Version: 1, Length: 8})
	assert.ErrorIs(t, err, ErrDuplicateProtocol)
}

// TestRegistryWireWindowRoundTrip asserts §8 invariant 3: encoding a local
// (protocolIndex, localCmdId) pair and decoding the resulting wire id
// always returns the same pair, for every valid localCmdId in a protocol's
// window.
func TestRegistryWireWindowRoundTrip(t *testing.T) {
	r := NewRegistry(controlProto())
	idx, err := r.Add(SubProtocol{Name: "eth", Version: 1, Length: 8})
	require.NoError(t, err)

	for localCmdId := uint64(0); localCmdId < 8; localCmdId++ {
		wire, err := r.ToWire(idx, localCmdId)
		require.NoError(t, err)

		gotIdx, gotCmd, err := r.FromWire(wire)
		require.NoError(t, err)
		assert.Equal(t, idx, gotIdx)
		assert.Equal(t, localCmdId, gotCmd)
	}
}

func TestRegistryToWireRejectsOutOfWindowCmd(t *testing.T) {
	r := NewRegistry(controlProto())
	idx, err := r.Add(SubProtocol{Name: "eth", Version: 1, Length: 8})
	require.NoError(t, err)

	_, err = r.ToWire(idx, 8)
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestRegistryFromWireRejectsUnassignedId(t *testing.T) {
	r := NewRegistry(controlProto())
	_, err := r.Add(SubProtocol{Name: "eth", Version: 1, Length: 8})
	require.NoError(t, err)

	_, _, err = r.FromWire(ControlLength + 100)
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestRegistryNonControlExcludesControl(t *testing.T) {
	r := NewRegistry(controlProto())
	_, err := r.Add(SubProtocol{Name: "eth", Version: 1, Length: 8})
	require.NoError(t, err)
	_, err = r.Add(SubProtocol{Name: "snap", Version: 1, Length: 2})
	require.NoError(t, err)

	names := make([]string, 0)
	for _, p := range r.NonControl() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"eth", "snap"}, names)
	assert.Equal(t, 3, r.Len())
}
