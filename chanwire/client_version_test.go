package chanwire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestClientVersionPreviousChannel asserts the zero hash means a fresh
// channel and anything else names a resumable one.
func TestClientVersionPreviousChannel(t *testing.T) {
	t.Parallel()

	fresh := &ClientVersion{Major: 1}
	require.False(t, fresh.HasPreviousChannel())

	resume := &ClientVersion{
		Major:                       1,
		PreviousChannelContractHash: testContractHash,
	}
	require.True(t, resume.HasPreviousChannel())
}
