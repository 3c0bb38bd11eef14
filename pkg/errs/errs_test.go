package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesKindAndCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(IO, "append failed", cause)

	assert.Equal(t, IO, KindOf(err))
	assert.ErrorIs(t, err, cause)
}

func TestNotLeaderCarriesRedirect(t *testing.T) {
	err := NotLeader("127.0.0.1:9981")
	require.Equal(t, Consensus, err.Kind)
	assert.Equal(t, "127.0.0.1:9981", err.RedirectAddr)
}

func TestKindOfDefaultsToIOForOpaqueErrors(t *testing.T) {
	assert.Equal(t, IO, KindOf(errors.New("boom")))
}
