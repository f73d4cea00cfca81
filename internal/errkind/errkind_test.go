package errkind

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf_UnwrapsThroughFmtErrorf(t *testing.T) {
	base := New(Host, errors.New("netlink: no such device"))
	wrapped := fmt.Errorf("install uplink table: %w", base)

	kind, ok := KindOf(wrapped)
	require.True(t, ok, "expected KindOf to recover the wrapped Kind")
	assert.Equal(t, Host, kind)
}

func TestKindOf_PlainErrorHasNoKind(t *testing.T) {
	_, ok := KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestNew_NilErrReturnsNil(t *testing.T) {
	assert.NoError(t, New(Invariant, nil))
}

func TestString_CoversAllKinds(t *testing.T) {
	cases := map[Kind]string{
		Configuration: "configuration",
		Host:          "host",
		Transient:     "transient",
		Invariant:     "invariant",
	}
	for k, want := range cases {
		assert.Equal(t, want, k.String())
	}
}
