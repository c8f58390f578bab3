package console

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeymapTranslate(t *testing.T) {
	km := NewKeymap(
		Rule{Trigger: []byte{0x7f}, Replacement: []byte{0x08}},
		Rule{Trigger: []byte("\x1b[A"), Replacement: []byte{0x10}},
	)

	require.Equal(t, []byte{0x08}, km.Translate([]byte{0x7f}))
	require.Equal(t, []byte{0x10}, km.Translate([]byte("\x1b[A")))
	// no rule matches the whole chunk: pass through untouched
	require.Equal(t, []byte("show ver"), km.Translate([]byte("show ver")))
	// matching is exact on the chunk, not a substring scan
	require.Equal(t, []byte("a\x7f"), km.Translate([]byte("a\x7f")))
}

func TestKeymapFirstRuleWins(t *testing.T) {
	km := NewKeymap(
		Rule{Trigger: []byte("x"), Replacement: []byte("first")},
		Rule{Trigger: []byte("x"), Replacement: []byte("second")},
	)
	require.Equal(t, []byte("first"), km.Translate([]byte("x")))
}

func TestEmptyKeymapPassesThrough(t *testing.T) {
	km := NewKeymap()
	require.Equal(t, []byte{0x03}, km.Translate([]byte{0x03}))
}
