package token

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveIsDeterministic(t *testing.T) {
	first := Derive("acme-store")
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Derive("acme-store"))
	}
}

func TestDeriveFormat(t *testing.T) {
	tok := Derive("loja-central")
	assert.True(t, strings.HasPrefix(tok, "loja-central_token_"))
	assert.Len(t, tok, len("loja-central_token_")+8)
}

func TestDeriveDistinctSlugs(t *testing.T) {
	slugs := []string{"a", "b", "acme", "acme-2", "loja", "loja-central", "empresa-x", ""}
	seen := make(map[string]string)
	for _, s := range slugs {
		tok := Derive(s)
		prev, dup := seen[tok]
		assert.False(t, dup, "slugs %q and %q collided on %q", s, prev, tok)
		seen[tok] = s
	}
}
