package id

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSession_Length(t *testing.T) {
	assert.Len(t, Session(), 12)
}

func TestSession_Alphabet(t *testing.T) {
	for _, c := range Session() {
		ok := (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
		assert.True(t, ok, "unexpected character %q", c)
	}
}

func TestSession_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		s := Session()
		assert.False(t, seen[s], "duplicate id %s", s)
		seen[s] = true
	}
}
