package gcp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDocID(t *testing.T) {
	assert.Equal(t, "<abc@example.com>", DocID("<abc@example.com>"))
	assert.True(t, strings.HasPrefix(DocID("a/b"), "sha256-"))
	assert.True(t, strings.HasPrefix(DocID("__reserved__"), "sha256-"))
	assert.True(t, strings.HasPrefix(DocID(strings.Repeat("x", 1001)), "sha256-"))
	assert.Equal(t, DocID("a/b"), DocID("a/b"))
}
