package gcp

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"

	"github.com/Lllllllleong/invoiceingest/internal/models"
)

func TestArchiveObjectName(t *testing.T) {
	name, ct := ArchiveObjectName(&models.InboundMessage{ID: "abc@example.com", Raw: []byte("From: a@b.com\r\n")})
	assert.Equal(t, "raw/abc@example.com.eml", name)
	assert.Equal(t, "message/rfc822", ct)

	name, ct = ArchiveObjectName(&models.InboundMessage{ID: "pm-1", Raw: []byte("\n  {\"MessageID\":\"pm-1\"}")})
	assert.Equal(t, "raw/pm-1.json", name)
	assert.Equal(t, "application/json", ct)

	name, _ = ArchiveObjectName(&models.InboundMessage{ID: "a/b", Raw: []byte("x")})
	assert.True(t, strings.HasPrefix(name, "raw/sha256-"))
}

func TestIsPreconditionFailed(t *testing.T) {
	assert.True(t, isPreconditionFailed(&googleapi.Error{Code: http.StatusPreconditionFailed}))
	assert.False(t, isPreconditionFailed(&googleapi.Error{Code: http.StatusNotFound}))
	assert.False(t, isPreconditionFailed(assert.AnError))
}
