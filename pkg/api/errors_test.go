package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCodeStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, CodeValidation.Status())
	assert.Equal(t, http.StatusTooManyRequests, CodeRateLimited.Status())
	assert.Equal(t, http.StatusRequestEntityTooLarge, CodePayloadTooLarge.Status())
	assert.Equal(t, http.StatusForbidden, CodeTenantMismatch.Status())
	assert.Equal(t, http.StatusGatewayTimeout, CodeTimeout.Status())
	assert.Equal(t, http.StatusInternalServerError, ErrorCode("UNKNOWN").Status())
}

func TestClientSurfaced(t *testing.T) {
	assert.True(t, CodeValidation.ClientSurfaced())
	assert.True(t, CodeRateLimited.ClientSurfaced())
	assert.False(t, CodeInternal.ClientSurfaced())
	assert.False(t, CodeExternalService.ClientSurfaced())
}

func TestNewEnvelope(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	env := NewEnvelope(&Error{Code: CodeNotFound, Message: "no such intent"}, "req-1", "trace-1", now)
	assert.False(t, env.Success)
	assert.Equal(t, CodeNotFound, env.Error.Code)
	assert.Equal(t, "req-1", env.Meta.RequestID)
	assert.Equal(t, now, env.Meta.Timestamp)
	assert.Equal(t, "trace-1", env.Trace.TraceID)

	noTrace := NewEnvelope(&Error{Code: CodeInternal, Message: "boom"}, "req-2", "", now)
	assert.Nil(t, noTrace.Trace)
}

func TestScrub(t *testing.T) {
	msg := "failed to connect: password=hunter2 token=abc.def secretThing apiKey=xyz"
	out := Scrub(msg)
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "abc.def")
	assert.NotContains(t, out, "secretThing")
	assert.Contains(t, out, "[REDACTED]")
}

func TestScrubErrorDropsDetails(t *testing.T) {
	e := &Error{
		Code:    CodeInternal,
		Message: "credential leak",
		Details: map[string]any{"stack": "..."},
	}
	scrubbed := ScrubError(e)
	assert.Nil(t, scrubbed.Details)
	assert.Contains(t, scrubbed.Message, "[REDACTED]")
	assert.Nil(t, ScrubError(nil))
}
