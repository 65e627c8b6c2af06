package handler

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSandboxEvent_RequiresType(t *testing.T) {
	h := NewIngressHandler(nil)

	c, w := testCtx(t, http.MethodPost, "/internal/sandbox-event", `{"sessionId":"s1"}`)
	h.SandboxEvent(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSandboxEvent_RequiresSessionScope(t *testing.T) {
	h := NewIngressHandler(nil)

	c, w := testCtx(t, http.MethodPost, "/internal/sandbox-event", `{"type":"token","content":"x"}`)
	h.SandboxEvent(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "sessionId is required")
}
