package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func testCtx(t *testing.T, method, target, body string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("{}")
	}
	c.Request = httptest.NewRequest(method, target, reader)
	c.Request.Header.Set("Content-Type", "application/json")
	return c, w
}

func TestSessionIDResolution(t *testing.T) {
	c, _ := testCtx(t, http.MethodPost, "/internal/stop?session_id=from-query", "")
	c.Request.Header.Set("X-Session-Id", "from-header")

	assert.Equal(t, "from-body", sessionID(c, "from-body"))
	assert.Equal(t, "from-query", sessionID(c, ""))

	c2, _ := testCtx(t, http.MethodPost, "/internal/stop", "")
	c2.Request.Header.Set("X-Session-Id", "from-header")
	assert.Equal(t, "from-header", sessionID(c2, ""))

	c3, _ := testCtx(t, http.MethodPost, "/internal/stop", "")
	assert.Empty(t, sessionID(c3, ""))
}

func TestInit_RejectsMissingFields(t *testing.T) {
	h := NewSessionHandler(nil)

	c, w := testCtx(t, http.MethodPost, "/internal/init", `{"repoOwner":"acme"}`)
	h.Init(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPrompt_RejectsMissingContent(t *testing.T) {
	h := NewSessionHandler(nil)

	c, w := testCtx(t, http.MethodPost, "/internal/prompt", `{"sessionId":"s1","authorId":"u1"}`)
	h.Prompt(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPrompt_RejectsUnknownSource(t *testing.T) {
	h := NewSessionHandler(nil)

	c, w := testCtx(t, http.MethodPost, "/internal/prompt",
		`{"sessionId":"s1","authorId":"u1","content":"hi","source":"carrier-pigeon"}`)
	h.Prompt(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid source")
}

func TestWsToken_RequiresUserID(t *testing.T) {
	h := NewSessionHandler(nil)

	c, w := testCtx(t, http.MethodPost, "/internal/ws-token", `{"sessionId":"s1"}`)
	h.WsToken(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "userId is required")
}
