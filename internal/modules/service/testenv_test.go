package service

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/duetcode/duet/internal/config"
	"github.com/duetcode/duet/internal/infra/httpclient"
	"github.com/duetcode/duet/internal/stream"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Name: "duet-test", WorkspaceID: "ws-test", DeploymentName: "test"},
		Sandbox: config.SandboxConfig{
			MaxStartAttempts:    2,
			StartTimeoutSec:     5,
			HeartbeatTimeoutSec: 90,
			StopGraceSec:        1,
		},
		Aggregator: config.AggregatorConfig{FlushIntervalMs: 20, MaxBufferedTokens: 3},
		Agent: config.AgentConfig{
			DefaultModel:     "claude-sonnet-4-5",
			Models:           []string{"claude-sonnet-4-5", "gpt-5"},
			ReasoningEfforts: []string{"none", "low", "medium", "high", "xhigh", "max"},
		},
		Auth: config.AuthConfig{TokenPepper: "test-pepper", OperatorSecret: "op-secret"},
		Hub:  config.HubConfig{ReplayLimit: 10, SendBuffer: 8, PingIntervalSec: 25, PongGraceSec: 60},
	}
}

func testStream(t *testing.T) (*stream.Publisher, *stream.Subscriber) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return stream.NewPublisher(rdb, zap.NewNop()), stream.NewSubscriber(rdb)
}

func testSandboxClient(t *testing.T, h http.HandlerFunc) *httpclient.SandboxClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &httpclient.SandboxClient{
		BaseURL:    srv.URL,
		APISecret:  "sb-secret",
		HTTPClient: srv.Client(),
		Logger:     zap.NewNop(),
	}
}
