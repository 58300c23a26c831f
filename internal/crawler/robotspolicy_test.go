package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRobotsEnforcer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	logger := zap.NewNop()

	allowAll := NewRobotsEnforcer(false, "test-agent", nil, logger)
	require.True(t, allowAll.Allowed(ctx, "https://example.com/whatever"))
	require.Zero(t, allowAll.CrawlDelay(ctx, "https://example.com/whatever"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fmt.Fprintln(w, "User-agent: *\nDisallow: /blocked\nCrawl-delay: 7")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	enforcer := NewRobotsEnforcer(true, "test-agent", srv.Client(), logger)
	require.True(t, enforcer.Allowed(ctx, srv.URL+"/allowed"))
	require.False(t, enforcer.Allowed(ctx, srv.URL+"/blocked"))
	require.Equal(t, 7*time.Second, enforcer.CrawlDelay(ctx, srv.URL+"/allowed"))
}
