package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/protocol"
	"github.com/parley-chat/parley/internal/registry"
	"go.uber.org/zap/zaptest"
)

func testConfig() config.Config {
	return config.Config{
		ListenAddress:       "127.0.0.1:0",
		LogLevel:            "debug",
		ShutdownGracePeriod: 2 * time.Second,
		MaxFrameBytes:       protocol.MaxFrameBytes,
		SendBuffer:          32,
	}
}

func startServer(t *testing.T, cfg config.Config) (*Server, context.CancelFunc, <-chan error) {
	t.Helper()

	srv := New(cfg, zaptest.NewLogger(t), registry.NewInMemory())
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return srv.Addr() != "" }, "listener to bind")
	return srv, cancel, errCh
}

func TestServerLifecycle(t *testing.T) {
	srv, cancel, errCh := startServer(t, testConfig())

	alice := dialRelay(t, srv.Addr())
	defer alice.close()
	alice.join("alice")

	bob := dialRelay(t, srv.Addr())
	defer bob.close()
	bob.join("bob")
	bob.expect(protocol.KindJoin) // roster sync for alice
	alice.expect(protocol.KindJoin)

	alice.send(protocol.NewMessage("alice", "over the full stack", alice.uid))
	if env := bob.expect(protocol.KindMessage); env.Text != "over the full stack" {
		t.Fatalf("text = %q", env.Text)
	}
	alice.expect(protocol.KindMessage) // own echo

	// Cancellation drives the graceful path: final notice, then closed
	// transports, then a clean Start return.
	cancel()

	for _, c := range []*testClient{alice, bob} {
		notice := c.expect(protocol.KindSystem)
		if notice.Text != shutdownNotice {
			t.Fatalf("notice = %q, want %q", notice.Text, shutdownNotice)
		}
		c.expectClosed()
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Start returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after shutdown")
	}
}

func TestServerRejectsLateDialsAfterShutdown(t *testing.T) {
	srv, cancel, errCh := startServer(t, testConfig())
	addr := srv.Addr()

	cancel()
	<-errCh

	if conn, err := dialTCPQuick(addr); err == nil {
		conn.Close()
		t.Fatal("dial succeeded after shutdown")
	}
}

func TestAdminEndpoints(t *testing.T) {
	cfg := testConfig()
	// The admin mux binds the configured address verbatim, so pick a free
	// port up front.
	adminAddr, err := newLoopbackAddr()
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	cfg.AdminAddress = adminAddr

	_, cancel, errCh := startServer(t, cfg)
	defer func() {
		cancel()
		<-errCh
	}()

	waitFor(t, 2*time.Second, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/healthz", cfg.AdminAddress))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, "admin server to come up")

	resp, err := http.Get(fmt.Sprintf("http://%s/readyz", cfg.AdminAddress))
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status = %d", resp.StatusCode)
	}

	metrics, err := http.Get(fmt.Sprintf("http://%s/metrics", cfg.AdminAddress))
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer metrics.Body.Close()
	body, _ := io.ReadAll(metrics.Body)
	if len(body) == 0 {
		t.Fatal("metrics endpoint returned empty body")
	}
}

func dialTCPQuick(addr string) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, 500*time.Millisecond)
}

// newLoopbackAddr reserves a free loopback port and returns it as host:port.
func newLoopbackAddr() (string, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	addr := lis.Addr().String()
	_ = lis.Close()
	return addr, nil
}
