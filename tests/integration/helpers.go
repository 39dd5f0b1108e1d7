//go:build integration

// Package integration runs the petalpoll daemon end to end over real sockets
// and a real SQLite journal. These tests are excluded from normal
// `go test ./...` runs:
//
//	go test -tags=integration ./tests/integration/... -v -count=1
package integration

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/petalpoll/daemon"
)

// startDaemon runs a daemon with a SQLite journal on a loopback port and
// returns its base URL.
func startDaemon(t *testing.T, mutate func(*daemon.Config)) string {
	t.Helper()

	cfg := daemon.Defaults()
	cfg.Journal.Driver = daemon.JournalSQLite
	cfg.Journal.DSN = filepath.Join(t.TempDir(), "journal.db")
	cfg.Poll.Timeout = daemon.Duration(2 * time.Second)
	cfg.Poll.Heartbeat = daemon.Duration(50 * time.Millisecond)
	if mutate != nil {
		mutate(&cfg)
	}

	d, err := daemon.New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := d.Run(ctx, ln); err != nil {
			t.Errorf("daemon.Run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return "http://" + ln.Addr().String()
}

func call(t *testing.T, method, url, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, string(data)
}
