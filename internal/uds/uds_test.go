package uds

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/msageha/specsync/internal/model"
)

// shortSockPath keeps socket paths under the sun_path limit.
func shortSockPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "ss-uds-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, SocketName)
}

func startServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	path := shortSockPath(t)
	server := NewServer(path, nil)
	server.Handle(CmdPing, func(ctx context.Context, req *Request) *Response {
		return SuccessResponse(map[string]string{"status": "ok"})
	})
	server.Handle("echo", func(ctx context.Context, req *Request) *Response {
		var params map[string]string
		if err := req.Decode(&params); err != nil {
			return FromError(err)
		}
		return SuccessResponse(params)
	})
	server.Handle("fail", func(ctx context.Context, req *Request) *Response {
		return FromError(model.NewError(model.ErrKindNotFound, "fail", "cf_1", "no such conflict"))
	})
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	t.Cleanup(func() { server.Stop() })

	client := NewClient(path)
	client.SetTimeout(5 * time.Second)
	return server, client
}

func TestFraming_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req, err := NewRequest(CmdReplay, map[string]string{"subscriber": "sync"})
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if err := WriteFrame(&buf, req); err != nil {
		t.Fatalf("write: %v", err)
	}

	var got Request
	if err := ReadFrame(&buf, &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Command != CmdReplay || got.ProtocolVersion != ProtocolVersion {
		t.Errorf("got %+v", got)
	}
	var params map[string]string
	if err := got.Decode(&params); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if params["subscriber"] != "sync" {
		t.Errorf("subscriber = %q", params["subscriber"])
	}
}

func TestReadFrame_RejectsOversizedLength(t *testing.T) {
	buf := bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff})
	var v Request
	err := ReadFrame(buf, &v)
	if err == nil || !strings.Contains(err.Error(), "frame too large") {
		t.Fatalf("expected frame too large, got %v", err)
	}
}

func TestServer_ProtocolVersionMismatch(t *testing.T) {
	_, client := startServer(t)

	resp, err := client.Send(context.Background(), &Request{ProtocolVersion: 999, Command: CmdPing})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Success || resp.Error == nil {
		t.Fatal("expected failure for version mismatch")
	}
	if resp.Error.Code != ErrCodeProtocolMismatch {
		t.Errorf("code = %q", resp.Error.Code)
	}
}

func TestClient_UnknownCommandIsInvalid(t *testing.T) {
	_, client := startServer(t)

	err := client.Call(context.Background(), "nonexistent", nil, nil)
	if !errors.Is(err, model.ErrInvalid) {
		t.Fatalf("expected invalid, got %v", err)
	}
}

func TestClient_CallDecodesReply(t *testing.T) {
	_, client := startServer(t)

	var out map[string]string
	if err := client.Call(context.Background(), "echo", map[string]string{"msg": "hello"}, &out); err != nil {
		t.Fatalf("echo: %v", err)
	}
	if out["msg"] != "hello" {
		t.Errorf("echo = %q", out["msg"])
	}
}

func TestClient_ErrorKeepsKind(t *testing.T) {
	_, client := startServer(t)

	err := client.Call(context.Background(), "fail", nil, nil)
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
	if !strings.Contains(err.Error(), "no such conflict") {
		t.Errorf("message lost: %v", err)
	}
}

func TestServer_MultipleClients(t *testing.T) {
	server, _ := startServer(t)

	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			c := NewClient(server.SocketPath())
			c.SetTimeout(5 * time.Second)
			errs <- c.Call(context.Background(), CmdPing, nil, nil)
		}()
	}
	for i := 0; i < 10; i++ {
		if err := <-errs; err != nil {
			t.Errorf("client %d: %v", i, err)
		}
	}
}

func TestClient_DaemonNotRunning(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	client.SetTimeout(time.Second)

	err := client.Call(context.Background(), CmdPing, nil, nil)
	if !errors.Is(err, ErrDaemonNotRunning) {
		t.Fatalf("expected ErrDaemonNotRunning, got %v", err)
	}
	if !strings.Contains(err.Error(), "specsync daemon") {
		t.Errorf("expected start hint, got %v", err)
	}
}

func TestServer_IdleConnectionTimesOut(t *testing.T) {
	path := shortSockPath(t)
	server := NewServer(path, nil)
	server.SetConnTimeout(300 * time.Millisecond)
	server.Handle(CmdPing, func(ctx context.Context, req *Request) *Response {
		return SuccessResponse(nil)
	})
	if err := server.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer server.Stop()

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	time.Sleep(600 * time.Millisecond)
	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("expected the idle connection to be closed")
	}

	client := NewClient(path)
	client.SetTimeout(2 * time.Second)
	if err := client.Call(context.Background(), CmdPing, nil, nil); err != nil {
		t.Fatalf("ping after timeout: %v", err)
	}
}

func TestServer_SocketPermissionsAndCleanup(t *testing.T) {
	path := shortSockPath(t)
	server := NewServer(path, nil)
	if err := server.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("permissions = %04o, want 0600", perm)
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("socket should be removed after Stop, stat err = %v", err)
	}
}

func TestServer_StartReplacesStaleSocket(t *testing.T) {
	path := shortSockPath(t)
	if err := os.WriteFile(path, []byte("stale"), 0600); err != nil {
		t.Fatal(err)
	}
	server := NewServer(path, nil)
	if err := server.Start(); err != nil {
		t.Fatalf("start over stale file: %v", err)
	}
	server.Stop()
}

func TestServer_RejectsRequestsBeyondLimit(t *testing.T) {
	path := shortSockPath(t)
	server := NewServer(path, nil)
	server.SetMaxInFlight(1)
	entered := make(chan struct{})
	release := make(chan struct{})
	server.Handle("slow", func(ctx context.Context, req *Request) *Response {
		close(entered)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return SuccessResponse(nil)
	})
	server.Handle(CmdPing, func(ctx context.Context, req *Request) *Response {
		return SuccessResponse(nil)
	})
	if err := server.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer server.Stop()

	client := NewClient(path)
	client.SetTimeout(5 * time.Second)
	done := make(chan error, 1)
	go func() { done <- client.Call(context.Background(), "slow", nil, nil) }()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("slow handler never started")
	}

	err := client.Call(context.Background(), CmdPing, nil, nil)
	if !errors.Is(err, model.ErrCapacityExceeded) {
		t.Fatalf("expected capacity_exceeded while busy, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("slow call: %v", err)
	}
	if err := client.Call(context.Background(), CmdPing, nil, nil); err != nil {
		t.Fatalf("ping after release: %v", err)
	}
}

func TestServer_HandlerPanicBecomesErrorReply(t *testing.T) {
	server, client := startServer(t)
	server.Handle("boom", func(ctx context.Context, req *Request) *Response {
		panic("nil map")
	})

	err := client.Call(context.Background(), "boom", nil, nil)
	if !errors.Is(err, model.ErrIO) {
		t.Fatalf("expected io error, got %v", err)
	}
	if !strings.Contains(err.Error(), "nil map") {
		t.Errorf("panic value lost: %v", err)
	}
	if err := client.Call(context.Background(), CmdPing, nil, nil); err != nil {
		t.Fatalf("ping after panic: %v", err)
	}
}

func TestServer_StartRefusesLiveSocket(t *testing.T) {
	server, client := startServer(t)

	second := NewServer(server.SocketPath(), nil)
	err := second.Start()
	if !errors.Is(err, ErrSocketInUse) {
		t.Fatalf("expected ErrSocketInUse, got %v", err)
	}
	if err := client.Call(context.Background(), CmdPing, nil, nil); err != nil {
		t.Fatalf("first server stopped answering: %v", err)
	}
}
