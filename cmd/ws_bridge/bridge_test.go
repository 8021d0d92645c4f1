package main

import (
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dial(t *testing.T, srv *httptest.Server, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
}

func TestBridgeEchoesLines(t *testing.T) {
	cat, err := exec.LookPath("cat")
	if err != nil {
		t.Skip("cat not available")
	}
	srv := httptest.NewServer(&bridge{command: []string{cat}})
	defer srv.Close()

	conn, _, err := dial(t, srv, "")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	msg := `{"jsonrpc":"2.0","id":0,"method":"initialize"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got frame
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got.Type != "stdout" || got.Data != msg {
		t.Errorf("Expected stdout frame with %q, got %+v", msg, got)
	}
}

func TestBridgeReportsExit(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	srv := httptest.NewServer(&bridge{command: []string{sh, "-c", "echo oops >&2; exit 3"}})
	defer srv.Close()

	conn, _, err := dial(t, srv, "")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var frames []frame
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			break
		}
		frames = append(frames, f)
		if f.Type == "exit" {
			break
		}
	}
	if len(frames) != 2 {
		t.Fatalf("Expected stderr and exit frames, got %+v", frames)
	}
	if frames[0] != (frame{Type: "stderr", Data: "oops"}) {
		t.Errorf("Unexpected stderr frame %+v", frames[0])
	}
	if frames[1].Type != "exit" || !strings.Contains(frames[1].Data, "exit status 3") {
		t.Errorf("Unexpected exit frame %+v", frames[1])
	}
}

func TestBridgeChecksOrigin(t *testing.T) {
	srv := httptest.NewServer(&bridge{command: []string{"true"}, allowedOrigins: []string{"https://ok.example"}})
	defer srv.Close()

	_, resp, err := dial(t, srv, "https://evil.example")
	if err == nil {
		t.Fatal("Expected the handshake to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403, got %v", resp)
	}
}

func TestRootCmdRequiresCommand(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{})
	cmd.SetOut(new(strings.Builder))
	cmd.SetErr(new(strings.Builder))
	if err := cmd.Execute(); err == nil {
		t.Error("Expected an error without a command to bridge")
	}
	if displayAddr(":9000") != "localhost:9000" {
		t.Errorf("Unexpected display address %q", displayAddr(":9000"))
	}
}
