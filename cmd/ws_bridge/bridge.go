package main

import (
	"bufio"
	"io"
	"net/http"
	"os/exec"
	"slices"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/m4xw311/axon/logging"
)

// frame is what the bridge sends to the browser for each output line.
type frame struct {
	Type string `json:"type"` // "stdout", "stderr" or "exit"
	Data string `json:"data"`
}

// bridge pipes WebSocket text messages to a subprocess's stdin, one
// message per line, and its output lines back as frames.
type bridge struct {
	command        []string
	allowedOrigins []string
}

func (b *bridge) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return len(b.allowedOrigins) == 0 || slices.Contains(b.allowedOrigins, r.Header.Get("Origin"))
		},
	}
}

func (b *bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader().Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	cmd := exec.CommandContext(r.Context(), b.command[0], b.command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		logging.Error("error getting stdin", "error", err)
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		logging.Error("error getting stdout", "error", err)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		logging.Error("error getting stderr", "error", err)
		return
	}
	if err := cmd.Start(); err != nil {
		logging.Error("error starting agent", "command", b.command[0], "error", err)
		conn.WriteJSON(frame{Type: "exit", Data: err.Error()})
		return
	}
	logging.Info("agent started", "pid", cmd.Process.Pid, "remote", r.RemoteAddr)

	// gorilla/websocket allows one concurrent writer.
	var writeMu sync.Mutex
	send := func(f frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(f)
	}

	var pumps sync.WaitGroup
	pump := func(kind string, r io.Reader) {
		defer pumps.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			if err := send(frame{Type: kind, Data: scanner.Text()}); err != nil {
				logging.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
	pumps.Add(2)
	go pump("stdout", stdout)
	go pump("stderr", stderr)

	go func() {
		defer stdin.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				logging.Debug("websocket closed", "error", err)
				return
			}
			if _, err := stdin.Write(append(msg, '\n')); err != nil {
				logging.Debug("stdin write failed", "error", err)
				return
			}
		}
	}()

	pumps.Wait()
	status := "0"
	if err := cmd.Wait(); err != nil {
		status = err.Error()
	}
	logging.Info("agent exited", "pid", cmd.Process.Pid, "status", status)
	send(frame{Type: "exit", Data: status})
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
