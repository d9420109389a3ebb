package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

func TestServeCommandHealthAndChat(t *testing.T) {
	backend := newFakeOllama(t, "pong")
	cfgPath := writeConfig(t, backend.URL, "agent:\n  max_iterations: 2\n")
	buf := &syncBuffer{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- serveCommand(ctx, []string{"--host=127.0.0.1", "--port=0"}, cfgPath, ioStreams{out: buf, err: io.Discard})
	}()
	addr := waitForAddress(t, buf, 3*time.Second)

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		cancel()
		t.Fatalf("health request: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected health status: %d", resp.StatusCode)
	}

	chatResp, err := http.Post("http://"+addr+"/api/chat", "application/json", strings.NewReader(`{"message":"ping"}`))
	if err != nil {
		cancel()
		t.Fatalf("chat request: %v", err)
	}
	data, _ := io.ReadAll(chatResp.Body)
	_ = chatResp.Body.Close()
	if chatResp.StatusCode != http.StatusOK {
		t.Fatalf("chat status %d body %s", chatResp.StatusCode, data)
	}
	for _, want := range []string{"event: stream_start", `"text":"pong"`, "event: stream_end"} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("chat stream missing %q: %s", want, data)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serveCommand error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("serveCommand did not exit after cancel")
	}
}

func TestServeCommandAppliesConfigEdits(t *testing.T) {
	backend := newFakeOllama(t, "ok")
	cfgPath := writeConfig(t, backend.URL, "agent:\n  system: first\n")
	buf := &syncBuffer{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- serveCommand(ctx, []string{"--host=127.0.0.1", "--port=0"}, cfgPath, ioStreams{out: buf, err: io.Discard})
	}()
	addr := waitForAddress(t, buf, 3*time.Second)
	// let the watcher register the directory
	time.Sleep(150 * time.Millisecond)

	updated := "backend:\n  url: " + backend.URL + "\n  model: llama3.2\nagent:\n  system: second\n"
	if err := os.WriteFile(cfgPath, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Post("http://"+addr+"/api/chat", "application/json", strings.NewReader(`{"message":"hi"}`))
		if err != nil {
			t.Fatalf("chat request: %v", err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		reqs := backend.Requests()
		msgs, _ := reqs[len(reqs)-1]["messages"].([]any)
		if len(msgs) > 0 && msgs[0].(map[string]any)["content"] == "second" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("system prompt never reloaded: %+v", msgs)
		}
		time.Sleep(100 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serveCommand error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("serveCommand did not exit after cancel")
	}
}

func TestServeCommandRejectsBadPort(t *testing.T) {
	cfgPath := writeConfig(t, "http://localhost:11434", "")
	if err := serveCommand(context.Background(), []string{"--port=70000"}, cfgPath, quiet); err == nil {
		t.Fatal("expected invalid port error")
	}
}
