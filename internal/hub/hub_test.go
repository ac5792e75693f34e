package hub

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/danmuck/hookrelay/internal/testutil/testlog"
)

func tcpPair(t *testing.T) (server net.Conn, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	done := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(done)
			return
		}
		done <- c
	}()
	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server, ok := <-done
	if !ok {
		t.Fatalf("accept failed")
	}
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

func readPush(t *testing.T, reader *bufio.Reader) Push {
	t.Helper()
	line, err := reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read push: %v", err)
	}
	var push Push
	if err := json.Unmarshal(line, &push); err != nil {
		t.Fatalf("decode push %q: %v", line, err)
	}
	return push
}

func TestSnapshotArrivesBeforeIncrementals(t *testing.T) {
	testlog.Start(t)

	h := New(func() any { return map[string]any{"sessions": []string{"s1"}} }, nil, time.Hour)
	defer h.Close()

	server, client := tcpPair(t)
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	reader := bufio.NewReader(client)

	if _, err := h.AddSubscriber(server, nil, "test"); err != nil {
		t.Fatalf("add subscriber: %v", err)
	}
	h.Broadcast(Push{Type: "sessionUpdate"})

	first := readPush(t, reader)
	if first.Type != "state" {
		t.Fatalf("first push type = %q, want state", first.Type)
	}
	second := readPush(t, reader)
	if second.Type != "sessionUpdate" {
		t.Fatalf("second push type = %q, want sessionUpdate", second.Type)
	}
}

func TestBroadcastDuringRegistrationQueuesBehindSnapshot(t *testing.T) {
	testlog.Start(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	h := New(func() any {
		close(entered)
		<-release
		return map[string]any{"sessions": []string{}}
	}, nil, time.Hour)
	defer h.Close()

	server, client := tcpPair(t)
	added := make(chan error, 1)
	go func() {
		_, err := h.AddSubscriber(server, nil, "test")
		added <- err
	}()
	<-entered

	// The subscriber is registered but its snapshot is still pending;
	// a broadcast landing now must not overtake it.
	broadcastDone := make(chan struct{})
	go func() {
		h.Broadcast(Push{Type: "sessionUpdate"})
		close(broadcastDone)
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	if err := <-added; err != nil {
		t.Fatalf("add subscriber: %v", err)
	}
	select {
	case <-broadcastDone:
	case <-time.After(5 * time.Second):
		t.Fatalf("broadcast never completed")
	}

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	reader := bufio.NewReader(client)
	first := readPush(t, reader)
	if first.Type != "state" {
		t.Fatalf("first push type = %q, want state", first.Type)
	}
	second := readPush(t, reader)
	if second.Type != "sessionUpdate" {
		t.Fatalf("second push type = %q, want sessionUpdate", second.Type)
	}
}

func TestBroadcastIsolatesFailingSubscriber(t *testing.T) {
	testlog.Start(t)

	h := New(nil, nil, time.Hour)
	defer h.Close()

	deadServer, deadClient := tcpPair(t)
	healthyServer, healthyClient := tcpPair(t)

	deadID, err := h.AddSubscriber(deadServer, nil, "dead")
	if err != nil {
		t.Fatalf("add dead: %v", err)
	}
	if _, err := h.AddSubscriber(healthyServer, nil, "healthy"); err != nil {
		t.Fatalf("add healthy: %v", err)
	}

	// Kill one peer, then broadcast until the write failure surfaces.
	deadClient.Close()
	deadline := time.Now().Add(5 * time.Second)
	for h.SubscriberCount() == 2 {
		if time.Now().After(deadline) {
			t.Fatalf("failing subscriber never removed")
		}
		h.Broadcast(Push{Type: "sessionUpdate"})
		time.Sleep(20 * time.Millisecond)
	}

	h.Broadcast(Push{Type: "ping"})
	_ = healthyClient.SetReadDeadline(time.Now().Add(5 * time.Second))
	reader := bufio.NewReader(healthyClient)
	for {
		push := readPush(t, reader)
		if push.Type == "ping" {
			break
		}
	}

	// Removing the dead subscriber again is a no-op.
	h.RemoveSubscriber(deadID)
	if got := h.SubscriberCount(); got != 1 {
		t.Fatalf("subscriber count = %d, want 1", got)
	}
}

func TestClientMessageDispatch(t *testing.T) {
	testlog.Start(t)

	got := make(chan ClientMessage, 4)
	h := New(nil, func(id string, msg ClientMessage) { got <- msg }, time.Hour)
	defer h.Close()

	server, client := tcpPair(t)
	if _, err := h.AddSubscriber(server, nil, "test"); err != nil {
		t.Fatalf("add subscriber: %v", err)
	}

	// Pongs are consumed silently; decisions reach the handler.
	if _, err := client.Write([]byte(`{"type":"pong"}` + "\n" + `{"type":"approve","toolUseId":"tu-1","reason":"ok"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case msg := <-got:
		if msg.Type != "approve" || msg.ToolUseID != "tu-1" || msg.Reason != "ok" {
			t.Fatalf("dispatched message = %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("handler never fired")
	}
}

func TestPipelinedBytesSurviveSubscribe(t *testing.T) {
	testlog.Start(t)

	got := make(chan ClientMessage, 1)
	h := New(nil, func(id string, msg ClientMessage) { got <- msg }, time.Hour)
	defer h.Close()

	server, client := tcpPair(t)
	defer client.Close()

	// Bytes read past the subscribe line are handed over as rest.
	rest := []byte(`{"type":"deny","sessionId":"s1"}` + "\n")
	if _, err := h.AddSubscriber(server, rest, "test"); err != nil {
		t.Fatalf("add subscriber: %v", err)
	}

	select {
	case msg := <-got:
		if msg.Type != "deny" || msg.SessionID != "s1" {
			t.Fatalf("dispatched message = %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("pipelined frame lost")
	}
}

func TestHeartbeatPings(t *testing.T) {
	testlog.Start(t)

	h := New(nil, nil, 50*time.Millisecond)
	defer h.Close()

	server, client := tcpPair(t)
	if _, err := h.AddSubscriber(server, nil, "test"); err != nil {
		t.Fatalf("add subscriber: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	reader := bufio.NewReader(client)
	push := readPush(t, reader)
	if push.Type != "ping" {
		t.Fatalf("push type = %q, want ping", push.Type)
	}
}

func TestClosedHubRejectsSubscribers(t *testing.T) {
	testlog.Start(t)

	h := New(nil, nil, time.Hour)
	h.Close()

	server, _ := tcpPair(t)
	if _, err := h.AddSubscriber(server, nil, "test"); err != ErrHubClosed {
		t.Fatalf("err = %v, want ErrHubClosed", err)
	}
}
