package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

type fakeResetter struct {
	mu     sync.Mutex
	resets int
}

func (f *fakeResetter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakeResetter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

func TestConnectReceivesBootstrapAndBytes(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	bootstrapCh := make(chan []byte, 1)
	release := make(chan struct{})
	defer close(release)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, len(BootstrapPacket))
		_, _ = conn.Read(buf)
		bootstrapCh <- buf
		_, _ = conn.Write([]byte("hello"))
		// Keep the connection open until the test ends; a server-side
		// close would move the client to Reconnecting.
		<-release
	}()

	addr := ln.Addr().(*net.TCPAddr)
	reset := &fakeResetter{}

	received := make(chan []byte, 1)
	client := New("127.0.0.1", addr.Port, time.Second, reset, func(b []byte) {
		received <- b
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case got := <-bootstrapCh:
		if string(got) != string(BootstrapPacket) {
			t.Fatalf("bootstrap packet mismatch: got %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for bootstrap packet")
	}

	select {
	case got := <-received:
		if string(got) != "hello" {
			t.Fatalf("got bytes %q, want %q", got, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for byte delivery")
	}

	if reset.count() != 1 {
		t.Fatalf("expected Reset called once before connect, got %d", reset.count())
	}
	if client.Status() != Connected {
		t.Fatalf("expected Connected, got %v", client.Status())
	}
}

func TestDisconnectSuppressesAutoReconnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	reset := &fakeResetter{}
	client := New("127.0.0.1", addr.Port, time.Second, reset, func([]byte) {})

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	client.Disconnect()

	if client.Status() != Disconnected {
		t.Fatalf("expected Disconnected after explicit disconnect, got %v", client.Status())
	}
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		Disconnected: "Disconnected",
		Connecting:   "Connecting",
		Connected:    "Connected",
		Reconnecting: "Reconnecting",
		Error:        "Error",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Fatalf("Status(%d).String() = %q, want %q", s, got, want)
		}
	}
}
