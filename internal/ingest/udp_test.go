package ingest

import (
	"context"
	"net"
	"testing"
	"time"
)

func freeUDPAddr(t *testing.T) string {
	t.Helper()
	l, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := l.LocalAddr().String()
	_ = l.Close()
	return addr
}

func TestListenUDPDeliversDatagramLines(t *testing.T) {
	addr := freeUDPAddr(t)
	out := make(chan Message, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listenUDP(ctx, addr, out, nil, nil)

	conn, err := net.Dial("udp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The listener binds asynchronously, so resend until a message lands.
	payload := []byte("device_id=H-010 temp=37.0\ndevice_id=H-011 temp=36.5\n")
	deadline := time.Now().Add(3 * time.Second)
	var first Message
	for {
		// Writes may fail with ECONNREFUSED until the listener is bound.
		_, _ = conn.Write(payload)
		select {
		case first = <-out:
		case <-time.After(100 * time.Millisecond):
			if time.Now().Before(deadline) {
				continue
			}
			t.Fatalf("no message received")
		}
		break
	}

	if first.Source != "udp" || first.Fields["device_id"] != "H-010" {
		t.Fatalf("first message = %+v", first)
	}
	select {
	case second := <-out:
		if second.Fields["device_id"] != "H-011" {
			t.Fatalf("second message = %+v", second)
		}
	case <-time.After(time.Second):
		t.Fatalf("second line not delivered")
	}
}
