package dbprobe

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

func TestProbeUnsupportedType(t *testing.T) {
	err := Probe(context.Background(), Target{Type: "oracle", Host: "127.0.0.1", Port: 1521})
	if err == nil {
		t.Fatal("expected error for unsupported type")
	}
	if !strings.Contains(err.Error(), "oracle") {
		t.Errorf("error should name the type: %v", err)
	}
}

func TestProbeRedisUnreachable(t *testing.T) {
	// Reserve a port and close it so nothing listens there.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := Probe(ctx, Target{Type: "redis", Host: "127.0.0.1", Port: port}); err == nil {
		t.Fatal("expected error for unreachable redis")
	}
}

func TestProbeMySQLUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := Probe(ctx, Target{Type: "mysql", Host: "127.0.0.1", Port: port, Username: "root"}); err == nil {
		t.Fatal("expected error for unreachable mysql")
	}
}
