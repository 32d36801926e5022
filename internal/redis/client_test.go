package redis

import (
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/mossy-p/skillswap-signaling/config"
)

func TestConnectAndClose(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := config.RedisConfig{Host: mr.Host(), Port: mr.Port()}
	if err := Connect(cfg); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if GetClient() == nil {
		t.Fatal("Expected client after Connect")
	}
	if err := GetClient().Set(GetContext(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if GetClient() != nil {
		t.Error("Expected client to be cleared after Close")
	}
	if err := Close(); err != nil {
		t.Errorf("Expected second Close to be a no-op, got %v", err)
	}
}

func TestConnectFailure(t *testing.T) {
	cfg := config.RedisConfig{Host: "127.0.0.1", Port: "1"}

	if err := Connect(cfg); err == nil {
		t.Fatal("Expected Connect to fail against a stopped server")
	}
	if GetClient() != nil {
		t.Error("Expected no client after failed Connect")
	}
}

func TestKeys(t *testing.T) {
	if got := PeersKey("abc"); got != "room:abc:peers" {
		t.Errorf("PeersKey: got %s", got)
	}
	if got := SignalChannel("abc"); got != "signal:room:abc" {
		t.Errorf("SignalChannel: got %s", got)
	}
}
