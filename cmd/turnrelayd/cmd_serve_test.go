package main

import (
	"testing"

	"github.com/nullharbor/turnrelayd/internal/config"
)

func TestPortalWebsocketURL(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Portal.WSURL = "wss://portal.example.com"
	cfg.Network.PublicIP4Addr = "203.0.113.7"
	cfg.Network.PublicIP6Addr = "2001:db8::1"

	got, err := portalWebsocketURL(cfg)
	if err != nil {
		t.Fatalf("portalWebsocketURL() error: %v", err)
	}
	want := "wss://portal.example.com/relay/websocket?ipv4=203.0.113.7&ipv6=2001%3Adb8%3A%3A1"
	if got != want {
		t.Errorf("portalWebsocketURL() = %q, want %q", got, want)
	}
}

func TestPortalWebsocketURL_invalidURL(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Portal.WSURL = "://not-a-url"

	if _, err := portalWebsocketURL(cfg); err == nil {
		t.Fatal("expected an error for an invalid portal.ws_url")
	}
}

func TestParseIPStack(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		v4, v6  string
		wantErr bool
	}{
		{"v4 only", "203.0.113.7", "", false},
		{"v6 only", "", "2001:db8::1", false},
		{"dual stack", "203.0.113.7", "2001:db8::1", false},
		{"neither", "", "", false},
		{"invalid v4", "not-an-ip", "", true},
		{"invalid v6", "", "not-an-ip", true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			stack, err := parseIPStack(tc.v4, tc.v6)
			if (err != nil) != tc.wantErr {
				t.Fatalf("parseIPStack(%q, %q) error = %v, wantErr %v", tc.v4, tc.v6, err, tc.wantErr)
			}
			if err != nil {
				return
			}
			if tc.v4 != "" && !stack.V4.IsValid() {
				t.Error("expected V4 to be valid")
			}
			if tc.v6 != "" && !stack.V6.IsValid() {
				t.Error("expected V6 to be valid")
			}
		})
	}
}
