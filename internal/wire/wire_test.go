package wire

import (
	"net"
	"testing"
)

func TestMessageType_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		method int
		class  int
	}{
		{"Binding Request", MethodBinding, ClassRequest},
		{"Binding Success", MethodBinding, ClassSuccessResponse},
		{"Allocate Request", MethodAllocate, ClassRequest},
		{"Allocate Success", MethodAllocate, ClassSuccessResponse},
		{"Allocate Error", MethodAllocate, ClassErrorResponse},
		{"Refresh Request", MethodRefresh, ClassRequest},
		{"Send Indication", MethodSend, ClassIndication},
		{"Data Indication", MethodData, ClassIndication},
		{"CreatePermission Request", MethodCreatePermission, ClassRequest},
		{"ChannelBind Request", MethodChannelBind, ClassRequest},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msgType := MessageType(tt.method, tt.class)
			gotMethod, gotClass := ParseType(msgType)
			if gotMethod != tt.method {
				t.Errorf("method: got %#x, want %#x", gotMethod, tt.method)
			}
			if gotClass != tt.class {
				t.Errorf("class: got %d, want %d", gotClass, tt.class)
			}
		})
	}
}

func TestParseAndBuild_BindingRequest(t *testing.T) {
	t.Parallel()

	txID := [12]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	built := NewBuilder(MethodBinding, ClassRequest, txID).Build(nil)

	if !IsSTUN(built) {
		t.Fatal("built message not recognized as STUN")
	}
	if IsChannelData(built) {
		t.Fatal("STUN message misidentified as ChannelData")
	}

	msg, err := Parse(built)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Method != MethodBinding {
		t.Errorf("method: got %#x, want %#x", msg.Method, MethodBinding)
	}
	if msg.Class != ClassRequest {
		t.Errorf("class: got %d, want %d", msg.Class, ClassRequest)
	}
	if msg.TransactionID != txID {
		t.Errorf("txID: got %v, want %v", msg.TransactionID, txID)
	}
}

func TestParseAndBuild_AllocateErrorResponse(t *testing.T) {
	t.Parallel()

	txID := [12]byte{0xAA, 0xBB, 0xCC, 0xDD}
	built := NewBuilder(MethodAllocate, ClassErrorResponse, txID).
		AddErrorCode(401, "Unauthorized").
		AddRealm("turnrelayd").
		AddNonce("test-nonce-123").
		Build(nil)

	msg, err := Parse(built)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Method != MethodAllocate || msg.Class != ClassErrorResponse {
		t.Fatalf("type: got method=%#x class=%d", msg.Method, msg.Class)
	}

	ec := msg.GetAttr(AttrErrorCode)
	if ec == nil {
		t.Fatal("missing ERROR-CODE")
	}
	code := int(ec[2])*100 + int(ec[3])
	if code != 401 {
		t.Errorf("error code: got %d, want 401", code)
	}

	if msg.GetRealm() != "turnrelayd" {
		t.Errorf("realm: got %q, want %q", msg.GetRealm(), "turnrelayd")
	}
	if msg.GetNonce() != "test-nonce-123" {
		t.Errorf("nonce: got %q, want %q", msg.GetNonce(), "test-nonce-123")
	}
}

func TestXORAddress_IPv4_RoundTrip(t *testing.T) {
	t.Parallel()

	txID := [12]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A, 0x0B, 0x0C}
	addr := Addr{IP: net.ParseIP("192.168.1.1"), Port: 50000}

	built := NewBuilder(MethodAllocate, ClassSuccessResponse, txID).
		AddXORAddress(AttrXORRelayedAddress, addr).
		Build(nil)

	msg, err := Parse(built)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	got, ok := msg.GetXORPeerAddress()
	if ok {
		t.Fatal("expected no XOR-PEER-ADDRESS on a message carrying XOR-RELAYED-ADDRESS")
	}

	v := msg.GetAttr(AttrXORRelayedAddress)
	if v == nil {
		t.Fatal("missing XOR-RELAYED-ADDRESS")
	}
	got = decodeXORAddress(v, txID)
	if !got.IP.Equal(addr.IP) {
		t.Errorf("ip: got %v, want %v", got.IP, addr.IP)
	}
	if got.Port != addr.Port {
		t.Errorf("port: got %d, want %d", got.Port, addr.Port)
	}
}

func TestXORAddress_IPv6_RoundTrip(t *testing.T) {
	t.Parallel()

	txID := [12]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A, 0x0B, 0x0C}
	addr := Addr{IP: net.ParseIP("2001:db8::1"), Port: 60000}

	built := NewBuilder(MethodAllocate, ClassSuccessResponse, txID).
		AddXORAddress(AttrXORRelayedAddress, addr).
		Build(nil)

	msg, err := Parse(built)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	v := msg.GetAttr(AttrXORRelayedAddress)
	if v == nil {
		t.Fatal("missing XOR-RELAYED-ADDRESS")
	}
	got := decodeXORAddress(v, txID)
	if !got.IP.Equal(addr.IP) {
		t.Errorf("ip: got %v, want %v", got.IP, addr.IP)
	}
	if got.Port != addr.Port {
		t.Errorf("port: got %d, want %d", got.Port, addr.Port)
	}
	if got.Family() != FamilyIPv6 {
		t.Errorf("family: got %d, want IPv6", got.Family())
	}
}

func TestMessageIntegrity_ValidAndTampered(t *testing.T) {
	t.Parallel()

	txID := [12]byte{9, 9, 9}
	authKey := []byte("shared-key")
	built := NewBuilder(MethodAllocate, ClassRequest, txID).
		AddUsername("1700000000:abc123").
		Build(authKey)

	if err := CheckIntegrity(built, authKey); err != nil {
		t.Fatalf("expected valid integrity, got %v", err)
	}
	if err := CheckFingerprint(built); err != nil {
		t.Fatalf("expected valid fingerprint, got %v", err)
	}

	tampered := append([]byte(nil), built...)
	tampered[HeaderSize] ^= 0xFF
	if err := CheckIntegrity(tampered, authKey); err == nil {
		t.Fatal("expected integrity check to fail on tampered message")
	}
}

func TestChannelData_RoundTrip(t *testing.T) {
	t.Parallel()

	payload := []byte("hello peer")
	frame := BuildChannelData(0x4001, payload)

	if !IsChannelData(frame) {
		t.Fatal("frame not recognized as ChannelData")
	}
	if IsSTUN(frame) {
		t.Fatal("ChannelData misidentified as STUN")
	}

	cd, err := ParseChannelData(frame)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cd.ChannelNumber != 0x4001 {
		t.Errorf("channel number: got %#x, want %#x", cd.ChannelNumber, 0x4001)
	}
	if string(cd.Data) != string(payload) {
		t.Errorf("data: got %q, want %q", cd.Data, payload)
	}
}

func TestParse_RejectsBadCookie(t *testing.T) {
	t.Parallel()

	built := NewBuilder(MethodBinding, ClassRequest, [12]byte{}).Build(nil)
	built[4] ^= 0xFF // corrupt the magic cookie

	if _, err := Parse(built); err == nil {
		t.Fatal("expected parse error for bad magic cookie")
	}
}
