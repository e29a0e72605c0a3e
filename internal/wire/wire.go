// Package wire implements the STUN (RFC 5389) and TURN (RFC 8656) message
// wire format used by the relay: parsing and building request/response/
// indication messages and ChannelData frames, plus MESSAGE-INTEGRITY and
// FINGERPRINT computation. It has no knowledge of allocations, permissions,
// or authentication policy; those live in internal/auth and internal/relay.
package wire

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"net"
)

// Message header constants.
const (
	HeaderSize  = 20
	MagicCookie = 0x2112A442

	fingerprintXOR = 0x5354554E
)

// Methods.
const (
	MethodBinding          = 0x001
	MethodAllocate         = 0x003
	MethodRefresh          = 0x004
	MethodSend             = 0x006
	MethodData             = 0x007
	MethodCreatePermission = 0x008
	MethodChannelBind      = 0x009
)

// Classes.
const (
	ClassRequest         = 0x00
	ClassIndication      = 0x01
	ClassSuccessResponse = 0x02
	ClassErrorResponse   = 0x03
)

// Attribute types.
const (
	AttrMappedAddress      = 0x0001
	AttrUsername           = 0x0006
	AttrMessageIntegrity   = 0x0008
	AttrErrorCode          = 0x0009
	AttrChannelNumber      = 0x000C
	AttrLifetime           = 0x000D
	AttrXORPeerAddress     = 0x0012
	AttrData               = 0x0013
	AttrRealm              = 0x0014
	AttrNonce              = 0x0015
	AttrXORRelayedAddress  = 0x0016
	AttrRequestedTransport = 0x0019
	AttrXORMappedAddress   = 0x0020
	AttrSoftware           = 0x8022
	AttrFingerprint        = 0x8028
)

// Address families, as carried in XOR address attributes.
const (
	FamilyIPv4 = 0x01
	FamilyIPv6 = 0x02
)

// RequestedTransportUDP is the protocol number for UDP in REQUESTED-TRANSPORT,
// per RFC 8656 §14.7 (the only transport this relay supports).
const RequestedTransportUDP = 17

// MessageType encodes a method and class into the 16-bit STUN type field.
// The encoding interleaves method and class bits per RFC 5389 §6:
//
//	Bits: M11 M10 M9 M8 M7 C1 M6 M5 M4 C0 M3 M2 M1 M0
func MessageType(method, class int) uint16 {
	m := uint16(method)
	c := uint16(class)
	return (m & 0x0F) | ((c & 0x01) << 4) | ((m & 0x70) << 1) | ((c & 0x02) << 7) | ((m & 0xF80) << 2)
}

// ParseType extracts the method and class from a STUN message type field.
func ParseType(t uint16) (method, class int) {
	method = int((t & 0x0F) | ((t >> 1) & 0x70) | ((t >> 2) & 0xF80))
	class = int(((t >> 4) & 0x01) | ((t >> 7) & 0x02))
	return method, class
}

// Message is a parsed STUN/TURN message.
type Message struct {
	Method        int
	Class         int
	TransactionID [12]byte
	Attributes    []Attribute
}

// Attribute is a STUN attribute (type-length-value).
type Attribute struct {
	Type  uint16
	Value []byte
}

// IsChannelData reports whether data begins with a ChannelData header (first
// two bytes in [0x4000, 0x7FFF]).
func IsChannelData(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	ch := binary.BigEndian.Uint16(data[0:2])
	return ch >= 0x4000 && ch <= 0x7FFF
}

// IsSTUN reports whether data looks like a STUN message: top two bits of the
// first byte are zero and the magic cookie is present.
func IsSTUN(data []byte) bool {
	if len(data) < HeaderSize {
		return false
	}
	if data[0]&0xC0 != 0 {
		return false
	}
	return binary.BigEndian.Uint32(data[4:8]) == MagicCookie
}

// ChannelData is a parsed ChannelData frame (RFC 8656 §12.4).
type ChannelData struct {
	ChannelNumber uint16
	Data          []byte
}

// ParseChannelData parses a ChannelData frame.
func ParseChannelData(data []byte) (ChannelData, error) {
	if len(data) < 4 {
		return ChannelData{}, fmt.Errorf("channel data too short: %d bytes", len(data))
	}
	ch := binary.BigEndian.Uint16(data[0:2])
	length := binary.BigEndian.Uint16(data[2:4])
	if int(length) > len(data)-4 {
		return ChannelData{}, fmt.Errorf("channel data length %d exceeds available %d", length, len(data)-4)
	}
	return ChannelData{ChannelNumber: ch, Data: data[4 : 4+length]}, nil
}

// BuildChannelData constructs a ChannelData frame, padding the payload to a
// 4-byte boundary as required over UDP.
func BuildChannelData(channelNumber uint16, payload []byte) []byte {
	padded := (len(payload) + 3) &^ 3
	buf := make([]byte, 4+padded)
	binary.BigEndian.PutUint16(buf[0:2], channelNumber)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[4:], payload)
	return buf
}

// Parse parses a STUN message from raw bytes. It does not validate
// MESSAGE-INTEGRITY or FINGERPRINT; use CheckIntegrity and CheckFingerprint.
func Parse(data []byte) (Message, error) {
	if len(data) < HeaderSize {
		return Message{}, fmt.Errorf("message too short: %d bytes", len(data))
	}

	msgType := binary.BigEndian.Uint16(data[0:2])
	msgLen := binary.BigEndian.Uint16(data[2:4])
	cookie := binary.BigEndian.Uint32(data[4:8])

	if cookie != MagicCookie {
		return Message{}, fmt.Errorf("bad magic cookie: %#x", cookie)
	}
	if int(msgLen)+HeaderSize > len(data) {
		return Message{}, fmt.Errorf("message length %d exceeds available %d", msgLen, len(data)-HeaderSize)
	}

	method, class := ParseType(msgType)

	var txID [12]byte
	copy(txID[:], data[8:20])

	msg := Message{Method: method, Class: class, TransactionID: txID}

	offset := HeaderSize
	end := HeaderSize + int(msgLen)
	for offset+4 <= end {
		attrType := binary.BigEndian.Uint16(data[offset : offset+2])
		attrLen := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		if offset+4+int(attrLen) > end {
			return Message{}, fmt.Errorf("attribute %#x length %d exceeds message", attrType, attrLen)
		}
		value := make([]byte, attrLen)
		copy(value, data[offset+4:offset+4+int(attrLen)])
		msg.Attributes = append(msg.Attributes, Attribute{Type: attrType, Value: value})
		offset += 4 + ((int(attrLen) + 3) &^ 3)
	}

	return msg, nil
}

// GetAttr returns the first attribute with the given type, or nil.
func (m *Message) GetAttr(attrType uint16) []byte {
	for _, a := range m.Attributes {
		if a.Type == attrType {
			return a.Value
		}
	}
	return nil
}

// GetAttrs returns all attributes with the given type.
func (m *Message) GetAttrs(attrType uint16) [][]byte {
	var result [][]byte
	for _, a := range m.Attributes {
		if a.Type == attrType {
			result = append(result, a.Value)
		}
	}
	return result
}

// GetUsername returns the USERNAME attribute as a string.
func (m *Message) GetUsername() string { return attrString(m.GetAttr(AttrUsername)) }

// GetRealm returns the REALM attribute as a string.
func (m *Message) GetRealm() string { return attrString(m.GetAttr(AttrRealm)) }

// GetNonce returns the NONCE attribute as a string.
func (m *Message) GetNonce() string { return attrString(m.GetAttr(AttrNonce)) }

func attrString(v []byte) string {
	if v == nil {
		return ""
	}
	return string(v)
}

// GetLifetime returns the LIFETIME attribute in seconds, or 0 if absent.
func (m *Message) GetLifetime() uint32 {
	v := m.GetAttr(AttrLifetime)
	if v == nil || len(v) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(v)
}

// GetRequestedTransport returns the REQUESTED-TRANSPORT protocol number, or 0.
func (m *Message) GetRequestedTransport() byte {
	v := m.GetAttr(AttrRequestedTransport)
	if v == nil || len(v) < 1 {
		return 0
	}
	return v[0]
}

// GetChannelNumber returns the CHANNEL-NUMBER attribute, or 0 if absent.
func (m *Message) GetChannelNumber() uint16 {
	v := m.GetAttr(AttrChannelNumber)
	if v == nil || len(v) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(v)
}

// GetData returns the DATA attribute.
func (m *Message) GetData() []byte { return m.GetAttr(AttrData) }

// Addr is a decoded XOR-MAPPED-ADDRESS-family attribute: an IP plus port.
type Addr struct {
	IP   net.IP
	Port int
}

// Family reports the TURN address family of addr (AddressFamily in
// internal/relay mirrors this distinction).
func (a Addr) Family() byte {
	if a.IP.To4() != nil {
		return FamilyIPv4
	}
	return FamilyIPv6
}

// GetXORPeerAddress decodes the first XOR-PEER-ADDRESS attribute.
func (m *Message) GetXORPeerAddress() (Addr, bool) {
	v := m.GetAttr(AttrXORPeerAddress)
	if v == nil {
		return Addr{}, false
	}
	return decodeXORAddress(v, m.TransactionID), true
}

// GetXORPeerAddresses decodes all XOR-PEER-ADDRESS attributes (CreatePermission
// may carry several).
func (m *Message) GetXORPeerAddresses() []Addr {
	vals := m.GetAttrs(AttrXORPeerAddress)
	addrs := make([]Addr, 0, len(vals))
	for _, v := range vals {
		addrs = append(addrs, decodeXORAddress(v, m.TransactionID))
	}
	return addrs
}

// GetXORMappedAddress decodes the XOR-MAPPED-ADDRESS attribute.
func (m *Message) GetXORMappedAddress() (Addr, bool) {
	v := m.GetAttr(AttrXORMappedAddress)
	if v == nil {
		return Addr{}, false
	}
	return decodeXORAddress(v, m.TransactionID), true
}

// decodeXORAddress decodes an XOR-encoded address attribute value. Format:
// 1 reserved byte, 1 family byte, 2 XOR'd port bytes, 4 or 16 XOR'd IP bytes.
func decodeXORAddress(value []byte, txID [12]byte) Addr {
	if len(value) < 4 {
		return Addr{}
	}
	family := value[1]
	xorPort := binary.BigEndian.Uint16(value[2:4])
	port := int(xorPort ^ uint16(MagicCookie>>16))

	var cookieBytes [4]byte
	binary.BigEndian.PutUint32(cookieBytes[:], MagicCookie)

	var ip net.IP
	switch family {
	case FamilyIPv4:
		if len(value) < 8 {
			return Addr{}
		}
		ip = make(net.IP, 4)
		for i := 0; i < 4; i++ {
			ip[i] = value[4+i] ^ cookieBytes[i]
		}
	case FamilyIPv6:
		if len(value) < 20 {
			return Addr{}
		}
		ip = make(net.IP, 16)
		for i := 0; i < 4; i++ {
			ip[i] = value[4+i] ^ cookieBytes[i]
		}
		for i := 0; i < 12; i++ {
			ip[4+i] = value[8+i] ^ txID[i]
		}
	default:
		return Addr{}
	}

	return Addr{IP: ip, Port: port}
}

// Builder incrementally constructs a STUN/TURN message.
type Builder struct {
	method int
	class  int
	txID   [12]byte
	attrs  []byte
}

// NewBuilder starts a Builder for a message with the given method, class, and
// transaction ID.
func NewBuilder(method, class int, txID [12]byte) *Builder {
	return &Builder{method: method, class: class, txID: txID}
}

// NewResponse starts a Builder for a response to req, reusing its transaction ID.
func NewResponse(req *Message, class int) *Builder {
	return NewBuilder(req.Method, class, req.TransactionID)
}

// AddRaw appends a raw TLV attribute, padded to a 4-byte boundary.
func (b *Builder) AddRaw(attrType uint16, value []byte) *Builder {
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], attrType)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(value)))
	b.attrs = append(b.attrs, hdr[:]...)
	b.attrs = append(b.attrs, value...)
	if pad := (4 - len(value)%4) % 4; pad > 0 {
		b.attrs = append(b.attrs, make([]byte, pad)...)
	}
	return b
}

// AddString appends a string-valued attribute.
func (b *Builder) AddString(attrType uint16, s string) *Builder {
	return b.AddRaw(attrType, []byte(s))
}

func (b *Builder) AddUsername(username string) *Builder { return b.AddString(AttrUsername, username) }
func (b *Builder) AddRealm(realm string) *Builder        { return b.AddString(AttrRealm, realm) }
func (b *Builder) AddNonce(nonce string) *Builder        { return b.AddString(AttrNonce, nonce) }

// AddLifetime appends a LIFETIME attribute in seconds.
func (b *Builder) AddLifetime(seconds uint32) *Builder {
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], seconds)
	return b.AddRaw(AttrLifetime, v[:])
}

// AddErrorCode appends an ERROR-CODE attribute per RFC 8656 §14.8.
func (b *Builder) AddErrorCode(code int, reason string) *Builder {
	value := make([]byte, 4+len(reason))
	value[2] = byte(code / 100)
	value[3] = byte(code % 100)
	copy(value[4:], reason)
	return b.AddRaw(AttrErrorCode, value)
}

// AddRequestedTransport appends a REQUESTED-TRANSPORT attribute.
func (b *Builder) AddRequestedTransport(protocol byte) *Builder {
	return b.AddRaw(AttrRequestedTransport, []byte{protocol, 0, 0, 0})
}

// AddXORAddress appends an XOR-encoded address attribute (used for
// XOR-MAPPED-ADDRESS, XOR-RELAYED-ADDRESS, and XOR-PEER-ADDRESS).
func (b *Builder) AddXORAddress(attrType uint16, addr Addr) *Builder {
	var cookieBytes [4]byte
	binary.BigEndian.PutUint32(cookieBytes[:], MagicCookie)

	if ip4 := addr.IP.To4(); ip4 != nil {
		value := make([]byte, 8)
		value[1] = FamilyIPv4
		binary.BigEndian.PutUint16(value[2:4], uint16(addr.Port)^uint16(MagicCookie>>16))
		for i := 0; i < 4; i++ {
			value[4+i] = ip4[i] ^ cookieBytes[i]
		}
		return b.AddRaw(attrType, value)
	}

	ip6 := addr.IP.To16()
	if ip6 == nil {
		return b
	}
	value := make([]byte, 20)
	value[1] = FamilyIPv6
	binary.BigEndian.PutUint16(value[2:4], uint16(addr.Port)^uint16(MagicCookie>>16))
	for i := 0; i < 4; i++ {
		value[4+i] = ip6[i] ^ cookieBytes[i]
	}
	for i := 0; i < 12; i++ {
		value[8+i] = ip6[4+i] ^ b.txID[i]
	}
	return b.AddRaw(attrType, value)
}

// AddData appends a DATA attribute.
func (b *Builder) AddData(data []byte) *Builder { return b.AddRaw(AttrData, data) }

// AddChannelNumber appends a CHANNEL-NUMBER attribute.
func (b *Builder) AddChannelNumber(ch uint16) *Builder {
	var v [4]byte
	binary.BigEndian.PutUint16(v[0:2], ch)
	return b.AddRaw(AttrChannelNumber, v[:])
}

// Build finalizes the message. If authKey is non-nil, MESSAGE-INTEGRITY is
// computed and appended before FINGERPRINT.
func (b *Builder) Build(authKey []byte) []byte {
	buf := make([]byte, HeaderSize+len(b.attrs))
	binary.BigEndian.PutUint16(buf[0:2], MessageType(b.method, b.class))
	binary.BigEndian.PutUint32(buf[4:8], MagicCookie)
	copy(buf[8:20], b.txID[:])
	copy(buf[20:], b.attrs)

	if authKey != nil {
		binary.BigEndian.PutUint16(buf[2:4], uint16(len(b.attrs)+24))
		mac := hmac.New(sha1.New, authKey)
		mac.Write(buf)
		integrity := mac.Sum(nil)
		var miHeader [4]byte
		binary.BigEndian.PutUint16(miHeader[0:2], AttrMessageIntegrity)
		binary.BigEndian.PutUint16(miHeader[2:4], 20)
		buf = append(buf, miHeader[:]...)
		buf = append(buf, integrity...)
	}

	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)-HeaderSize+8))
	crc := crc32.ChecksumIEEE(buf) ^ fingerprintXOR
	var fpHeader [4]byte
	binary.BigEndian.PutUint16(fpHeader[0:2], AttrFingerprint)
	binary.BigEndian.PutUint16(fpHeader[2:4], 4)
	buf = append(buf, fpHeader[:]...)
	var fpValue [4]byte
	binary.BigEndian.PutUint32(fpValue[:], crc)
	return append(buf, fpValue[:]...)
}

// BuildNoFingerprint finalizes the message without FINGERPRINT, for
// indications where it brings no benefit.
func (b *Builder) BuildNoFingerprint(authKey []byte) []byte {
	buf := make([]byte, HeaderSize+len(b.attrs))
	binary.BigEndian.PutUint16(buf[0:2], MessageType(b.method, b.class))
	binary.BigEndian.PutUint32(buf[4:8], MagicCookie)
	copy(buf[8:20], b.txID[:])
	copy(buf[20:], b.attrs)

	if authKey != nil {
		binary.BigEndian.PutUint16(buf[2:4], uint16(len(b.attrs)+24))
		mac := hmac.New(sha1.New, authKey)
		mac.Write(buf)
		integrity := mac.Sum(nil)
		var miHeader [4]byte
		binary.BigEndian.PutUint16(miHeader[0:2], AttrMessageIntegrity)
		binary.BigEndian.PutUint16(miHeader[2:4], 20)
		buf = append(buf, miHeader[:]...)
		buf = append(buf, integrity...)
		binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)-HeaderSize))
		return buf
	}

	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)-HeaderSize))
	return buf
}

// CheckIntegrity validates the MESSAGE-INTEGRITY attribute of a raw message
// against authKey.
func CheckIntegrity(data []byte, authKey []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("message too short")
	}

	miOffset := -1
	offset := HeaderSize
	msgLen := int(binary.BigEndian.Uint16(data[2:4]))
	end := HeaderSize + msgLen
	if end > len(data) {
		end = len(data)
	}

	for offset+4 <= end {
		attrType := binary.BigEndian.Uint16(data[offset : offset+2])
		attrLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		if attrType == AttrMessageIntegrity {
			miOffset = offset
			break
		}
		offset += 4 + ((attrLen + 3) &^ 3)
	}

	if miOffset < 0 {
		return fmt.Errorf("no MESSAGE-INTEGRITY attribute")
	}
	if miOffset+4+20 > len(data) {
		return fmt.Errorf("MESSAGE-INTEGRITY attribute truncated")
	}

	hashData := make([]byte, miOffset)
	copy(hashData, data[:miOffset])
	binary.BigEndian.PutUint16(hashData[2:4], uint16(miOffset-HeaderSize+4+20))

	mac := hmac.New(sha1.New, authKey)
	mac.Write(hashData)
	expected := mac.Sum(nil)
	actual := data[miOffset+4 : miOffset+4+20]
	if !hmac.Equal(expected, actual) {
		return fmt.Errorf("MESSAGE-INTEGRITY mismatch")
	}
	return nil
}

// CheckFingerprint validates the FINGERPRINT attribute of a raw message. It
// assumes FINGERPRINT is the final attribute, as this package always places it.
func CheckFingerprint(data []byte) error {
	if len(data) < HeaderSize+8 {
		return fmt.Errorf("message too short for fingerprint")
	}

	fpOffset := len(data) - 8
	attrType := binary.BigEndian.Uint16(data[fpOffset : fpOffset+2])
	if attrType != AttrFingerprint {
		return fmt.Errorf("last attribute is not FINGERPRINT: %#x", attrType)
	}

	expected := crc32.ChecksumIEEE(data[:fpOffset]) ^ fingerprintXOR
	actual := binary.BigEndian.Uint32(data[fpOffset+4 : fpOffset+8])
	if expected != actual {
		return fmt.Errorf("FINGERPRINT mismatch: expected %#x, got %#x", expected, actual)
	}
	return nil
}
