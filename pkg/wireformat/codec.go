// Package wireformat implements Wire Format v2: the packet codec shared by
// every component that touches the UDP socket. A packet has an unencrypted
// 5-byte prefix (magic + version), an encrypted header (routing metadata,
// sealed with a header key derived from the network key), and an encrypted
// payload (sealed separately with the network key itself).
//
// Header and payload use independent nonces: the payload nonce is derived
// from the header nonce by XORing its last byte with 0x01, so only the
// header nonce ever travels on the wire.
package wireformat

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/omertamesh/omertamesh/pkg/identity"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/poly1305"
)

const (
	// Magic identifies an OmertaMesh packet.
	Magic = "OMRT"
	// Version is the only wire format version this codec speaks.
	Version byte = 0x02

	prefixSize    = 4 + 1
	nonceSize     = 12
	headerTagSize = 8
	headerLenSize = 2
	payloadLenSize = 4
	payloadTagSize = 16

	hkdfHeaderInfo = "omerta-header-v2"

	maxFieldLen = 255
	// MaxChannelLen is the longest channel name the codec accepts.
	MaxChannelLen = 64
)

// Failure kinds, checked by the Dispatcher in this exact order: BadMagic and
// UnsupportedVersion reject before any decryption; HeaderAuthFail rejects
// before the networkHash is even looked at (it lives inside the encrypted
// header); WrongNetwork, PayloadAuthFail, and BadSignature all require a
// successful header decrypt first.
var (
	ErrBadMagic          = errors.New("wireformat: bad magic")
	ErrUnsupportedVersion = errors.New("wireformat: unsupported version")
	ErrHeaderAuthFail    = errors.New("wireformat: header authentication failed")
	ErrWrongNetwork      = errors.New("wireformat: network hash mismatch")
	ErrPayloadAuthFail   = errors.New("wireformat: payload authentication failed")
	ErrBadSignature      = errors.New("wireformat: signature verification failed")
	ErrMalformed         = errors.New("wireformat: malformed packet")
)

// Header carries the routing metadata that travels, encrypted, inside every
// packet. ToPeerID is nil for a packet addressed to no specific peer
// (pkg/node sends relay session requests and pings to unauthenticated
// bootstrap candidates this way); it is nilable so presence can be
// distinguished from a 32-byte all-zero key.
type Header struct {
	NetworkHash     [identity.NetworkHashSize]byte
	FromPeerID      []byte
	ToPeerID        []byte
	Channel         string
	HopCount        uint8
	TimestampMs     int64
	MessageID       []byte
	SenderPublicKey []byte
	Signature       []byte
}

// Packet is a fully decoded, but not yet payload-decrypted, wire packet.
type Packet struct {
	Header  Header
	Nonce   [nonceSize]byte
	payload []byte // still encrypted; see DecodePayload
}

// SigningInput builds the byte string the sender's Ed25519 signature covers:
// networkId || messageId || fromPeerId || toPeerId || channel || hopCount ||
// timestamp || plaintext-payload.
func SigningInput(networkID string, h Header, plaintextPayload []byte) []byte {
	buf := new(bytes.Buffer)
	buf.WriteString(networkID)
	buf.Write(h.MessageID)
	buf.Write(h.FromPeerID)
	buf.Write(h.ToPeerID)
	buf.WriteString(h.Channel)
	buf.WriteByte(h.HopCount)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(h.TimestampMs))
	buf.Write(ts[:])
	buf.Write(plaintextPayload)
	return buf.Bytes()
}

// VerifySignature checks h.Signature against h.SenderPublicKey for the given
// plaintext payload. Callers must have already confirmed FromPeerID ==
// SenderPublicKey if that binding matters to them; the codec only checks
// cryptographic validity.
func VerifySignature(networkID string, h Header, plaintextPayload []byte) bool {
	if len(h.Signature) == 0 || len(h.SenderPublicKey) == 0 {
		return false
	}
	input := SigningInput(networkID, h, plaintextPayload)
	return identity.Verify(h.SenderPublicKey, input, h.Signature)
}

func deriveHeaderKey(networkKey [identity.NetworkKeySize]byte) [32]byte {
	var out [32]byte
	reader := hkdf.New(sha256.New, networkKey[:], nil, []byte(hkdfHeaderInfo))
	_, _ = io.ReadFull(reader, out[:])
	return out
}

func payloadNonceFrom(headerNonce [nonceSize]byte) [nonceSize]byte {
	out := headerNonce
	out[nonceSize-1] ^= 0x01
	return out
}

func writeLP(buf *bytes.Buffer, data []byte) error {
	if len(data) > maxFieldLen {
		return fmt.Errorf("%w: field of length %d exceeds %d", ErrMalformed, len(data), maxFieldLen)
	}
	buf.WriteByte(byte(len(data)))
	buf.Write(data)
	return nil
}

func readLP(r *bytes.Reader) ([]byte, error) {
	l, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if l == 0 {
		return nil, nil
	}
	out := make([]byte, l)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return out, nil
}

func encodeHeaderFields(h Header) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(h.NetworkHash[:])
	if err := writeLP(buf, h.FromPeerID); err != nil {
		return nil, err
	}
	if err := writeLP(buf, h.ToPeerID); err != nil {
		return nil, err
	}
	if err := writeLP(buf, []byte(h.Channel)); err != nil {
		return nil, err
	}
	buf.WriteByte(h.HopCount)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(h.TimestampMs))
	buf.Write(ts[:])
	if err := writeLP(buf, h.MessageID); err != nil {
		return nil, err
	}
	if err := writeLP(buf, h.SenderPublicKey); err != nil {
		return nil, err
	}
	if err := writeLP(buf, h.Signature); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeHeaderFields(data []byte) (Header, error) {
	var h Header
	if len(data) < identity.NetworkHashSize+9 {
		return h, ErrMalformed
	}
	r := bytes.NewReader(data)
	if _, err := io.ReadFull(r, h.NetworkHash[:]); err != nil {
		return h, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var err error
	if h.FromPeerID, err = readLP(r); err != nil {
		return h, err
	}
	if h.ToPeerID, err = readLP(r); err != nil {
		return h, err
	}
	channel, err := readLP(r)
	if err != nil {
		return h, err
	}
	h.Channel = string(channel)
	hop, err := r.ReadByte()
	if err != nil {
		return h, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	h.HopCount = hop
	var ts [8]byte
	if _, err := io.ReadFull(r, ts[:]); err != nil {
		return h, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	h.TimestampMs = int64(binary.BigEndian.Uint64(ts[:]))
	if h.MessageID, err = readLP(r); err != nil {
		return h, err
	}
	if h.SenderPublicKey, err = readLP(r); err != nil {
		return h, err
	}
	if h.Signature, err = readLP(r); err != nil {
		return h, err
	}
	if r.Len() != 0 {
		return h, fmt.Errorf("%w: trailing bytes in header", ErrMalformed)
	}
	return h, nil
}

// sealHeader encrypts header plaintext with ChaCha20 (unauthenticated
// stream) and computes a Poly1305 tag truncated to headerTagSize bytes. The
// first ChaCha20 keystream block is consumed to derive the one-time
// Poly1305 key (the construction used by the standard ChaCha20-Poly1305
// AEAD), and the tag is computed over the 2-byte length prefix followed by
// the ciphertext so a length-truncation attack also fails the tag check.
func sealHeader(headerKey [32]byte, nonce [nonceSize]byte, plaintext []byte) (ciphertext []byte, tag [headerTagSize]byte, err error) {
	cipher, err := chacha20.NewUnauthenticatedCipher(headerKey[:], nonce[:])
	if err != nil {
		return nil, tag, fmt.Errorf("wireformat: init header cipher: %w", err)
	}

	var polyKey [32]byte
	cipher.XORKeyStream(polyKey[:], polyKey[:])

	ciphertext = make([]byte, len(plaintext))
	cipher.XORKeyStream(ciphertext, plaintext)

	authed := authedHeaderBytes(ciphertext)
	var full [16]byte
	poly1305.Sum(&full, authed, &polyKey)
	copy(tag[:], full[:headerTagSize])
	return ciphertext, tag, nil
}

func openHeader(headerKey [32]byte, nonce [nonceSize]byte, tag [headerTagSize]byte, ciphertext []byte) ([]byte, error) {
	cipher, err := chacha20.NewUnauthenticatedCipher(headerKey[:], nonce[:])
	if err != nil {
		return nil, fmt.Errorf("wireformat: init header cipher: %w", err)
	}

	var polyKey [32]byte
	cipher.XORKeyStream(polyKey[:], polyKey[:])

	authed := authedHeaderBytes(ciphertext)
	var full [16]byte
	poly1305.Sum(&full, authed, &polyKey)

	if subtle.ConstantTimeCompare(full[:headerTagSize], tag[:]) != 1 {
		return nil, ErrHeaderAuthFail
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

func authedHeaderBytes(ciphertext []byte) []byte {
	lenPrefix := make([]byte, headerLenSize)
	binary.LittleEndian.PutUint16(lenPrefix, uint16(len(ciphertext)))
	return append(lenPrefix, ciphertext...)
}

// Encode serializes and seals a packet. Header.NetworkHash is overwritten
// with the hash derived from networkKey. Header.Signature and
// Header.SenderPublicKey must already be populated by the caller (computed
// via SigningInput against the plaintext payload) — the codec only seals,
// it does not sign.
func Encode(networkKey [identity.NetworkKeySize]byte, h Header, plaintextPayload []byte) ([]byte, error) {
	if len(h.Channel) > MaxChannelLen {
		return nil, fmt.Errorf("%w: channel name too long", ErrMalformed)
	}
	h.NetworkHash = identity.NetworkHash(networkKey)

	headerPlain, err := encodeHeaderFields(h)
	if err != nil {
		return nil, err
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("wireformat: generate nonce: %w", err)
	}

	headerKey := deriveHeaderKey(networkKey)
	headerCipher, tag, err := sealHeader(headerKey, nonce, headerPlain)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(networkKey[:])
	if err != nil {
		return nil, fmt.Errorf("wireformat: init payload aead: %w", err)
	}
	payloadNonce := payloadNonceFrom(nonce)
	sealedPayload := aead.Seal(nil, payloadNonce[:], plaintextPayload, nil)

	out := new(bytes.Buffer)
	out.WriteString(Magic)
	out.WriteByte(Version)
	out.Write(nonce[:])
	out.Write(tag[:])
	var hlen [headerLenSize]byte
	binary.LittleEndian.PutUint16(hlen[:], uint16(len(headerCipher)))
	out.Write(hlen[:])
	out.Write(headerCipher)
	var plen [payloadLenSize]byte
	binary.BigEndian.PutUint32(plen[:], uint32(len(sealedPayload)))
	out.Write(plen[:])
	out.Write(sealedPayload)
	return out.Bytes(), nil
}

// DecodeHeader runs the cheap prefix check and the header decrypt/auth/
// networkHash checks — exactly the ordered rejects a Dispatcher must apply
// before it is safe to look at the payload. It does not touch the payload
// ciphertext or verify the signature: a forwarding relay stops here and
// never needs to go further (it must not decrypt payloads it forwards).
func DecodeHeader(networkKey [identity.NetworkKeySize]byte, raw []byte) (*Packet, error) {
	if len(raw) < prefixSize+nonceSize+headerTagSize+headerLenSize+payloadLenSize {
		return nil, ErrMalformed
	}
	if string(raw[:4]) != Magic {
		return nil, ErrBadMagic
	}
	if raw[4] != Version {
		return nil, ErrUnsupportedVersion
	}

	offset := prefixSize
	var nonce [nonceSize]byte
	copy(nonce[:], raw[offset:offset+nonceSize])
	offset += nonceSize

	var tag [headerTagSize]byte
	copy(tag[:], raw[offset:offset+headerTagSize])
	offset += headerTagSize

	hlen := int(binary.LittleEndian.Uint16(raw[offset : offset+headerLenSize]))
	offset += headerLenSize
	if len(raw) < offset+hlen+payloadLenSize {
		return nil, ErrMalformed
	}
	headerCipher := raw[offset : offset+hlen]
	offset += hlen

	headerKey := deriveHeaderKey(networkKey)
	headerPlain, err := openHeader(headerKey, nonce, tag, headerCipher)
	if err != nil {
		return nil, err
	}

	h, err := decodeHeaderFields(headerPlain)
	if err != nil {
		return nil, err
	}

	wantHash := identity.NetworkHash(networkKey)
	if subtle.ConstantTimeCompare(wantHash[:], h.NetworkHash[:]) != 1 {
		return nil, ErrWrongNetwork
	}

	plen := int(binary.BigEndian.Uint32(raw[offset : offset+payloadLenSize]))
	offset += payloadLenSize
	if len(raw) < offset+plen || plen < payloadTagSize {
		return nil, ErrMalformed
	}

	return &Packet{
		Header:  h,
		Nonce:   nonce,
		payload: raw[offset : offset+plen],
	}, nil
}

// DecodePayload decrypts and authenticates the packet's payload. Only the
// intended recipient (or the original sender, for loopback tests) should
// call this — a relay must never call it on a packet it is only forwarding.
func (p *Packet) DecodePayload(networkKey [identity.NetworkKeySize]byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(networkKey[:])
	if err != nil {
		return nil, fmt.Errorf("wireformat: init payload aead: %w", err)
	}
	payloadNonce := payloadNonceFrom(p.Nonce)
	plaintext, err := aead.Open(nil, payloadNonce[:], p.payload, nil)
	if err != nil {
		return nil, ErrPayloadAuthFail
	}
	return plaintext, nil
}

// RawPayload returns the still-encrypted payload bytes, for a relay that
// forwards the packet unchanged without ever decrypting it.
func (p *Packet) RawPayload() []byte {
	return p.payload
}

// ValidChannelName reports whether a channel name satisfies the wire
// format's constraint: 1-64 characters, alphanumeric plus '-' and '_'.
func ValidChannelName(name string) bool {
	if len(name) == 0 || len(name) > MaxChannelLen {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
