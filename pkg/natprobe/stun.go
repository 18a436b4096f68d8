// Package natprobe classifies the local NAT using RFC 5389 STUN Binding
// Requests against two public servers. The result is advisory only: it
// biases hole-punch viability in pkg/endpoint but never prevents an
// attempt, per the mesh's hole-punch-first philosophy.
package natprobe

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/omertamesh/omertamesh/pkg/peerstore"
)

const (
	bindingRequest  = 0x0001
	bindingResponse = 0x0101
	magicCookie     = 0x2112A442
	headerSize      = 20

	attrMappedAddress    = 0x0001
	attrXORMappedAddress = 0x0020
)

var probeTracer = otel.Tracer("omertamesh.natprobe")

// DefaultServers mirrors well-known public STUN servers.
var DefaultServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

func buildBindingRequest() ([]byte, [12]byte) {
	req := make([]byte, headerSize)
	binary.BigEndian.PutUint16(req[0:2], bindingRequest)
	binary.BigEndian.PutUint16(req[2:4], 0)
	binary.BigEndian.PutUint32(req[4:8], magicCookie)
	var txnID [12]byte
	_, _ = rand.Read(txnID[:])
	copy(req[8:20], txnID[:])
	return req, txnID
}

func parseBindingResponse(data []byte, txnID [12]byte) (net.IP, int, error) {
	if len(data) < headerSize {
		return nil, 0, fmt.Errorf("stun response too short: %d bytes", len(data))
	}
	if msgType := binary.BigEndian.Uint16(data[0:2]); msgType != bindingResponse {
		return nil, 0, fmt.Errorf("unexpected stun message type 0x%04x", msgType)
	}
	if cookie := binary.BigEndian.Uint32(data[4:8]); cookie != magicCookie {
		return nil, 0, fmt.Errorf("invalid stun magic cookie 0x%08x", cookie)
	}
	var respTxnID [12]byte
	copy(respTxnID[:], data[8:20])
	if respTxnID != txnID {
		return nil, 0, fmt.Errorf("stun transaction id mismatch")
	}

	attrLen := binary.BigEndian.Uint16(data[2:4])
	if int(attrLen) > len(data)-headerSize {
		return nil, 0, fmt.Errorf("stun attribute length %d exceeds data", attrLen)
	}
	attrs := data[headerSize : headerSize+int(attrLen)]

	var mappedIP net.IP
	var mappedPort int
	for len(attrs) >= 4 {
		attrType := binary.BigEndian.Uint16(attrs[0:2])
		valLen := binary.BigEndian.Uint16(attrs[2:4])
		padLen := valLen
		if padLen%4 != 0 {
			padLen += 4 - padLen%4
		}
		if int(4+valLen) > len(attrs) {
			break
		}
		val := attrs[4 : 4+valLen]

		switch attrType {
		case attrXORMappedAddress:
			if ip, port, err := parseXORMappedAddress(val, txnID); err == nil {
				return ip, port, nil
			}
		case attrMappedAddress:
			if ip, port, err := parseMappedAddress(val); err == nil {
				mappedIP, mappedPort = ip, port
			}
		}
		attrs = attrs[4+padLen:]
	}

	if mappedIP != nil {
		return mappedIP, mappedPort, nil
	}
	return nil, 0, fmt.Errorf("stun response carries no mapped address")
}

func parseXORMappedAddress(val []byte, txnID [12]byte) (net.IP, int, error) {
	if len(val) < 4 {
		return nil, 0, fmt.Errorf("xor-mapped-address too short")
	}
	family := val[1]
	port := int(binary.BigEndian.Uint16(val[2:4]) ^ uint16(magicCookie>>16))

	switch family {
	case 0x01:
		if len(val) < 8 {
			return nil, 0, fmt.Errorf("xor-mapped-address ipv4 too short")
		}
		var cookieBytes [4]byte
		binary.BigEndian.PutUint32(cookieBytes[:], magicCookie)
		ip := make(net.IP, 4)
		for i := 0; i < 4; i++ {
			ip[i] = val[4+i] ^ cookieBytes[i]
		}
		return ip, port, nil
	case 0x02:
		if len(val) < 20 {
			return nil, 0, fmt.Errorf("xor-mapped-address ipv6 too short")
		}
		var xorKey [16]byte
		binary.BigEndian.PutUint32(xorKey[0:4], magicCookie)
		copy(xorKey[4:16], txnID[:])
		ip := make(net.IP, 16)
		for i := 0; i < 16; i++ {
			ip[i] = val[4+i] ^ xorKey[i]
		}
		return ip, port, nil
	default:
		return nil, 0, fmt.Errorf("unknown stun address family 0x%02x", family)
	}
}

func parseMappedAddress(val []byte) (net.IP, int, error) {
	if len(val) < 4 {
		return nil, 0, fmt.Errorf("mapped-address too short")
	}
	family := val[1]
	port := int(binary.BigEndian.Uint16(val[2:4]))

	switch family {
	case 0x01:
		if len(val) < 8 {
			return nil, 0, fmt.Errorf("mapped-address ipv4 too short")
		}
		ip := make(net.IP, 4)
		copy(ip, val[4:8])
		return ip, port, nil
	case 0x02:
		if len(val) < 20 {
			return nil, 0, fmt.Errorf("mapped-address ipv6 too short")
		}
		ip := make(net.IP, 16)
		copy(ip, val[4:20])
		return ip, port, nil
	default:
		return nil, 0, fmt.Errorf("unknown stun address family 0x%02x", family)
	}
}

func queryOnConn(conn *net.UDPConn, server string, timeout time.Duration) (net.IP, int, error) {
	raddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return nil, 0, fmt.Errorf("resolve stun server %q: %w", server, err)
	}

	req, txnID := buildBindingRequest()
	if _, err := conn.WriteToUDP(req, raddr); err != nil {
		return nil, 0, fmt.Errorf("send stun request to %s: %w", server, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 512)
	n, sender, err := conn.ReadFromUDP(buf)
	if err != nil {
		return nil, 0, fmt.Errorf("read stun response from %s: %w", server, err)
	}
	if sender == nil || !sender.IP.Equal(raddr.IP) {
		return nil, 0, fmt.Errorf("stun response from unexpected sender %v (expected %v)", sender, raddr)
	}
	return parseBindingResponse(buf[:n], txnID)
}

// Result is the outcome of one classification pass.
type Result struct {
	Type         peerstore.NATType
	ExternalIP   net.IP
	ExternalPort int
}

// Classify probes two STUN servers from a single local socket and
// classifies the local NAT into one of the six categories. Local port 0
// lets the kernel choose the source port. At most one of the two probes
// failing still yields NATUnknown with whatever mapping the other
// returned; both failing is an error.
func Classify(ctx context.Context, servers []string, localPort int, timeout time.Duration) (Result, error) {
	if len(servers) < 2 {
		servers = DefaultServers
	}
	_, span := probeTracer.Start(ctx, "natprobe.classify")
	defer span.End()

	var laddr *net.UDPAddr
	if localPort > 0 {
		laddr = &net.UDPAddr{Port: localPort}
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return Result{Type: peerstore.NATUnknown}, fmt.Errorf("bind udp socket for nat classification: %w", err)
	}
	defer conn.Close()

	ip1, port1, err1 := queryOnConn(conn, servers[0], timeout)
	ip2, port2, err2 := queryOnConn(conn, servers[1], timeout)

	if err1 != nil && err2 != nil {
		span.SetAttributes(attribute.String("nat.type", string(peerstore.NATUnknown)))
		return Result{Type: peerstore.NATUnknown}, fmt.Errorf("both stun probes failed: %v; %v", err1, err2)
	}
	if err1 != nil {
		res := Result{Type: peerstore.NATUnknown, ExternalIP: ip2, ExternalPort: port2}
		span.SetAttributes(attribute.String("nat.type", string(res.Type)))
		return res, nil
	}
	if err2 != nil {
		res := Result{Type: peerstore.NATUnknown, ExternalIP: ip1, ExternalPort: port1}
		span.SetAttributes(attribute.String("nat.type", string(res.Type)))
		return res, nil
	}

	natType := classifyFromMappings(conn.LocalAddr().(*net.UDPAddr), ip1, port1, ip2, port2)
	res := Result{Type: natType, ExternalIP: ip1, ExternalPort: port1}
	span.SetAttributes(
		attribute.String("nat.type", string(res.Type)),
		attribute.String("external.addr", fmt.Sprintf("%s:%d", ip1, port1)),
	)
	return res, nil
}

// classifyFromMappings is a best-effort heuristic: a two-server probe
// cannot fully separate full-cone / restricted-cone / port-restricted
// without filtering tests, so those three collapse to fullCone when the
// mapping is endpoint-independent. Symmetric is reliably detectable
// (different mappings per destination). Open is detected when the local
// socket's own address already equals the externally observed one.
func classifyFromMappings(local *net.UDPAddr, ip1 net.IP, port1 int, ip2 net.IP, port2 int) peerstore.NATType {
	if !ip1.Equal(ip2) || port1 != port2 {
		return peerstore.NATSymmetric
	}
	if local != nil && local.IP != nil && !local.IP.IsUnspecified() && local.IP.Equal(ip1) && local.Port == port1 {
		return peerstore.NATOpen
	}
	return peerstore.NATFullCone
}
