package control

import (
	"bufio"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// EventRecord is the backend-agnostic shape a node's event stream is
// converted to before crossing into this package, so control never has
// to import pkg/events.
type EventRecord struct {
	Kind   string
	PeerID string
	Detail string
	Err    string
}

// ChannelMessage is one inbound message delivered to an onChannel
// subscription.
type ChannelMessage struct {
	FromID  string
	Payload []byte
}

// ServerConfig configures the control server with callback functions,
// one per public API method. A nil callback answers with
// ErrCodeInternalError, so a partially-wired backend (e.g. in tests)
// degrades gracefully instead of panicking.
type ServerConfig struct {
	SocketPath string
	Version    string

	Send               func(to []byte, channel string, payload []byte, deadline time.Duration) error
	Ping               func(peerID []byte, lightweight bool) (PingResult, error)
	KnownPeers         func() []string
	KnownPeersWithInfo func() []PeerInfo
	NegotiateCloister  func(peerID []byte, networkName string) (CloisterResult, error)
	ShareInvite        func(networkKey []byte, peerID []byte) error
	JoinNetwork        func(keyOrInvite string) (JoinResult, error)
	LeaveNetwork       func(networkID string) error
	Status             func() StatusResult
	SubscribeEvents    func() (<-chan EventRecord, func())
	SubscribeChannel   func(name string) (<-chan ChannelMessage, func(), error)
}

// Server implements the control-socket JSON-RPC service.
type Server struct {
	cfg      ServerConfig
	listener net.Listener
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewServer prepares a control server bound to cfg.SocketPath. It does
// not start listening until Start is called.
func NewServer(cfg ServerConfig) (*Server, error) {
	if _, err := os.Stat(cfg.SocketPath); err == nil {
		if err := os.Remove(cfg.SocketPath); err != nil {
			return nil, fmt.Errorf("control: remove existing socket: %w", err)
		}
	}
	dir := filepath.Dir(cfg.SocketPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("control: create socket directory: %w", err)
	}
	return &Server{cfg: cfg, stopCh: make(chan struct{})}, nil
}

// Start begins accepting connections in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("control: listen on socket: %w", err)
	}
	s.listener = listener

	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		s.listener.Close()
		return fmt.Errorf("control: set socket permissions: %w", err)
	}

	log.Printf("[Control] listening on %s", s.cfg.SocketPath)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				log.Printf("[Control] accept error: %v", err)
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// connState tracks the active subscriptions opened on one connection so
// offChannel/unsubscribe can cancel the right one, and so handleConnection
// can cancel all of them when the connection closes.
type connState struct {
	writeMu sync.Mutex
	writer  *bufio.Writer

	subMu sync.Mutex
	subs  map[string]func()
}

func (c *connState) writeResponse(resp *Response) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeLine(c.writer, resp)
}

func (c *connState) writeNotification(n *Notification) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeLine(c.writer, n)
}

func writeLine(w *bufio.Writer, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[Control] encode error: %v", err)
		return
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		log.Printf("[Control] write error: %v", err)
		return
	}
	if err := w.Flush(); err != nil {
		log.Printf("[Control] flush error: %v", err)
	}
}

func (c *connState) addSub(key string, cancel func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subs[key] = cancel
}

func (c *connState) cancelSub(key string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	cancel, ok := c.subs[key]
	if !ok {
		return false
	}
	delete(c.subs, key)
	cancel()
	return true
}

func (c *connState) cancelAll() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for k, cancel := range c.subs {
		cancel()
		delete(c.subs, k)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	cs := &connState{
		writer: bufio.NewWriter(conn),
		subs:   make(map[string]func()),
	}
	defer cs.cancelAll()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			cs.writeResponse(&Response{
				JSONRPC: "2.0",
				Error:   &Error{Code: ErrCodeParseError, Message: fmt.Sprintf("parse error: %v", err)},
			})
			continue
		}

		resp := s.handleRequest(cs, &req)
		if resp != nil {
			cs.writeResponse(resp)
		}
	}

	if err := scanner.Err(); err != nil {
		log.Printf("[Control] connection error: %v", err)
	}
}

func (s *Server) handleRequest(cs *connState, req *Request) *Response {
	resp := &Response{JSONRPC: "2.0", ID: req.ID}

	if req.JSONRPC != "2.0" {
		resp.Error = &Error{Code: ErrCodeInvalidRequest, Message: "invalid jsonrpc version, must be 2.0"}
		return resp
	}

	switch req.Method {
	case "send":
		result, rpcErr := s.handleSend(req.Params)
		resp.Result, resp.Error = result, rpcErr
	case "ping":
		result, rpcErr := s.handlePing(req.Params)
		resp.Result, resp.Error = result, rpcErr
	case "knownPeers":
		resp.Result, resp.Error = s.handleKnownPeers()
	case "knownPeersWithInfo":
		resp.Result, resp.Error = s.handleKnownPeersWithInfo()
	case "negotiateCloister":
		result, rpcErr := s.handleNegotiateCloister(req.Params)
		resp.Result, resp.Error = result, rpcErr
	case "shareInvite":
		resp.Error = s.handleShareInvite(req.Params)
	case "joinNetwork":
		result, rpcErr := s.handleJoinNetwork(req.Params)
		resp.Result, resp.Error = result, rpcErr
	case "leaveNetwork":
		resp.Error = s.handleLeaveNetwork(req.Params)
	case "status":
		resp.Result, resp.Error = s.handleStatus()
	case "events":
		resp.Result, resp.Error = s.handleSubscribeEvents(cs)
	case "onChannel":
		resp.Result, resp.Error = s.handleOnChannel(cs, req.Params)
	case "offChannel":
		resp.Result, resp.Error = s.handleOffChannel(cs, req.Params)
	default:
		resp.Error = &Error{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}

	return resp
}

func notImplemented(method string) *Error {
	return &Error{Code: ErrCodeInternalError, Message: fmt.Sprintf("control: %s not wired", method)}
}

func (s *Server) handleSend(params map[string]interface{}) (interface{}, *Error) {
	if s.cfg.Send == nil {
		return nil, notImplemented("send")
	}
	to, err := decodeHexParam(params, "to")
	if err != nil {
		return nil, err
	}
	channel, _ := params["channel"].(string)
	payloadB64, _ := params["payload"].(string)
	payload, decErr := base64.StdEncoding.DecodeString(payloadB64)
	if decErr != nil {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: "invalid 'payload', must be base64"}
	}
	deadlineMs, _ := params["deadlineMs"].(float64)
	deadline := time.Duration(deadlineMs) * time.Millisecond

	if err := s.cfg.Send(to, channel, payload, deadline); err != nil {
		return nil, &Error{Code: ErrCodeInternalError, Message: err.Error()}
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) handlePing(params map[string]interface{}) (*PingResult, *Error) {
	if s.cfg.Ping == nil {
		return nil, notImplemented("ping")
	}
	peerID, err := decodeHexParam(params, "peerId")
	if err != nil {
		return nil, err
	}
	lightweight, _ := params["lightweight"].(bool)

	result, pingErr := s.cfg.Ping(peerID, lightweight)
	if pingErr != nil {
		return nil, &Error{Code: ErrCodeInternalError, Message: pingErr.Error()}
	}
	return &result, nil
}

func (s *Server) handleKnownPeers() (*PeersResult, *Error) {
	if s.cfg.KnownPeers == nil {
		return nil, notImplemented("knownPeers")
	}
	ids := s.cfg.KnownPeers()
	peers := make([]PeerSummary, 0, len(ids))
	for _, id := range ids {
		peers = append(peers, PeerSummary{PeerID: id})
	}
	return &PeersResult{Peers: peers}, nil
}

// PeersResult wraps knownPeers() results.
type PeersResult struct {
	Peers []PeerSummary `json:"peers"`
}

// PeersInfoResult wraps knownPeersWithInfo() results.
type PeersInfoResult struct {
	Peers []PeerInfo `json:"peers"`
}

func (s *Server) handleKnownPeersWithInfo() (*PeersInfoResult, *Error) {
	if s.cfg.KnownPeersWithInfo == nil {
		return nil, notImplemented("knownPeersWithInfo")
	}
	return &PeersInfoResult{Peers: s.cfg.KnownPeersWithInfo()}, nil
}

func (s *Server) handleNegotiateCloister(params map[string]interface{}) (*CloisterResult, *Error) {
	if s.cfg.NegotiateCloister == nil {
		return nil, notImplemented("negotiateCloister")
	}
	peerID, err := decodeHexParam(params, "peerId")
	if err != nil {
		return nil, err
	}
	name, _ := params["networkName"].(string)

	result, negErr := s.cfg.NegotiateCloister(peerID, name)
	if negErr != nil {
		return nil, &Error{Code: ErrCodeInternalError, Message: negErr.Error()}
	}
	return &result, nil
}

func (s *Server) handleShareInvite(params map[string]interface{}) *Error {
	if s.cfg.ShareInvite == nil {
		return notImplemented("shareInvite")
	}
	networkKey, err := decodeHexParam(params, "networkKey")
	if err != nil {
		return err
	}
	peerID, err := decodeHexParam(params, "peerId")
	if err != nil {
		return err
	}
	if shareErr := s.cfg.ShareInvite(networkKey, peerID); shareErr != nil {
		return &Error{Code: ErrCodeInternalError, Message: shareErr.Error()}
	}
	return nil
}

func (s *Server) handleJoinNetwork(params map[string]interface{}) (*JoinResult, *Error) {
	if s.cfg.JoinNetwork == nil {
		return nil, notImplemented("joinNetwork")
	}
	keyOrInvite, _ := params["keyOrInvite"].(string)
	if keyOrInvite == "" {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: "missing 'keyOrInvite'"}
	}
	result, joinErr := s.cfg.JoinNetwork(keyOrInvite)
	if joinErr != nil {
		return nil, &Error{Code: ErrCodeInternalError, Message: joinErr.Error()}
	}
	return &result, nil
}

func (s *Server) handleLeaveNetwork(params map[string]interface{}) *Error {
	if s.cfg.LeaveNetwork == nil {
		return notImplemented("leaveNetwork")
	}
	networkID, _ := params["networkId"].(string)
	if networkID == "" {
		return &Error{Code: ErrCodeInvalidParams, Message: "missing 'networkId'"}
	}
	if err := s.cfg.LeaveNetwork(networkID); err != nil {
		return &Error{Code: ErrCodeInternalError, Message: err.Error()}
	}
	return nil
}

func (s *Server) handleStatus() (*StatusResult, *Error) {
	if s.cfg.Status == nil {
		return nil, notImplemented("status")
	}
	result := s.cfg.Status()
	return &result, nil
}

func (s *Server) handleSubscribeEvents(cs *connState) (interface{}, *Error) {
	if s.cfg.SubscribeEvents == nil {
		return nil, notImplemented("events")
	}
	const key = "events"
	cs.cancelSub(key) // re-subscribing replaces the old stream rather than stacking another

	ch, cancel := s.cfg.SubscribeEvents()
	done := make(chan struct{})
	cs.addSub(key, func() {
		cancel()
		close(done)
	})

	go func() {
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				cs.writeNotification(&Notification{
					JSONRPC: "2.0",
					Method:  "event",
					Params: EventParams{
						Kind:   ev.Kind,
						PeerID: ev.PeerID,
						Detail: ev.Detail,
						Err:    ev.Err,
					},
				})
			case <-done:
				return
			}
		}
	}()

	return map[string]bool{"subscribed": true}, nil
}

func (s *Server) handleOnChannel(cs *connState, params map[string]interface{}) (interface{}, *Error) {
	if s.cfg.SubscribeChannel == nil {
		return nil, notImplemented("onChannel")
	}
	name, _ := params["name"].(string)
	if name == "" {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: "missing 'name'"}
	}

	key := "channel:" + name
	cs.cancelSub(key)

	ch, cancel, err := s.cfg.SubscribeChannel(name)
	if err != nil {
		return nil, &Error{Code: ErrCodeInternalError, Message: err.Error()}
	}

	done := make(chan struct{})
	cs.addSub(key, func() {
		cancel()
		close(done)
	})

	go func() {
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				cs.writeNotification(&Notification{
					JSONRPC: "2.0",
					Method:  "channel.message",
					Params: ChannelMessageParams{
						Channel: name,
						FromID:  msg.FromID,
						Payload: base64.StdEncoding.EncodeToString(msg.Payload),
					},
				})
			case <-done:
				return
			}
		}
	}()

	return map[string]bool{"subscribed": true}, nil
}

func (s *Server) handleOffChannel(cs *connState, params map[string]interface{}) (interface{}, *Error) {
	name, _ := params["name"].(string)
	if name == "" {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: "missing 'name'"}
	}
	cs.cancelSub("channel:" + name)
	return map[string]bool{"ok": true}, nil
}

func decodeHexParam(params map[string]interface{}, key string) ([]byte, *Error) {
	raw, _ := params[key].(string)
	if raw == "" {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: fmt.Sprintf("missing '%s'", key)}
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: fmt.Sprintf("invalid '%s': %v", key, err)}
	}
	return decoded, nil
}

// Stop shuts down the listener, waits for in-flight connections, and
// removes the socket file.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("control: remove socket: %w", err)
	}
	log.Printf("[Control] stopped")
	return nil
}

// SocketPath determines where the control socket should live: an
// explicit override, then /var/run if writable, then XDG_RUNTIME_DIR,
// then /tmp.
func SocketPath() string {
	if path := os.Getenv("OMERTAMESH_SOCKET"); path != "" {
		return path
	}
	if isWritable("/var/run") {
		return "/var/run/omertamesh.sock"
	}
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "omertamesh.sock")
	}
	return "/tmp/omertamesh.sock"
}

func isWritable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	testFile := filepath.Join(path, ".omertamesh-test")
	f, err := os.Create(testFile)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(testFile)
	return true
}

// FormatSocketPath shortens the home directory in path for display.
func FormatSocketPath(path string) string {
	home, err := os.UserHomeDir()
	if err == nil && strings.HasPrefix(path, home) {
		return "~" + strings.TrimPrefix(path, home)
	}
	return path
}
