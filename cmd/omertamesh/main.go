// omertamesh is the CLI front-end for pkg/node.
//
// "join" runs a node in the foreground (bind socket, start every
// subsystem, serve the control socket) until interrupted. Every other
// subcommand is a thin control-socket client: it dials the already
// running node's socket and asks it to do something, the way wgmesh's
// "peers" subcommand talks to a running daemon over RPC.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/omertamesh/omertamesh/pkg/config"
	"github.com/omertamesh/omertamesh/pkg/control"
	"github.com/omertamesh/omertamesh/pkg/node"
)

var version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v", "version":
			fmt.Println("omertamesh " + version)
			return
		case "init":
			initCmd()
			return
		case "join":
			joinCmd()
			return
		case "status":
			statusCmd()
			return
		case "peers":
			peersCmd()
			return
		case "invite":
			inviteCmd()
			return
		case "leave":
			leaveCmd()
			return
		case "events":
			eventsCmd()
			return
		}
	}

	printUsage()
	os.Exit(1)
}

func printUsage() {
	fmt.Println(`omertamesh - end-to-end encrypted overlay mesh

SUBCOMMANDS:
  init                            Generate a new network key
  join --key <KEY> [options]      Start a node and run in the foreground
  status [--socket <path>]        Show the running node's status
  peers list                      List known peers
  peers count                     Show the number of known peers
  peers get <peerIdHex>           Show one peer's detail
  invite --peer <peerIdHex> --network-name <NAME>
                                  Negotiate a private cloister and share it
  leave --network-id <ID>         Leave the current network, generating a fresh one
  events                          Stream node events until interrupted

EXAMPLES:
  omertamesh init
  omertamesh join --key "omertamesh://v1/K7x2..."
  omertamesh status
  omertamesh peers list
  omertamesh invite --peer ab12ef.. --network-name "project-x"`)
}

// initCmd generates a fresh network key and prints it as a shareable URI.
func initCmd() {
	key, err := config.GenerateEncryptionKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate key: %v\n", err)
		os.Exit(1)
	}
	uri := config.FormatKeyURI(key)

	fmt.Println("Generated network key:")
	fmt.Println()
	fmt.Println(uri)
	fmt.Println()
	fmt.Println("Share this key with every node that should join the network.")
	fmt.Printf("Run: omertamesh join --key %q\n", uri)
}

// joinCmd builds a node from flags and runs it until SIGINT/SIGTERM.
func joinCmd() {
	fs := flag.NewFlagSet("join", flag.ExitOnError)
	key := fs.String("key", "", "Network key (raw, hex, base64, or an omertamesh:// URI)")
	storageDir := fs.String("storage-dir", config.DefaultStorageDirectory, "Directory for identity and state")
	port := fs.Int("port", config.DefaultPort, "UDP listen port (0 = OS-assigned)")
	canRelay := fs.Bool("can-relay", false, "Offer to relay traffic for peers behind symmetric NATs")
	introducer := fs.Bool("introducer", false, "Allow this node to coordinate hole punches for others")
	forceRelay := fs.Bool("force-relay", false, "Always use a relay path, skip hole punching")
	bootstrapDHT := fs.Bool("bootstrap-dht", false, "Discover peers via a public DHT in addition to gossip")
	bootstrapPeers := fs.String("bootstrap-peers", "", "Comma-separated peerIdHex@host:port seeds")
	logLevel := fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	fs.Parse(os.Args[2:])

	resolvedKey, err := resolveNetworkKey(*key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var peers []string
	if *bootstrapPeers != "" {
		peers = strings.Split(*bootstrapPeers, ",")
		for i, p := range peers {
			peers[i] = strings.TrimSpace(p)
		}
	}

	cfg, err := config.New(config.Options{
		EncryptionKey:      resolvedKey,
		StorageDirectory:   *storageDir,
		Port:               *port,
		CanRelay:           *canRelay,
		CanCoordinateHolePunch: *introducer,
		ForceRelayOnly:     *forceRelay,
		EnableBootstrapDHT: *bootstrapDHT,
		BootstrapPeers:     peers,
		LogLevel:           *logLevel,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build config: %v\n", err)
		os.Exit(1)
	}

	n, err := node.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to construct node: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := n.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start node: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("omertamesh running: network=%s socket=%s\n", cfg.NetworkID, control.FormatSocketPath(control.SocketPath()))
	fmt.Println("Press Ctrl-C to stop.")

	<-ctx.Done()
	fmt.Println("Shutting down...")
	if err := n.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		os.Exit(1)
	}
}

// resolveNetworkKey returns flag, then OMERTAMESH_KEY, then a masked
// terminal prompt (since a network key is as sensitive as the secrets
// the teacher's encrypt flow password-prompts for).
func resolveNetworkKey(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env := os.Getenv("OMERTAMESH_KEY"); env != "" {
		return env, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("--key is required (or set OMERTAMESH_KEY)")
	}
	fmt.Fprint(os.Stderr, "Enter network key: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read network key: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func dialControl() *control.Client {
	socketPath := os.Getenv("OMERTAMESH_SOCKET")
	if socketPath == "" {
		socketPath = control.SocketPath()
	}
	client, err := control.Dial(socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to node: %v\n", err)
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Is omertamesh running?")
		fmt.Fprintln(os.Stderr, "  Start with: omertamesh join --key <KEY>")
		fmt.Fprintf(os.Stderr, "  Socket path: %s\n", socketPath)
		os.Exit(1)
	}
	return client
}

func statusCmd() {
	client := dialControl()
	defer client.Close()

	result, err := client.Call("status", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "RPC error: %v\n", err)
		os.Exit(1)
	}
	m, ok := result.(map[string]interface{})
	if !ok {
		fmt.Fprintln(os.Stderr, "Invalid response format")
		os.Exit(1)
	}

	fmt.Println("Node Status")
	fmt.Println("===========")
	fmt.Printf("Peer ID:     %s\n", asString(m["peerId"]))
	fmt.Printf("Network ID:  %s\n", asString(m["networkId"]))
	fmt.Printf("Version:     %s\n", asString(m["version"]))
	fmt.Printf("Peer count:  %d\n", int(asFloat(m["peerCount"])))
	fmt.Printf("Uptime:      %s\n", formatDuration(time.Duration(asFloat(m["uptimeMs"]))*time.Millisecond))
}

func peersCmd() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: omertamesh peers <list|count|get>")
		os.Exit(1)
	}
	action := os.Args[2]

	client := dialControl()
	defer client.Close()

	switch action {
	case "list":
		peersListCmd(client)
	case "count":
		peersCountCmd(client)
	case "get":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: omertamesh peers get <peerIdHex>")
			os.Exit(1)
		}
		peersGetCmd(client, os.Args[3])
	default:
		fmt.Fprintf(os.Stderr, "Unknown action: %s\n", action)
		os.Exit(1)
	}
}

func peersListCmd(client *control.Client) {
	result, err := client.Call("knownPeersWithInfo", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "RPC error: %v\n", err)
		os.Exit(1)
	}
	m, ok := result.(map[string]interface{})
	if !ok {
		fmt.Fprintln(os.Stderr, "Invalid response format")
		os.Exit(1)
	}
	peers, _ := m["peers"].([]interface{})
	if len(peers) == 0 {
		fmt.Println("No known peers")
		return
	}

	fmt.Printf("%-40s %-20s %-10s %-12s %s\n", "PEER ID", "NAT TYPE", "RELIABIL.", "LAST CONTACT", "ENDPOINTS")
	fmt.Println(strings.Repeat("-", 110))
	for _, raw := range peers {
		p, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		peerID := asString(p["peerId"])
		if len(peerID) > 40 {
			peerID = peerID[:37] + "..."
		}
		var endpoints []string
		if eps, ok := p["endpoints"].([]interface{}); ok {
			for _, e := range eps {
				if s, ok := e.(string); ok {
					endpoints = append(endpoints, s)
				}
			}
		}
		lastContact := asString(p["lastContact"])
		if lastContact == "" {
			lastContact = "never"
		} else if t, err := time.Parse(time.RFC3339, lastContact); err == nil {
			lastContact = formatDuration(time.Since(t)) + " ago"
		}
		fmt.Printf("%-40s %-20s %-10d %-12s %s\n",
			peerID, asString(p["natType"]), int64(asFloat(p["reliability"])), lastContact, strings.Join(endpoints, ","))
	}
}

func peersCountCmd(client *control.Client) {
	result, err := client.Call("knownPeers", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "RPC error: %v\n", err)
		os.Exit(1)
	}
	m, ok := result.(map[string]interface{})
	if !ok {
		fmt.Fprintln(os.Stderr, "Invalid response format")
		os.Exit(1)
	}
	peers, _ := m["peers"].([]interface{})
	fmt.Printf("Known peers: %d\n", len(peers))
}

func peersGetCmd(client *control.Client, peerIDHex string) {
	if _, err := hex.DecodeString(peerIDHex); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid peer ID: %v\n", err)
		os.Exit(1)
	}

	result, err := client.Call("knownPeersWithInfo", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "RPC error: %v\n", err)
		os.Exit(1)
	}
	m, ok := result.(map[string]interface{})
	if !ok {
		fmt.Fprintln(os.Stderr, "Invalid response format")
		os.Exit(1)
	}
	peers, _ := m["peers"].([]interface{})
	for _, raw := range peers {
		p, ok := raw.(map[string]interface{})
		if !ok || asString(p["peerId"]) != peerIDHex {
			continue
		}
		fmt.Printf("Peer ID:      %s\n", asString(p["peerId"]))
		fmt.Printf("NAT Type:     %s\n", asString(p["natType"]))
		fmt.Printf("Reliability:  %d\n", int64(asFloat(p["reliability"])))
		fmt.Printf("Last Contact: %s\n", asString(p["lastContact"]))
		if eps, ok := p["endpoints"].([]interface{}); ok {
			fmt.Println("Endpoints:")
			for _, e := range eps {
				if s, ok := e.(string); ok {
					fmt.Printf("  %s\n", s)
				}
			}
		}
		return
	}
	fmt.Fprintf(os.Stderr, "Peer not found: %s\n", peerIDHex)
	os.Exit(1)
}

func inviteCmd() {
	fs := flag.NewFlagSet("invite", flag.ExitOnError)
	peerHex := fs.String("peer", "", "Peer ID (hex) to invite (required)")
	networkName := fs.String("network-name", "", "Human-readable name for the new cloister")
	fs.Parse(os.Args[2:])

	if *peerHex == "" {
		fmt.Fprintln(os.Stderr, "Error: --peer is required")
		os.Exit(1)
	}

	client := dialControl()
	defer client.Close()

	result, err := client.Call("negotiateCloister", map[string]interface{}{
		"peerId":      *peerHex,
		"networkName": *networkName,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "RPC error: %v\n", err)
		os.Exit(1)
	}
	m, ok := result.(map[string]interface{})
	if !ok {
		fmt.Fprintln(os.Stderr, "Invalid response format")
		os.Exit(1)
	}

	fmt.Println("Cloister negotiated and invite shared.")
	fmt.Printf("Network ID:   %s\n", asString(m["networkId"]))
	fmt.Printf("Shared With:  %s\n", asString(m["sharedWith"]))
}

func leaveCmd() {
	fs := flag.NewFlagSet("leave", flag.ExitOnError)
	networkID := fs.String("network-id", "", "Network ID to leave (required, must match the current one)")
	fs.Parse(os.Args[2:])

	if *networkID == "" {
		fmt.Fprintln(os.Stderr, "Error: --network-id is required")
		os.Exit(1)
	}

	client := dialControl()
	defer client.Close()

	if _, err := client.Call("leaveNetwork", map[string]interface{}{"networkId": *networkID}); err != nil {
		fmt.Fprintf(os.Stderr, "RPC error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Left network. A fresh, unjoined network key was generated.")
}

func eventsCmd() {
	client := dialControl()
	defer client.Close()

	if _, err := client.Call("events", nil); err != nil {
		fmt.Fprintf(os.Stderr, "RPC error: %v\n", err)
		os.Exit(1)
	}

	stream, err := client.Stream()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open event stream: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Streaming events, Ctrl-C to stop...")
	for n := range stream {
		p, ok := n.Params.(map[string]interface{})
		if !ok {
			continue
		}
		line := fmt.Sprintf("[%s] %s", asString(p["kind"]), asString(p["detail"]))
		if peerID := asString(p["peerId"]); peerID != "" {
			line += " peer=" + peerID
		}
		if errStr := asString(p["err"]); errStr != "" {
			line += " err=" + errStr
		}
		fmt.Println(line)
	}
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return strconv.Itoa(int(d.Seconds())) + "s"
	case d < time.Hour:
		return strconv.Itoa(int(d.Minutes())) + "m"
	case d < 24*time.Hour:
		return strconv.Itoa(int(d.Hours())) + "h"
	default:
		return strconv.Itoa(int(d.Hours()/24)) + "d"
	}
}
