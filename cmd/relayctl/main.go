// Command relayctl is the companion CLI: pair with a relay, discover
// relays on the network, watch session state, and settle permission
// requests from the terminal.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/hookrelay/internal/discovery"
	"github.com/danmuck/hookrelay/internal/logging"
	"github.com/danmuck/hookrelay/internal/pairing"
	"github.com/danmuck/hookrelay/internal/relayclient"
)

const defaultService = "_hookrelay._tcp"

// target is the saved relay endpoint and credential.
type target struct {
	Addr   string `toml:"addr"`
	Socket string `toml:"socket"`
	Secret string `toml:"secret"`
}

func main() {
	logging.ConfigureRuntime()
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "pair":
		err = cmdPair(args[1:])
	case "discover":
		err = cmdDiscover(args[1:])
	case "subscribe":
		err = cmdSubscribe(args[1:])
	case "approve":
		err = cmdDecide(args[1:], true)
	case "deny":
		err = cmdDecide(args[1:], false)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "relayctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: relayctl <command> [flags]

commands:
  pair       obtain the shared secret via a code or proximity window
  discover   list relays advertised on the local network
  subscribe  stream session updates and permission requests
  approve    allow a pending permission request
  deny       reject a pending permission request`)
}

func targetPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "hookrelay", "target.toml")
}

func loadTarget() (target, error) {
	var t target
	data, err := os.ReadFile(targetPath())
	if err != nil {
		return t, fmt.Errorf("no saved target (run `relayctl pair` first): %w", err)
	}
	if err := toml.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("parse %s: %w", targetPath(), err)
	}
	return t, nil
}

func saveTarget(t target) error {
	path := targetPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	var b strings.Builder
	if err := toml.NewEncoder(&b).Encode(t); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return err
	}
	fmt.Println("saved target to", path)
	return nil
}

// cmdPair redeems a 6-digit code against a known address, or listens
// for an open proximity window when no code is given.
func cmdPair(args []string) error {
	fs := flag.NewFlagSet("pair", flag.ExitOnError)
	addr := fs.String("addr", "", "relay address (host:port)")
	code := fs.String("code", "", "6-digit pairing code")
	proximity := fs.Bool("proximity", false, "pair via an open proximity window")
	wait := fs.Duration("wait", 30*time.Second, "how long to search in proximity mode")
	_ = fs.Parse(args)

	if *proximity {
		ctx, cancel := context.WithTimeout(context.Background(), *wait)
		defer cancel()
		payload, err := pairing.DiscoverProximity(ctx)
		if err != nil {
			return err
		}
		host := payload.Host
		if host == "" {
			// The window host also runs the relay; reuse its address.
			host = "127.0.0.1"
		}
		return saveTarget(target{
			Addr:   net.JoinHostPort(host, fmt.Sprintf("%d", payload.Port)),
			Secret: payload.Secret,
		})
	}

	if *addr == "" || *code == "" {
		return fmt.Errorf("pair needs -addr and -code (or -proximity)")
	}
	conn, err := net.DialTimeout("tcp", *addr, 5*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := fmt.Fprintf(conn, "PAIR %s\n", *code); err != nil {
		return err
	}
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return err
	}
	line = strings.TrimSpace(line)
	secret, ok := strings.CutPrefix(line, "TOKEN ")
	if !ok {
		return fmt.Errorf("pairing rejected: %s", line)
	}
	return saveTarget(target{Addr: *addr, Secret: secret})
}

func cmdDiscover(args []string) error {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	service := fs.String("service", defaultService, "mDNS service type")
	wait := fs.Duration("wait", 3*time.Second, "browse duration")
	_ = fs.Parse(args)

	found, err := discovery.Browse(context.Background(), *service, *wait)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		fmt.Println("no relays found")
		return nil
	}
	for _, inst := range found {
		fmt.Printf("%s\t%s\n", inst.Name, inst.Addr)
	}
	return nil
}

func dialSubscribed(fs *flag.FlagSet, args []string) (*relayclient.Client, error) {
	socket := fs.String("socket", "", "connect via local unix socket")
	addr := fs.String("addr", "", "override relay address")
	_ = fs.Parse(args)

	opts := relayclient.Options{SocketPath: *socket, Addr: *addr}
	if opts.SocketPath == "" && opts.Addr == "" {
		t, err := loadTarget()
		if err != nil {
			return nil, err
		}
		opts = relayclient.Options{SocketPath: t.Socket, Addr: t.Addr, Token: t.Secret}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := relayclient.Dial(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := client.Subscribe(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func cmdSubscribe(args []string) error {
	fs := flag.NewFlagSet("subscribe", flag.ExitOnError)
	client, err := dialSubscribed(fs, args)
	if err != nil {
		return err
	}
	defer client.Close()

	enc := json.NewEncoder(os.Stdout)
	for push := range client.Pushes() {
		if err := enc.Encode(push); err != nil {
			return err
		}
	}
	return client.Err()
}

// cmdDecide sends an approve or deny for a pending permission and
// waits for the relay to confirm it settled.
func cmdDecide(args []string, allow bool) error {
	fs := flag.NewFlagSet("decide", flag.ExitOnError)
	session := fs.String("session", "", "target session id")
	toolUseID := fs.String("tool-use-id", "", "target tool use id")
	reason := fs.String("reason", "", "optional reason")
	client, err := dialSubscribed(fs, args)
	if err != nil {
		return err
	}
	defer client.Close()

	if *session == "" && *toolUseID == "" {
		return fmt.Errorf("decide needs -session or -tool-use-id")
	}
	if allow {
		err = client.Approve(*session, *toolUseID, *reason)
	} else {
		err = client.Deny(*session, *toolUseID, *reason)
	}
	if err != nil {
		return err
	}

	deadline := time.After(10 * time.Second)
	for {
		select {
		case push, ok := <-client.Pushes():
			if !ok {
				return client.Err()
			}
			if push.Type != "permissionResolved" {
				continue
			}
			var resolved struct {
				SessionID string `json:"sessionId"`
				ToolUseID string `json:"toolUseId"`
				Decision  string `json:"decision"`
			}
			if err := json.Unmarshal(push.Payload, &resolved); err != nil {
				continue
			}
			if (*toolUseID != "" && resolved.ToolUseID == *toolUseID) ||
				(*toolUseID == "" && resolved.SessionID == *session) {
				fmt.Printf("resolved %s %s\n", resolved.ToolUseID, resolved.Decision)
				return nil
			}
		case <-deadline:
			return fmt.Errorf("no confirmation received")
		}
	}
}
