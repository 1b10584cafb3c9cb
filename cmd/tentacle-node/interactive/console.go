// Package interactive provides the interactive console for tentacle-node.
package interactive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/armon/go-metrics"
	"github.com/chzyer/readline"

	"github.com/tentacle-p2p/tentacle-go/pkg/discovery"
	"github.com/tentacle-p2p/tentacle-go/pkg/protocols/ping"
	"github.com/tentacle-p2p/tentacle-go/pkg/secio"
	"github.com/tentacle-p2p/tentacle-go/pkg/service"
)

// BootnodeStatus is the redial state of one bootnode.
type BootnodeStatus struct {
	Target    string
	State     string
	Attempts  int
	LastError error
}

// Node is what the console drives.
type Node interface {
	LocalPeer() secio.PeerID
	ListenAddr() string
	Sessions() []*service.Session
	Peers() []discovery.Peer
	PingStat(peer secio.PeerID) (ping.Stat, bool)
	Bootnodes() []BootnodeStatus
	Dial(ctx context.Context, target string) (*service.Session, error)
	Disconnect(id uint64) error
	Chat(target service.TargetSession, text string) error
}

// Console handles interactive mode.
type Console struct {
	node Node
	inm  *metrics.InmemSink
	rl   *readline.Instance
	out  io.Writer
}

// New creates the console. Call Attach before Run.
func New() (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "tentacle> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Console{rl: rl, out: rl.Stdout()}, nil
}

// Attach connects the console to a running node.
func (c *Console) Attach(node Node, inm *metrics.InmemSink) {
	c.node = node
	c.inm = inm
}

// Stdout returns a writer that coordinates with the readline input.
func (c *Console) Stdout() io.Writer {
	return c.rl.Stdout()
}

// Stderr returns a writer that coordinates with the readline input.
func (c *Console) Stderr() io.Writer {
	return c.rl.Stderr()
}

// Run starts the command loop; cancel is called on quit.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()

	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}

		if !c.Exec(ctx, line) {
			cancel()
			return
		}
	}
}

// Exec runs one command line. It returns false when the console should
// exit.
func (c *Console) Exec(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()
	case "info":
		c.cmdInfo()
	case "sessions", "s":
		c.cmdSessions()
	case "peers", "p":
		c.cmdPeers()
	case "bootnodes", "b":
		c.cmdBootnodes()
	case "dial", "d":
		c.cmdDial(ctx, args)
	case "disconnect", "kick":
		c.cmdDisconnect(args)
	case "send":
		c.cmdSend(args)
	case "metrics", "m":
		c.cmdMetrics()
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Exiting...")
		return false
	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `
Tentacle Node Commands:
  info                    - Show local identity and listen address
  sessions                - List sessions with traffic and ping RTT
  peers                   - List peers discovered over mDNS
  bootnodes               - Show bootnode redial state
  dial <[peer@]host:port> - Open a session
  disconnect <session>    - Close a session
  send <all|id,id> <text> - Send a chat line
  metrics                 - Show the latest metrics interval
  quit                    - Exit`)
}

func (c *Console) cmdInfo() {
	fmt.Fprintf(c.out, "Peer:   %s\n", c.node.LocalPeer())
	addr := c.node.ListenAddr()
	if addr == "" {
		addr = "(not listening)"
	}
	fmt.Fprintf(c.out, "Listen: %s\n", addr)
}

func (c *Console) cmdSessions() {
	sessions := c.node.Sessions()
	if len(sessions) == 0 {
		fmt.Fprintln(c.out, "No sessions")
		return
	}
	for _, s := range sessions {
		st := s.Stats()
		rtt := "-"
		if ps, ok := c.node.PingStat(s.RemotePeer()); ok && ps.Received > 0 {
			rtt = ps.RTT.Round(time.Microsecond).String()
		}
		fmt.Fprintf(c.out, "  %-4d %s %-8s %-21s %s streams=%d protocols=%d sent=%d recv=%d rtt=%s up=%s\n",
			s.ID(), s.RemotePeer().Short(), s.Direction(), s.RemoteAddr(), s.Cipher(),
			st.Streams, st.Protocols, st.BytesSent, st.BytesReceived, rtt,
			time.Since(st.Established).Round(time.Second))
	}
}

func (c *Console) cmdPeers() {
	peers := c.node.Peers()
	if len(peers) == 0 {
		fmt.Fprintln(c.out, "No peers discovered")
		return
	}
	for _, p := range peers {
		fmt.Fprintf(c.out, "  %s %s %v protocols=%s seen=%s\n",
			p.PeerID.Short(), p.Instance, p.DialAddresses(), strings.Join(p.Protocols, ","),
			p.LastSeen.Format(time.TimeOnly))
	}
}

func (c *Console) cmdBootnodes() {
	nodes := c.node.Bootnodes()
	if len(nodes) == 0 {
		fmt.Fprintln(c.out, "No bootnodes")
		return
	}
	for _, b := range nodes {
		fmt.Fprintf(c.out, "  %s %s attempts=%d", b.Target, b.State, b.Attempts)
		if b.LastError != nil {
			fmt.Fprintf(c.out, " error=%v", b.LastError)
		}
		fmt.Fprintln(c.out)
	}
}

func (c *Console) cmdDial(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "Usage: dial <[peer@]host:port>")
		return
	}
	dctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	sess, err := c.node.Dial(dctx, args[0])
	if err != nil {
		fmt.Fprintf(c.out, "Dial failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Session %d established with %s\n", sess.ID(), sess.RemotePeer().Short())
}

func (c *Console) cmdDisconnect(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "Usage: disconnect <session>")
		return
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(c.out, "Invalid session id: %s\n", args[0])
		return
	}
	if err := c.node.Disconnect(id); err != nil {
		fmt.Fprintf(c.out, "Disconnect failed: %v\n", err)
	}
}

func (c *Console) cmdSend(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(c.out, "Usage: send <all|id,id> <text>")
		return
	}
	target, err := ParseTarget(args[0])
	if err != nil {
		fmt.Fprintf(c.out, "%v\n", err)
		return
	}
	if err := c.node.Chat(target, strings.Join(args[1:], " ")); err != nil {
		fmt.Fprintf(c.out, "Send failed: %v\n", err)
	}
}

func (c *Console) cmdMetrics() {
	if c.inm == nil {
		fmt.Fprintln(c.out, "Metrics disabled")
		return
	}
	data := c.inm.Data()
	if len(data) == 0 {
		fmt.Fprintln(c.out, "No metrics yet")
		return
	}
	for _, line := range FormatInterval(data[len(data)-1]) {
		fmt.Fprintln(c.out, line)
	}
}

// ParseTarget parses "all" or a comma-separated list of session ids.
func ParseTarget(s string) (service.TargetSession, error) {
	if s == "all" {
		return service.TargetAll(), nil
	}
	var ids []uint64
	for part := range strings.SplitSeq(s, ",") {
		id, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return service.TargetSession{}, fmt.Errorf("invalid session id: %q", part)
		}
		ids = append(ids, id)
	}
	if len(ids) == 1 {
		return service.TargetSingle(ids[0]), nil
	}
	return service.TargetMulti(ids...), nil
}

// FormatInterval renders one metrics interval sorted by kind and name.
func FormatInterval(m *metrics.IntervalMetrics) []string {
	var lines []string
	for name, g := range m.Gauges {
		lines = append(lines, fmt.Sprintf("  [G] %s = %.0f", name, g.Value))
	}
	for name, v := range m.Counters {
		lines = append(lines, fmt.Sprintf("  [C] %s count=%d sum=%.0f", name, v.Count, v.Sum))
	}
	for name, v := range m.Samples {
		mean := 0.0
		if v.Count > 0 {
			mean = v.Sum / float64(v.Count)
		}
		lines = append(lines, fmt.Sprintf("  [S] %s count=%d mean=%.2f max=%.2f", name, v.Count, mean, v.Max))
	}
	slices.Sort(lines)
	return lines
}
