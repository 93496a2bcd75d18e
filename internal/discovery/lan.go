package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// lanMessage is the discovery datagram format.
type lanMessage struct {
	Type   string `json:"type"`   // "ping" or "pong"
	ID     string `json:"id"`     // sender's hex peer id
	Listen string `json:"listen"` // TCP listen address, e.g. ":3001" or "192.168.1.10:3001"
	Nick   string `json:"nick,omitempty"`
}

// StartResponder listens for discovery pings and replies with a pong
// carrying this node's identity and listen address. It runs until stop
// is closed.
func StartResponder(stop <-chan struct{}, cfg Config, selfID, listenAddr, nick string) error {
	cfg.fill()

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var ctrlErr error
			if network == "udp4" || network == "udp" {
				ctrlErr = c.Control(func(fd uintptr) {
					// Several nodes on one host must share the port.
					_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
					// SO_REUSEPORT is not available everywhere; failing is fine.
					_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				})
			}
			return ctrlErr
		},
	}

	conn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("lan responder listen: %w", err)
	}

	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return fmt.Errorf("lan responder: not a UDPConn")
	}

	go func() {
		defer udpConn.Close()

		buf := make([]byte, 1024)

		for {
			select {
			case <-stop:
				return
			default:
			}

			_ = udpConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))

			n, addr, err := udpConn.ReadFromUDP(buf)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				continue
			}

			var msg lanMessage
			if err := json.Unmarshal(buf[:n], &msg); err != nil {
				continue
			}
			if msg.Type != "ping" || msg.ID == selfID {
				continue
			}

			resp := lanMessage{
				Type:   "pong",
				ID:     selfID,
				Listen: listenPortOnly(listenAddr),
				Nick:   nick,
			}
			data, _ := json.Marshal(resp)
			_, _ = udpConn.WriteToUDP(data, addr)
		}
	}()

	return nil
}

// Probe broadcasts a ping and returns the peers that answered within
// cfg.Timeout. It does not connect to anything; the caller decides
// what to do with the result.
func Probe(cfg Config, selfID, listenAddr string) ([]Remote, error) {
	cfg.fill()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("lan probe listen: %w", err)
	}
	defer conn.Close()

	ping := lanMessage{
		Type:   "ping",
		ID:     selfID,
		Listen: listenAddr,
	}
	data, _ := json.Marshal(ping)

	targets := interfaceBroadcastAddrs(cfg.Port)
	if len(targets) == 0 {
		// fall back to limited broadcast
		targets = append(targets, &net.UDPAddr{IP: net.IPv4bcast, Port: cfg.Port})
	}
	for _, dst := range targets {
		_, err = conn.WriteToUDP(data, dst)
	}
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && errors.Is(opErr.Err, syscall.EADDRNOTAVAIL) {
			// Interface without broadcast; ignore.
		} else {
			return nil, fmt.Errorf("lan probe broadcast: %w", err)
		}
	}

	// Nodes sharing this host never see their own broadcast.
	loop := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: cfg.Port}
	_, _ = conn.WriteToUDP(data, loop)

	if err := conn.SetReadDeadline(time.Now().Add(cfg.Timeout)); err != nil {
		return nil, fmt.Errorf("lan probe set deadline: %w", err)
	}

	seen := make(map[string]struct{})
	out := make([]Remote, 0, 4)
	buf := make([]byte, 1024)
	now := time.Now()

	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			break
		}

		var msg lanMessage
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			continue
		}
		if msg.Type != "pong" || msg.ID == "" || msg.ID == selfID {
			continue
		}
		addr := normalizeListenFromPong(from, msg.Listen)
		if addr == "" {
			continue
		}
		if _, exists := seen[msg.ID]; exists {
			continue
		}
		seen[msg.ID] = struct{}{}
		out = append(out, Remote{ID: msg.ID, Addr: addr, Nick: msg.Nick, LastAt: now})
	}

	return out, nil
}

func interfaceBroadcastAddrs(port int) []*net.UDPAddr {
	out := make([]*net.UDPAddr, 0, 8)

	ifaces, err := net.Interfaces()
	if err != nil {
		return out
	}

	for _, it := range ifaces {
		if it.Flags&net.FlagUp == 0 {
			continue
		}
		if it.Flags&net.FlagPointToPoint != 0 {
			continue
		}

		addrs, err := it.Addrs()
		if err != nil {
			continue
		}

		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP == nil {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}

			// broadcast = ip | ^mask
			mask := ipnet.Mask
			if len(mask) != 4 {
				continue
			}
			b := net.IPv4(
				ip4[0]|^mask[0],
				ip4[1]|^mask[1],
				ip4[2]|^mask[2],
				ip4[3]|^mask[3],
			)
			out = append(out, &net.UDPAddr{IP: b, Port: port})
		}
	}
	return out
}

func listenPortOnly(listenAddr string) string {
	_, port, err := net.SplitHostPort(listenAddr)
	if err == nil && port != "" {
		return ":" + port
	}
	if strings.HasPrefix(listenAddr, ":") {
		return listenAddr
	}
	return listenAddr
}

// normalizeListenFromPong fills a bare ":port" listen address with the
// responder's source IP.
func normalizeListenFromPong(sender *net.UDPAddr, listen string) string {
	if strings.HasPrefix(listen, ":") && sender != nil && sender.IP != nil {
		return net.JoinHostPort(sender.IP.String(), strings.TrimPrefix(listen, ":"))
	}
	return listen
}
