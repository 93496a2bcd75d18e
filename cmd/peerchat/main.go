package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"peerchat/internal/client"
	"peerchat/internal/discovery"
	"peerchat/internal/gossip"
	"peerchat/internal/wire"
)

func main() {
	nick := flag.String("nick", "anon", "display name")
	listen := flag.String("listen", "/ip4/0.0.0.0/tcp/0", "listen multiaddr")
	dialStr := flag.String("dial", "", "comma-separated multiaddrs to connect to")
	store := flag.String("store", discovery.DefaultPeerStorePath(), "peer store path; empty disables persistence")
	noLAN := flag.Bool("no-lan", false, "disable LAN discovery")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	var dials []string
	for _, part := range strings.Split(*dialStr, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			dials = append(dials, part)
		}
	}

	logOut := io.Discard
	if *debug {
		logOut = os.Stderr
	}
	logger := log.New(logOut, "", log.LstdFlags)

	discoveryPort := 0
	if *noLAN {
		discoveryPort = -1
	}

	eng, err := client.New(client.Config{
		Nick:          *nick,
		Listen:        *listen,
		Dials:         dials,
		PeerStorePath: *store,
		DiscoveryPort: discoveryPort,
		Logger:        logger,
		Debug:         *debug,
	})
	if err != nil {
		log.Fatalf("create engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("start engine: %v", err)
	}
	defer eng.Close()

	fmt.Printf("Peer started.\n")
	fmt.Printf("ID:    %s\n", eng.ID())
	for _, a := range eng.Addresses() {
		fmt.Printf("Addr:  %s\n", a)
	}
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  /join <channel>       - join a channel")
	fmt.Println("  /leave <channel>      - leave a channel")
	fmt.Println("  /msg <channel> <text> - send a message")
	fmt.Println("  /me <channel> <text>  - send an emote")
	fmt.Println("  /nick <name>          - change display name")
	fmt.Println("  /who                  - list channels and peer count")
	fmt.Println("  /dial <multiaddr>     - connect to a peer")
	fmt.Println("  /quit                 - exit")
	fmt.Println()

	// Stdin only feeds lines here; the engine stays single-consumer
	// in the loop below.
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !handleCommand(eng, strings.TrimSpace(line)) {
				return
			}
		case <-ticker.C:
			for {
				ev, ok := eng.Poll()
				if !ok {
					break
				}
				render(eng, ev)
			}
		}
	}
}

// handleCommand runs one stdin command. Returns false to quit.
func handleCommand(eng *client.Engine, line string) bool {
	if line == "" {
		return true
	}
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/quit":
		fmt.Println("quitting...")
		return false

	case "/join":
		if rest == "" {
			fmt.Println("usage: /join <channel>")
			return true
		}
		if err := eng.JoinChannel(rest); err != nil {
			fmt.Printf("join: %v\n", err)
			return true
		}
		fmt.Printf("joined %s\n", rest)

	case "/leave":
		if rest == "" {
			fmt.Println("usage: /leave <channel>")
			return true
		}
		if err := eng.LeaveChannel(rest); err != nil {
			fmt.Printf("leave: %v\n", err)
			return true
		}
		fmt.Printf("left %s\n", rest)

	case "/msg", "/me":
		channel, text, _ := strings.Cut(rest, " ")
		text = strings.TrimSpace(text)
		if channel == "" || text == "" {
			fmt.Printf("usage: %s <channel> <text>\n", cmd)
			return true
		}
		kind := wire.MessageNormal
		if cmd == "/me" {
			kind = wire.MessageEmote
		}
		err := eng.SendMessage(channel, text, kind)
		switch {
		case errors.Is(err, gossip.ErrInsufficientPeers):
			fmt.Println("nobody is listening on that channel yet")
		case err != nil:
			fmt.Printf("send: %v\n", err)
		default:
			// The engine does not echo; show our own line.
			printMessage(channel, eng.Nickname(), string(eng.ID()), kind, text)
		}

	case "/nick":
		if rest == "" {
			fmt.Println("usage: /nick <name>")
			return true
		}
		if err := eng.SetNickname(rest); err != nil {
			fmt.Printf("nick: %v\n", err)
			return true
		}
		fmt.Printf("you are now %s\n", formatName(rest, string(eng.ID())))

	case "/who":
		fmt.Printf("channels: %s\n", strings.Join(eng.Channels(), ", "))
		fmt.Printf("peers:    %d\n", eng.PeerCount())

	case "/dial":
		if rest == "" {
			fmt.Println("usage: /dial <multiaddr>")
			return true
		}
		if err := eng.Dial(rest); err != nil {
			fmt.Printf("dial: %v\n", err)
		}

	default:
		fmt.Println("unknown command")
	}
	return true
}

func render(eng *client.Engine, ev client.Event) {
	switch e := ev.(type) {
	case client.MessageReceived:
		nick := e.Nick
		if nick == "" {
			// Start a lookup; the resolved name shows up on later
			// messages.
			nick, _ = eng.FetchNickname(e.From)
		}
		printMessage(e.Channel, nick, string(e.From), e.Kind, e.Contents)

	case client.PeerJoinedChannel:
		name, _ := eng.FetchNickname(e.Peer)
		fmt.Printf("%s* %s joined %s%s\n", ansiDim, formatName(name, string(e.Peer)), e.Channel, ansiReset)

	case client.PeerLeftChannel:
		name, _ := eng.FetchNickname(e.Peer)
		fmt.Printf("%s* %s left %s%s\n", ansiDim, formatName(name, string(e.Peer)), e.Channel, ansiReset)

	case client.NicknameUpdated:
		fmt.Printf("%s* %s is now known as %s%s\n", ansiDim, shortID(string(e.Peer)), formatName(e.Nick, string(e.Peer)), ansiReset)

	case client.NicknameResolved:
		if e.Found {
			fmt.Printf("%s* %s is %s%s\n", ansiDim, shortID(string(e.Peer)), formatName(e.Nick, string(e.Peer)), ansiReset)
		}

	case client.ChannelResolved:
		if e.Found {
			fmt.Printf("%s* channel %s exists (owner %s)%s\n", ansiDim, e.Info.Ident, shortID(e.Info.Owner), ansiReset)
		} else {
			fmt.Printf("%s* channel %s not found%s\n", ansiDim, e.Ident, ansiReset)
		}

	case client.PeerDiscovered:
		fmt.Printf("%s* found %s on the LAN (%s)%s\n", ansiDim, formatName(e.Nick, string(e.Peer)), e.Addr, ansiReset)

	case client.PeerConnected:
		fmt.Printf("%s* connected to %s%s\n", ansiDim, shortID(string(e.Peer)), ansiReset)

	case client.PeerDisconnected:
		fmt.Printf("%s* disconnected from %s%s\n", ansiDim, shortID(string(e.Peer)), ansiReset)

	case client.DialFailed:
		fmt.Printf("%s* dial %s failed: %v%s\n", ansiDim, e.Addr, e.Err, ansiReset)

	case client.ListenerClosed:
		if e.Err != nil {
			fmt.Printf("listener closed: %v\n", e.Err)
		}
	}
}

func printMessage(channel, nick, id string, kind wire.MessageKind, text string) {
	name := formatName(nick, id)
	if kind == wire.MessageEmote {
		fmt.Printf("[%s] * %s %s\n", channel, name, text)
	} else {
		fmt.Printf("[%s] <%s> %s\n", channel, name, text)
	}
}
