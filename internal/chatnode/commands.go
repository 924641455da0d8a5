package chatnode

import (
	"context"
	"net/netip"
	"strings"

	"dht-chat/internal/p2p"
)

func (a *App) handleCommand(ctx context.Context, line string) {
	if !strings.HasPrefix(line, "/") {
		if err := a.Core.SendToAll(line); err != nil {
			a.ui.Printf("send: %v\n", err)
		}
		return
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/quit", "/exit":
		a.ui.Println("quitting...")
		close(a.quit)

	case "/me":
		prof := a.Core.Profile()
		a.ui.Println()
		a.ui.Println("== You ==")
		a.ui.Printf("  Name:       %s\n", prof.Name)
		a.ui.Printf("  NodeID:     %s\n", prof.NodeID)
		a.ui.Printf("  State:      %s\n", a.Core.State())
		a.ui.Printf("  Chat port:  %d\n", a.Core.TCPListenerPort())
		if ext, ok := a.Core.ExternalAddr(); ok {
			a.ui.Printf("  External:   %s\n", ext)
		}
		if seen, ok := a.Core.DHT().ExternalAddr(); ok {
			a.ui.Printf("  DHT sees:   %s\n", seen)
		}
		a.ui.Printf("  Peers:      %d\n", len(a.Core.Peers()))
		a.ui.Printf("  DHT nodes:  %d\n", a.Core.DHT().RoutingTable().Size())
		a.ui.Println()

	case "/join":
		if rest == "" {
			a.ui.Println("usage: /join <room>")
			return
		}
		if err := a.Core.Join(rest); err != nil {
			a.ui.Printf("join: %v\n", err)
			return
		}
		a.ui.Printf("[ROOM] joined %q\n", rest)

	case "/leave":
		if rest == "" {
			a.ui.Println("usage: /leave <room>")
			return
		}
		if !a.Core.Leave(rest) {
			a.ui.Printf("not in room %q\n", rest)
			return
		}
		a.ui.Printf("[ROOM] left %q\n", rest)

	case "/rooms":
		rooms := a.Core.Rooms()
		if len(rooms) == 0 {
			a.ui.Println("no rooms joined")
			return
		}
		for _, r := range rooms {
			a.ui.Printf("  %s\n", r)
		}

	case "/peers":
		a.printPeers()

	case "/add":
		ap, err := netip.ParseAddrPort(rest)
		if err != nil {
			a.ui.Println("usage: /add <ip:port>")
			return
		}
		p, err := a.Core.AddPeer(ap.Addr(), ap.Port())
		if err != nil {
			a.ui.Printf("add: %v\n", err)
			return
		}
		a.ui.Printf("[NET] added %s\n", p.Endpoint())

	case "/msg":
		target, text, ok := strings.Cut(rest, " ")
		text = strings.TrimSpace(text)
		ap, err := netip.ParseAddrPort(target)
		if !ok || text == "" || err != nil {
			a.ui.Println("usage: /msg <ip:port> <message>")
			return
		}
		p := a.findPeer(ap)
		if p == nil {
			a.ui.Printf("unknown peer %s; /add it first\n", ap)
			return
		}
		if err := a.Core.Send(p, text); err != nil {
			a.ui.Printf("send: %v\n", err)
		}

	default:
		a.ui.Println("unknown command")
		PrintCommands(a.ui)
	}
}

func (a *App) findPeer(ap netip.AddrPort) *p2p.Peer {
	for _, p := range a.Core.Peers() {
		if p.Endpoint() == ap {
			return p
		}
	}
	return nil
}

func (a *App) printPeers() {
	peers := a.Core.Peers()
	if len(peers) == 0 {
		a.ui.Println("no peers known")
		return
	}

	a.ui.Println()
	a.ui.Println("Known peers:")
	a.ui.Printf("%-16s  %-10s  %-8s  %s\n", "NAME", "NODEID", "STATUS", "ADDR")
	a.ui.Printf("%-16s  %-10s  %-8s  %s\n", "----", "------", "------", "----")
	for _, p := range peers {
		id := "-"
		if nid, ok := p.ID(); ok {
			id = shortID(nid.Hex())
		}
		status := "offline"
		if p.Online() {
			status = "online"
		}
		a.ui.Printf("%-16s  %-10s  %-8s  %s\n", peerName(p), id, status, p.Endpoint())
	}
	a.ui.Println()
}
