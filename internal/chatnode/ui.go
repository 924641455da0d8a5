package chatnode

import "dht-chat/internal/p2p"

const (
	ansiReset = "\033[0m"
	ansiDim   = "\033[2m"
)

var nameColors = []string{
	"\033[31m", // red
	"\033[32m", // green
	"\033[33m", // yellow
	"\033[34m", // blue
	"\033[35m", // magenta
	"\033[36m", // cyan
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func pickColor(s string) string {
	if s == "" {
		return ansiReset
	}
	var h uint32
	for i := 0; i < len(s); i++ {
		h = h*16777619 ^ uint32(s[i])
	}
	return nameColors[h%uint32(len(nameColors))]
}

// peerName is the colored display name of p, falling back to its endpoint.
func peerName(p *p2p.Peer) string {
	display := p.Name()
	if display == "" {
		display = p.Endpoint().String()
	}
	return pickColor(display) + display + ansiReset
}

func PrintBanner(p Printer, c *p2p.Core) {
	prof := c.Profile()
	p.Println()
	p.Println("Node started.")
	p.Printf("Name:           %s\n", prof.Name)
	p.Printf("ID:             %s\n", shortID(prof.NodeID))
	if udp, ok := c.DHT().LocalAddr(); ok {
		p.Printf("DHT (udp):      %s\n", udp)
	}
	p.Printf("Chat (tcp):     %d\n", c.TCPListenerPort())
	if ext, ok := c.ExternalAddr(); ok {
		p.Printf("External:       %s\n", ext)
	}
	p.Println()
	PrintCommands(p)
	p.Println()
}

func PrintCommands(p Printer) {
	p.Println("Commands:")
	p.Println("    <message>                    - send to every known peer")
	p.Println("    /join <room>                 - announce in a room and find its members")
	p.Println("    /leave <room>                - stop announcing in a room")
	p.Println("    /rooms                       - list joined rooms")
	p.Println("    /peers                       - show known peers")
	p.Println("    /add <ip:port>               - register a peer by its chat endpoint")
	p.Println("    /msg <ip:port> <message>     - send to one peer")
	p.Println("    /me                          - prints your info")
	p.Println("    /quit                        - exit")
}
