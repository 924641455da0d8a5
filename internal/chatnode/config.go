package chatnode

type Config struct {
	DataDir     string // "" keeps state in memory
	Name        string
	TCPPort     uint16
	UDPPort     uint16
	Bootstrap   []string
	STUN        []string // STUN servers; empty reports the local address
	Secure      bool
	Proxy       string
	LAN         bool
	MetricsAddr string
}
