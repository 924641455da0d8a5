package p2p

import (
	"sync"
	"time"
)

// Host is the callback surface the core reports to. Callbacks run on a
// single dispatcher goroutine, never on the caller's.
type Host interface {
	OnInitialized()
	OnPeerJoined(p *Peer)
	OnPeerLeft(p *Peer)
	OnMessageReceived(p *Peer, text string)
	OnPeersListChanged()
}

type EventType string

const (
	EventInitialized      EventType = "initialized"
	EventPeerJoined       EventType = "peer_joined"
	EventPeerLeft         EventType = "peer_left"
	EventMessageReceived  EventType = "message_received"
	EventPeersListChanged EventType = "peers_list_changed"
)

// Notification is one delivered event.
type Notification struct {
	Type      EventType
	Peer      *Peer
	Text      string
	MessageID string
	At        time.Time
}

// dispatcher delivers notifications in order. Producers never block.
type dispatcher struct {
	host Host

	mu      sync.Mutex
	queue   []Notification
	stopped bool
	tap     chan Notification
	wake    chan struct{}
	done    chan struct{}

	onDrop func(Notification)
}

func newDispatcher(h Host, onDrop func(Notification)) *dispatcher {
	d := &dispatcher{
		host:   h,
		onDrop: onDrop,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) emit(n Notification) {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, n)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// subscribe returns the tap channel, creating it on first use.
func (d *dispatcher) subscribe(buffer int) <-chan Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tap == nil {
		d.tap = make(chan Notification, buffer)
	}
	return d.tap
}

// stop delivers what is queued and then ends the dispatcher.
func (d *dispatcher) stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.stopped = true
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.done
}

func (d *dispatcher) run() {
	defer close(d.done)
	for range d.wake {
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				stopped := d.stopped
				tap := d.tap
				d.mu.Unlock()
				if stopped {
					if tap != nil {
						close(tap)
					}
					return
				}
				break
			}
			n := d.queue[0]
			d.queue[0] = Notification{}
			d.queue = d.queue[1:]
			tap := d.tap
			d.mu.Unlock()

			d.deliver(n)
			if tap != nil {
				select {
				case tap <- n:
				default:
					if d.onDrop != nil {
						d.onDrop(n)
					}
				}
			}
		}
	}
}

func (d *dispatcher) deliver(n Notification) {
	switch n.Type {
	case EventInitialized:
		d.host.OnInitialized()
	case EventPeerJoined:
		d.host.OnPeerJoined(n.Peer)
	case EventPeerLeft:
		d.host.OnPeerLeft(n.Peer)
	case EventMessageReceived:
		d.host.OnMessageReceived(n.Peer, n.Text)
	case EventPeersListChanged:
		d.host.OnPeersListChanged()
	}
}
