package transport

import (
	"context"
	"fmt"
	"sync"
)

// MemoryNetwork is an in-process substrate. Every endpoint claimed on the same
// network can reach every other one; handshakes complete asynchronously like
// on a real network.
type MemoryNetwork struct {
	mu        sync.Mutex
	endpoints map[string]*memoryEndpoint
}

// NewMemoryNetwork returns an empty in-process network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{endpoints: make(map[string]*memoryEndpoint)}
}

// Claim reserves address on the network.
func (n *MemoryNetwork) Claim(ctx context.Context, address string) (Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, taken := n.endpoints[address]; taken {
		return nil, fmt.Errorf("%w: %s", ErrAddressTaken, address)
	}
	endpoint := &memoryEndpoint{
		network:  n,
		address:  address,
		channels: make(map[*memoryChannel]struct{}),
	}
	n.endpoints[address] = endpoint
	return endpoint, nil
}

func (n *MemoryNetwork) lookup(address string) *memoryEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.endpoints[address]
}

func (n *MemoryNetwork) release(address string, endpoint *memoryEndpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.endpoints[address] == endpoint {
		delete(n.endpoints, address)
	}
}

type memoryEndpoint struct {
	network  *MemoryNetwork
	address  string
	mu       sync.Mutex
	sink     Sink
	closed   bool
	channels map[*memoryChannel]struct{}
}

func (e *memoryEndpoint) Address() string {
	return e.address
}

func (e *memoryEndpoint) Listen(sink Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

func (e *memoryEndpoint) listener() Sink {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	return e.sink
}

func (e *memoryEndpoint) track(channel *memoryChannel) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.channels[channel] = struct{}{}
	return true
}

func (e *memoryEndpoint) Connect(address string, sink Sink) Channel {
	local := newMemoryChannel(address, Outbound, sink)
	if !e.track(local) {
		local.fail(fmt.Errorf("%w: endpoint closed", ErrChannelClosed))
		return local
	}
	go e.dial(local)
	return local
}

func (e *memoryEndpoint) dial(local *memoryChannel) {
	target := e.network.lookup(local.peer)
	if target == nil {
		local.fail(fmt.Errorf("%w: %s", ErrUnknownAddress, local.peer))
		return
	}
	targetSink := target.listener()
	if targetSink == nil {
		local.fail(fmt.Errorf("%w: %s is not accepting connections", ErrHandshakeFailed, local.peer))
		return
	}

	remote := newMemoryChannel(e.address, Inbound, targetSink)
	if !target.track(remote) {
		local.fail(fmt.Errorf("%w: %s", ErrUnknownAddress, local.peer))
		return
	}

	local.mu.Lock()
	if local.state != stateConnecting {
		local.mu.Unlock()
		remote.closeFromPeer()
		return
	}
	local.remote = remote
	local.state = stateOpen
	remote.mu.Lock()
	remote.remote = local
	remote.state = stateOpen
	remote.mu.Unlock()
	local.mu.Unlock()

	remote.box.push(Event{Kind: EventOpen, Channel: remote})
	local.box.push(Event{Kind: EventOpen, Channel: local})
}

func (e *memoryEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	channels := make([]*memoryChannel, 0, len(e.channels))
	for channel := range e.channels {
		channels = append(channels, channel)
	}
	e.mu.Unlock()

	e.network.release(e.address, e)
	for _, channel := range channels {
		_ = channel.Close()
	}
	return nil
}

type channelState int

const (
	stateConnecting channelState = iota
	stateOpen
	stateClosed
)

type memoryChannel struct {
	peer      string
	direction Direction
	box       *mailbox

	mu     sync.Mutex
	state  channelState
	remote *memoryChannel
}

func newMemoryChannel(peer string, direction Direction, sink Sink) *memoryChannel {
	channel := &memoryChannel{
		peer:      peer,
		direction: direction,
		box:       newMailbox(),
	}
	go channel.box.run(sink)
	return channel
}

func (c *memoryChannel) Peer() string {
	return c.peer
}

func (c *memoryChannel) Direction() Direction {
	return c.direction
}

func (c *memoryChannel) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateOpen
}

func (c *memoryChannel) Send(payload []byte) error {
	c.mu.Lock()
	if c.state != stateOpen {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	remote := c.remote
	c.mu.Unlock()

	data := make([]byte, len(payload))
	copy(data, payload)
	remote.box.push(Event{Kind: EventData, Channel: remote, Data: data})
	return nil
}

func (c *memoryChannel) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosed
	remote := c.remote
	c.mu.Unlock()

	c.box.push(Event{Kind: EventClose, Channel: c})
	if remote != nil {
		remote.closeFromPeer()
	}
	return nil
}

func (c *memoryChannel) closeFromPeer() {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateClosed
	c.mu.Unlock()
	c.box.push(Event{Kind: EventClose, Channel: c})
}

func (c *memoryChannel) fail(err error) {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateClosed
	c.mu.Unlock()
	c.box.push(Event{Kind: EventError, Channel: c, Err: err})
	c.box.push(Event{Kind: EventClose, Channel: c})
}

// mailbox is an unbounded FIFO drained by one goroutine, so senders never
// block on a slow sink.
type mailbox struct {
	mu       sync.Mutex
	queue    []Event
	finished bool
	signal   chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) push(event Event) {
	m.mu.Lock()
	if m.finished {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, event)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) run(sink Sink) {
	for range m.signal {
		m.mu.Lock()
		batch := m.queue
		m.queue = nil
		m.mu.Unlock()

		for _, event := range batch {
			if sink != nil {
				sink(event)
			}
			if event.Kind == EventClose {
				m.mu.Lock()
				m.finished = true
				m.queue = nil
				m.mu.Unlock()
				return
			}
		}
	}
}
