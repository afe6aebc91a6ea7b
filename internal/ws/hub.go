package ws

import "time"

// backlogSize bounds how many lines of history Hub replays to a client
// that subscribes to a PR's stream mid-build, so a dashboard opened
// after a build has already started still shows recent output instead
// of only lines produced from that point forward.
const backlogSize = 200

// idleEvictAfter bounds how long a PR's backlog survives once nothing
// has broadcast to it and no subscriber is watching, so a hub that
// outlives many PR builds doesn't accumulate their history forever.
const idleEvictAfter = 30 * time.Minute

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans out build/destroy log lines to every dashboard client
// currently watching a given PR's live-tail stream, and replays a
// bounded backlog to clients that subscribe mid-stream. All mutable
// state is owned by run() and touched only through its channels, so no
// separate locking is needed.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	backlog   map[string][][]byte
	lastSeen  map[string]time.Time
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

// message couples a log line with the PR number it belongs to.
type message struct {
	prNumber string
	payload  []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	prNumber string
	client   Subscriber
}

// NewHub creates an initialized Hub and starts its fan-out loop.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		backlog:   make(map[string][][]byte),
		lastSeen:  make(map[string]time.Time),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	sweep := time.NewTicker(idleEvictAfter / 2)
	defer sweep.Stop()
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.prNumber]; !ok {
				h.clients[sub.prNumber] = make(map[Subscriber]struct{})
			}
			h.clients[sub.prNumber][sub.client] = struct{}{}
			h.lastSeen[sub.prNumber] = time.Now()
			for _, line := range h.backlog[sub.prNumber] {
				if err := sub.client.Send(line); err != nil {
					sub.client.Close()
					delete(h.clients[sub.prNumber], sub.client)
					break
				}
			}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.prNumber]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.prNumber)
				}
			}
		case msg := <-h.broadcast:
			h.lastSeen[msg.prNumber] = time.Now()
			h.appendBacklog(msg.prNumber, msg.payload)
			if clients, ok := h.clients[msg.prNumber]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.prNumber)
				}
			}
		case <-sweep.C:
			h.evictIdle()
		}
	}
}

func (h *Hub) appendBacklog(prNumber string, line []byte) {
	buf := append(h.backlog[prNumber], line)
	if len(buf) > backlogSize {
		buf = buf[len(buf)-backlogSize:]
	}
	h.backlog[prNumber] = buf
}

// evictIdle drops the backlog of any PR with no current subscribers
// that hasn't been broadcast to within idleEvictAfter.
func (h *Hub) evictIdle() {
	now := time.Now()
	for pr, seen := range h.lastSeen {
		if len(h.clients[pr]) > 0 {
			continue
		}
		if now.Sub(seen) > idleEvictAfter {
			delete(h.backlog, pr)
			delete(h.lastSeen, pr)
		}
	}
}

// Register subscribes client to a PR's live-tail stream, immediately
// replaying any buffered backlog for that PR.
func (h *Hub) Register(prNumber string, client Subscriber) {
	h.register <- subscription{prNumber: prNumber, client: client}
}

// Unregister removes client from a PR's live-tail stream.
func (h *Hub) Unregister(prNumber string, client Subscriber) {
	h.unreg <- subscription{prNumber: prNumber, client: client}
}

// Broadcast sends payload to every client currently watching prNumber
// and appends it to that PR's replay backlog.
func (h *Hub) Broadcast(prNumber string, payload []byte) {
	h.broadcast <- message{prNumber: prNumber, payload: payload}
}
