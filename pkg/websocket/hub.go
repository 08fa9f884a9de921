package websocket

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/gocomet/ride-dispatch/pkg/logger"
)

// ErrClientNotFound is returned when joining a connection that is not registered.
var ErrClientNotFound = errors.New("websocket: client not registered")

// Hub owns the live connections of this process and their channel
// memberships. Fan-out takes the read lock; register, join and unregister take
// the write lock. Every write to a client's send buffer happens under the lock,
// so it never races with the close in Unregister.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	channels map[string]map[string]*Client
	logger   *logger.Logger
}

// Message is a frame sent to clients.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Stats is a snapshot of hub occupancy.
type Stats struct {
	Connections int            `json:"connections"`
	Channels    int            `json:"channels"`
	Members     map[string]int `json:"members,omitempty"`
}

// NewHub creates a new WebSocket hub
func NewHub(logger *logger.Logger) *Hub {
	return &Hub{
		clients:  make(map[string]*Client),
		channels: make(map[string]map[string]*Client),
		logger:   logger,
	}
}

// Register adds a client with no channel membership.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()

	h.logger.Info("Client registered",
		logger.String("connection_id", client.ID),
		logger.String("principal", client.Principal.ID()),
	)
}

// Join adds the client to channel. Joining a channel twice is a no-op; the
// return value reports whether membership changed.
func (h *Hub) Join(clientID, channel string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[clientID]
	if !ok {
		return false, ErrClientNotFound
	}
	if client.channels[channel] {
		return false, nil
	}

	members, ok := h.channels[channel]
	if !ok {
		members = make(map[string]*Client)
		h.channels[channel] = members
	}
	members[clientID] = client
	client.channels[channel] = true
	return true, nil
}

// Leave removes the client from every channel it joined. The connection
// itself stays registered.
func (h *Hub) Leave(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if client, ok := h.clients[clientID]; ok {
		h.leaveAllLocked(client)
	}
}

func (h *Hub) leaveAllLocked(client *Client) {
	for channel := range client.channels {
		if members, ok := h.channels[channel]; ok {
			delete(members, client.ID)
			if len(members) == 0 {
				delete(h.channels, channel)
			}
		}
	}
	client.channels = make(map[string]bool)
}

// Unregister drops all memberships, forgets the client and closes its send
// buffer, which ends its write pump. Safe to call more than once.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	h.leaveAllLocked(client)
	delete(h.clients, client.ID)
	close(client.Send)

	h.logger.Info("Client unregistered", logger.String("connection_id", client.ID))
}

// PublishLocal sends message to every client in any of the channels. A client
// in several of them receives it once. Returns the number of clients reached.
func (h *Hub) PublishLocal(message Message, channels ...string) int {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal message", logger.Err(err), logger.String("event", message.Type))
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]struct{})
	delivered := 0
	for _, channel := range channels {
		for id, client := range h.channels[channel] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if h.deliverLocked(client, data) {
				delivered++
			}
		}
	}
	return delivered
}

// Broadcast sends message to every registered client.
func (h *Hub) Broadcast(message Message) int {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", logger.Err(err))
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, client := range h.clients {
		if h.deliverLocked(client, data) {
			delivered++
		}
	}
	return delivered
}

// Send delivers message to one client. A client that has gone away is
// silently skipped.
func (h *Hub) Send(clientID string, message Message) bool {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal message", logger.Err(err))
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.clients[clientID]
	if !ok {
		return false
	}
	return h.deliverLocked(client, data)
}

func (h *Hub) deliverLocked(client *Client, data []byte) bool {
	select {
	case client.Send <- data:
		return true
	default:
		h.logger.Warn("Client send buffer full, dropping frame",
			logger.String("connection_id", client.ID),
		)
		return false
	}
}

// JoinMembers adds every current member of from to channel to.
func (h *Hub) JoinMembers(from, to string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.channels[from]
	if len(members) == 0 {
		return 0
	}

	target, ok := h.channels[to]
	if !ok {
		target = make(map[string]*Client)
		h.channels[to] = target
	}

	added := 0
	for id, client := range members {
		if client.channels[to] {
			continue
		}
		target[id] = client
		client.channels[to] = true
		added++
	}
	return added
}

// LeaveMembers removes every current member of from from channel. Other
// memberships are kept.
func (h *Hub) LeaveMembers(from, channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	target := h.channels[channel]
	if len(target) == 0 {
		return 0
	}

	removed := 0
	for id, client := range h.channels[from] {
		if !client.channels[channel] {
			continue
		}
		delete(target, id)
		delete(client.channels, channel)
		removed++
	}
	if len(target) == 0 {
		delete(h.channels, channel)
	}
	return removed
}

// Members returns the ids of clients in channel.
func (h *Hub) Members(channel string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.channels[channel]))
	for id := range h.channels[channel] {
		ids = append(ids, id)
	}
	return ids
}

// Channels returns the channels a client belongs to.
func (h *Hub) Channels(clientID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.clients[clientID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(client.channels))
	for ch := range client.channels {
		out = append(out, ch)
	}
	return out
}

// GetActiveConnections returns the number of active connections
func (h *Hub) GetActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats reports connection and channel counts.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := make(map[string]int, len(h.channels))
	for name, m := range h.channels {
		members[name] = len(m)
	}
	return Stats{
		Connections: len(h.clients),
		Channels:    len(h.channels),
		Members:     members,
	}
}
