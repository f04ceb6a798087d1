// Package sse streams per-user prompt events as Server-Sent Events.
package sse

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// WriteTimeout bounds a write to one client so a stale connection cannot
// block publishing.
const WriteTimeout = 2 * time.Second

// Client is one connected event stream.
type Client struct {
	Writer  http.ResponseWriter
	Flusher http.Flusher
	Done    chan struct{}
	ID      string
	UserID  string
	once    sync.Once
}

func (c *Client) close() {
	c.once.Do(func() { close(c.Done) })
}

// Broadcaster fans events out to the clients of each user.
type Broadcaster struct {
	clients map[string]map[string]*Client
	mu      sync.RWMutex
	nextID  int
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[string]map[string]*Client)}
}

// AddClient registers a stream for userID.
func (b *Broadcaster) AddClient(w http.ResponseWriter, userID string) (*Client, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	b.mu.Lock()
	b.nextID++
	client := &Client{
		ID:      fmt.Sprintf("client-%d", b.nextID),
		UserID:  userID,
		Writer:  w,
		Flusher: flusher,
		Done:    make(chan struct{}),
	}
	if b.clients[userID] == nil {
		b.clients[userID] = make(map[string]*Client)
	}
	b.clients[userID][client.ID] = client
	count := len(b.clients[userID])
	b.mu.Unlock()

	log.Debug().Str("client_id", client.ID).Str("user_id", userID).Int("user_clients", count).Msg("SSE client connected")
	return client, nil
}

// RemoveClient unregisters a stream. Removing twice is harmless.
func (b *Broadcaster) RemoveClient(client *Client) {
	b.mu.Lock()
	if set := b.clients[client.UserID]; set != nil {
		delete(set, client.ID)
		if len(set) == 0 {
			delete(b.clients, client.UserID)
		}
	}
	b.mu.Unlock()

	client.close()
	log.Debug().Str("client_id", client.ID).Str("user_id", client.UserID).Msg("SSE client disconnected")
}

// Publish sends a named event to every stream of userID. Clients that fail
// or time out are dropped.
func (b *Broadcaster) Publish(userID, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("Failed to marshal SSE data")
		return
	}
	message := fmt.Sprintf("event: %s\ndata: %s\n\n", event, payload)

	b.mu.RLock()
	clients := make([]*Client, 0, len(b.clients[userID]))
	for _, c := range b.clients[userID] {
		clients = append(clients, c)
	}
	b.mu.RUnlock()
	if len(clients) == 0 {
		return
	}

	dead := make(chan *Client, len(clients))
	var wg sync.WaitGroup
	for _, c := range clients {
		select {
		case <-c.Done:
			continue
		default:
		}
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			b.writeToClient(c, message, dead)
		}(c)
	}
	wg.Wait()
	close(dead)

	for c := range dead {
		b.RemoveClient(c)
	}
}

func (b *Broadcaster) writeToClient(client *Client, message string, dead chan<- *Client) {
	done := make(chan error, 1)
	go func() {
		_, err := client.Writer.Write([]byte(message))
		if err == nil {
			client.Flusher.Flush()
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Debug().Str("client_id", client.ID).Err(err).Msg("SSE write failed, dropping client")
			dead <- client
		}
	case <-time.After(WriteTimeout):
		log.Warn().Str("client_id", client.ID).Dur("timeout", WriteTimeout).Msg("SSE write timed out, dropping client")
		dead <- client
	case <-client.Done:
	}
}

// ClientCount returns the number of streams for userID, or for all users
// when userID is empty.
func (b *Broadcaster) ClientCount(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if userID != "" {
		return len(b.clients[userID])
	}
	n := 0
	for _, set := range b.clients {
		n += len(set)
	}
	return n
}

// HandleSSE serves one event stream for userID until the request ends.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request, userID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Written before registration so it cannot interleave with Publish.
	fmt.Fprintf(w, "event: connected\ndata: {\"user_id\":%q}\n\n", userID)
	flusher.Flush()

	client, err := b.AddClient(w, userID)
	if err != nil {
		return
	}
	defer b.RemoveClient(client)

	select {
	case <-r.Context().Done():
	case <-client.Done:
	}
}
