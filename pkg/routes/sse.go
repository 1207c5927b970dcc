package routes

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/kabili207/meshmapper/pkg/models"
)

const recentEvents = 20

// EventNotifier fans position events out to SSE subscribers. It implements
// ingest.EventPublisher.
type EventNotifier struct {
	subscribers map[chan *models.Event]struct{}
	recent      []*models.Event
	mu          sync.RWMutex
}

func NewEventNotifier() *EventNotifier {
	return &EventNotifier{
		subscribers: make(map[chan *models.Event]struct{}),
	}
}

// Subscribe adds a subscriber and returns the backlog as of that moment,
// oldest first. Every later event arrives on the channel and none is in
// both. Events are dropped for subscribers that fall more than buffer
// events behind.
func (en *EventNotifier) Subscribe(buffer int) (chan *models.Event, []*models.Event) {
	en.mu.Lock()
	defer en.mu.Unlock()
	ch := make(chan *models.Event, buffer)
	en.subscribers[ch] = struct{}{}
	return ch, slices.Clone(en.recent)
}

func (en *EventNotifier) Unsubscribe(ch chan *models.Event) {
	en.mu.Lock()
	defer en.mu.Unlock()
	if _, ok := en.subscribers[ch]; !ok {
		return
	}
	delete(en.subscribers, ch)
	close(ch)
}

// Publish never blocks the ingestion loop.
func (en *EventNotifier) Publish(e *models.Event) {
	en.mu.Lock()
	defer en.mu.Unlock()
	en.recent = append(en.recent, e)
	if len(en.recent) > recentEvents {
		en.recent = en.recent[len(en.recent)-recentEvents:]
	}
	for ch := range en.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

// Recent returns the last events published, oldest first.
func (en *EventNotifier) Recent() []*models.Event {
	en.mu.RLock()
	defer en.mu.RUnlock()
	return append([]*models.Event{}, en.recent...)
}

func (en *EventNotifier) Subscribers() int {
	en.mu.RLock()
	defer en.mu.RUnlock()
	return len(en.subscribers)
}

// eventsSSE streams the recent backlog and then every new event as
// "event: position" messages.
func (rt *OpsRouter) eventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}
	if rt.Notifier == nil {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	events, backlog := rt.Notifier.Subscribe(64)
	defer rt.Notifier.Unsubscribe(events)

	send := func(e *models.Event) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: position\ndata: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	for _, e := range backlog {
		if err := send(e); err != nil {
			return
		}
	}
	// Flush headers even when there is no backlog.
	flusher.Flush()

	heartbeat := rt.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			if err := send(e); err != nil {
				rt.logger().Debug("sse client gone", "error", err)
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
