package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/coursesummary/backend/internal/summary"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const realtimeSourceBackend = "summary-backend"

type RealtimeMessage struct {
	CourseID  int64
	EventType string
	ActorID   string
	Timestamp time.Time
}

type realtimeEventPayload struct {
	CourseID  int64  `json:"course_id"`
	ActorID   string `json:"actor_id,omitempty"`
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
}

// RealtimeDispatcher fans summary events out to the stream subscribers of each course.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[int64]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, courseID int64) (<-chan RealtimeMessage, func()) {
	if courseID <= 0 {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(courseID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(courseID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// PublishSummaryEvent adapts service events to realtime messages.
func (d *RealtimeDispatcher) PublishSummaryEvent(event summary.Event) {
	d.Publish(RealtimeMessage{
		CourseID:  event.CourseID,
		EventType: event.Type,
		ActorID:   event.ActorID,
		Timestamp: event.Timestamp,
	})
}

// Publish delivers without blocking; slow subscribers drop messages.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.CourseID <= 0 || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.CourseID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) subscriberCount(courseID int64) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[courseID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(courseID int64, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[courseID]; !ok {
		d.subscribers[courseID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[courseID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(courseID int64, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[courseID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, courseID)
		}
	}
	d.mu.Unlock()
}

func (h *httpHandler) handleSummaryStream(c *gin.Context) {
	courseID, ok := h.courseID(c)
	if !ok {
		return
	}
	if h.realtime == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "realtime_unavailable"})
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, courseID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	h.logger.Debug("summary stream opened",
		zap.Int64("course_id", courseID),
		zap.String("user_id", c.GetString(userIDContextKey)))

	for {
		select {
		case <-ctx.Done():
			return
		case message, open := <-stream:
			if !open {
				return
			}
			c.SSEvent(message.EventType, realtimeEventPayload{
				CourseID:  message.CourseID,
				ActorID:   message.ActorID,
				Timestamp: message.Timestamp.UTC().Format(time.RFC3339),
				Source:    realtimeSourceBackend,
			})
			c.Writer.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(c.Writer, ": heartbeat\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}
