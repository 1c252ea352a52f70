package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	RealtimeEventSlidesChanged   = "slides-changed"
	RealtimeEventSessionProgress = "session-progress"
	realtimeEventHeartbeat       = "heartbeat"
	realtimeSourceBackend        = "coursework-backend"
	defaultRealtimeBuffer        = 16
	defaultHeartbeatInterval     = 15 * time.Second
)

// RealtimeMessage is one course-scoped event.
type RealtimeMessage struct {
	CourseID           string
	EventType          string
	SlideIDs           []string
	SessionID          string
	StudentID          string
	ProgressPercentage float64
	Timestamp          time.Time
}

type realtimePayload struct {
	Source             string    `json:"source"`
	CourseID           string    `json:"course_id"`
	SlideIDs           []string  `json:"slide_ids,omitempty"`
	SessionID          string    `json:"session_id,omitempty"`
	StudentID          string    `json:"student_id,omitempty"`
	ProgressPercentage *float64  `json:"progress_percentage,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// RealtimeDispatcher fans course events out to stream subscribers. A subscriber whose buffer is
// full misses the event.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	logger      *zap.Logger
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

// NewRealtimeDispatcher constructs an empty dispatcher. A nil logger discards drop warnings.
func NewRealtimeDispatcher(logger *zap.Logger) *RealtimeDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  defaultRealtimeBuffer,
		logger:      logger,
	}
}

// Subscribe registers a stream for courseID until ctx ends or the returned cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, courseID string) (<-chan RealtimeMessage, func()) {
	if courseID == "" {
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

// Publish delivers message to every subscriber of its course without blocking.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.CourseID == "" || message.EventType == "" {
		return
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.CourseID]
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
			d.logger.Warn("dropping realtime event; subscriber buffer full",
				zap.String("course_id", message.CourseID),
				zap.String("event", message.EventType),
				zap.Int64("subscriber_id", subscriber.id))
		}
	}
}

// SubscriberCount reports the live subscribers for courseID.
func (d *RealtimeDispatcher) SubscriberCount(courseID string) int {
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

func (d *RealtimeDispatcher) registerSubscriber(courseID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[courseID]; !ok {
		d.subscribers[courseID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[courseID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(courseID string, subscriberID int64) {
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

func newRealtimePayload(message RealtimeMessage) realtimePayload {
	payload := realtimePayload{
		Source:    realtimeSourceBackend,
		CourseID:  message.CourseID,
		SlideIDs:  message.SlideIDs,
		SessionID: message.SessionID,
		StudentID: message.StudentID,
		Timestamp: message.Timestamp,
	}
	if message.EventType == RealtimeEventSessionProgress {
		progress := message.ProgressPercentage
		payload.ProgressPercentage = &progress
	}
	return payload
}

func (h *httpHandler) handleCourseEvents(c *gin.Context) {
	courseID := c.Param("id")
	if _, err := h.courses.GetCourse(c.Request.Context(), courseID); err != nil {
		h.writeError(c, err)
		return
	}

	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), courseID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			c.SSEvent(message.EventType, newRealtimePayload(message))
			c.Writer.Flush()
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend, "timestamp": time.Now().UTC()})
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) publishSlidesChanged(courseID string, slideIDs ...string) {
	h.realtime.Publish(RealtimeMessage{
		CourseID:  courseID,
		EventType: RealtimeEventSlidesChanged,
		SlideIDs:  slideIDs,
		Timestamp: time.Now().UTC(),
	})
}
