// Package events fans out per-frame detection results to SSE subscribers.
package events

import (
	"encoding/base64"
	"encoding/json"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/aimicromind/vision-relay/internal/detect"
	"github.com/aimicromind/vision-relay/internal/logger"
	"github.com/aimicromind/vision-relay/internal/metrics"
)

// BBox is a detection box in pixel coordinates.
type BBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Detection is one detected object in an event.
type Detection struct {
	ClassName  string  `json:"class_name"`
	ClassID    int     `json:"class_id"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

// DetectionEvent describes the outcome of one annotated frame.
type DetectionEvent struct {
	SessionID   string      `json:"session_id"`
	FrameNumber uint64      `json:"frame_number"`
	Timestamp   float64     `json:"timestamp"`
	Persons     int         `json:"persons"`
	Phones      int         `json:"phones"`
	Notified    bool        `json:"notified"`
	Detections  []Detection `json:"detections"`
}

// FromDetections converts detector output to event detections.
func FromDetections(dets []detect.Detection) []Detection {
	out := make([]Detection, len(dets))
	for i, d := range dets {
		out[i] = Detection{
			ClassName:  d.Class,
			ClassID:    d.ClassID,
			Confidence: d.Confidence,
			BBox: BBox{
				X: d.Box.Min.X,
				Y: d.Box.Min.Y,
				W: d.Box.Dx(),
				H: d.Box.Dy(),
			},
		}
	}
	return out
}

// SerializedEvent carries an event pre-encoded in both wire formats.
type SerializedEvent struct {
	JSONData     []byte
	ProtobufData []byte // base64 encoded for SSE transport
}

// Broadcaster manages fanout of detection events to multiple SSE clients.
// Events are serialized once per publish, not once per subscriber.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
	metrics *metrics.Metrics
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		clients: make(map[int]chan *SerializedEvent),
		metrics: m,
	}
}

// Subscribe adds a new client and returns a channel for receiving events.
func (b *Broadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan *SerializedEvent, 8)
	b.clients[id] = ch
	b.updateGaugeLocked()

	logger.Debug("Events", "Client #%d subscribed (total clients: %d)", id, len(b.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.clients[id]; ok {
		close(ch)
		delete(b.clients, id)
		b.updateGaugeLocked()
		logger.Debug("Events", "Client #%d unsubscribed (remaining clients: %d)", id, len(b.clients))
	}
}

// Close disconnects every subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
	b.updateGaugeLocked()
}

// HasSubscribers reports whether anyone is listening.
func (b *Broadcaster) HasSubscribers() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients) > 0
}

// Publish serializes ev and hands it to every subscriber without blocking.
// Slow subscribers miss events.
func (b *Broadcaster) Publish(ev DetectionEvent) {
	if !b.HasSubscribers() {
		return
	}

	serialized, err := Serialize(ev)
	if err != nil {
		logger.Error("Events", "Serialize error: %v", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.clients {
		select {
		case ch <- serialized:
		default:
		}
	}
}

func (b *Broadcaster) updateGaugeLocked() {
	if b.metrics != nil {
		b.metrics.EventSubscribers.Store(uint64(len(b.clients)))
	}
}

// Serialize encodes ev as JSON and as a protobuf Struct.
func Serialize(ev DetectionEvent) (*SerializedEvent, error) {
	if ev.Detections == nil {
		ev.Detections = []Detection{}
	}
	jsonData, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}

	// structpb only accepts plain JSON values, so round-trip through a map.
	var generic map[string]any
	if err := json.Unmarshal(jsonData, &generic); err != nil {
		return nil, err
	}
	pbStruct, err := structpb.NewStruct(generic)
	if err != nil {
		return nil, err
	}
	pbData, err := proto.Marshal(pbStruct)
	if err != nil {
		return nil, err
	}

	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}
