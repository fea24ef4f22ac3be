package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Derived event subjects, published under the configured prefix.
const (
	SubjectSensorUpdate       = "sensor_update"
	SubjectDeviceStatus       = "device_status"
	SubjectAlertNew           = "alert_new"
	SubjectAlertStatus        = "alert_status"
	SubjectAttendanceUpdate   = "attendance_update"
	SubjectAttendanceApproval = "attendance_approval"
)

// Publisher fans derived events out to downstream subscribers. Delivery is
// best effort; reliable consumption is the subscriber's problem.
type Publisher interface {
	Publish(subject string, payload any) error
}

type NATSPublisher struct {
	conn       *nats.Conn
	prefix     string
	maxRetries int
}

func NewNATSPublisher(conn *nats.Conn, prefix string, maxRetries int) *NATSPublisher {
	if prefix == "" {
		prefix = "events"
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &NATSPublisher{conn: conn, prefix: prefix, maxRetries: maxRetries}
}

func (p *NATSPublisher) Publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	full := p.prefix + "." + subject
	for i := 0; i <= p.maxRetries; i++ {
		err = p.conn.Publish(full, data)
		if err == nil {
			return nil
		}
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}
	return fmt.Errorf("publish %s failed after %d retries: %w", full, p.maxRetries, err)
}

// Recorder captures published events in memory, for tests.
type Recorder struct {
	mu     sync.Mutex
	events []RecordedEvent
}

type RecordedEvent struct {
	Subject string
	Payload any
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(subject string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, RecordedEvent{Subject: subject, Payload: payload})
	return nil
}

func (r *Recorder) Events(subject string) []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RecordedEvent
	for _, ev := range r.events {
		if subject == "" || ev.Subject == subject {
			out = append(out, ev)
		}
	}
	return out
}
