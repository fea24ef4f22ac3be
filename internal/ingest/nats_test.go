package ingest

import (
	"context"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHandleNATSMsgForwardsObject(t *testing.T) {
	out := make(chan Message, 1)
	msg := &nats.Msg{Subject: "helmet.H-007.data", Data: []byte(`{"hr":91}`)}
	handleNATSMsg(context.Background(), msg, KindData, out, nil, nil)

	select {
	case m := <-out:
		if m.DeviceID != "H-007" {
			t.Fatalf("device id = %q", m.DeviceID)
		}
		if m.Fields["hr"] != 91.0 {
			t.Fatalf("hr = %v", m.Fields["hr"])
		}
	default:
		t.Fatalf("message not forwarded")
	}
}

func TestHandleNATSMsgNullPayloadDropped(t *testing.T) {
	out := make(chan Message, 1)

	// json.Unmarshal turns a literal null into a nil map with no error; it
	// must never reach the pipeline.
	for _, data := range []string{"null", "not json", ""} {
		msg := &nats.Msg{Subject: "helmet.H-007.data", Data: []byte(data)}
		handleNATSMsg(context.Background(), msg, KindData, out, nil, nil)
		select {
		case m := <-out:
			t.Fatalf("payload %q forwarded: %+v", data, m)
		default:
		}
	}
}

func TestSendNonBlockingCountsDrops(t *testing.T) {
	drops := prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "test_ingest_dropped_total"},
		[]string{"source"},
	)
	out := make(chan Message) // nobody reading

	if SendNonBlocking(context.Background(), out, Message{Source: "udp"}, nil, drops) {
		t.Fatalf("send reported success with no receiver")
	}
	if got := testutil.ToFloat64(drops.WithLabelValues("udp")); got != 1 {
		t.Fatalf("dropped count = %v, want 1", got)
	}
}
