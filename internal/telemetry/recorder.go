package telemetry

import (
	"context"
	"encoding/json"
	"log"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/nats-io/nats.go"

	"github.com/terminal-bench/gridtrust/pkg/messaging"
)

// Recorder writes accepted readings and resolved sessions to InfluxDB for
// the dashboards. It consumes the same events every other collaborator sees.
type Recorder struct {
	client    influxdb2.Client
	writeAPI  api.WriteAPIBlocking
	msgClient *messaging.Client
}

// Config holds InfluxDB configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewRecorder creates a telemetry recorder.
func NewRecorder(cfg Config, msgClient *messaging.Client) *Recorder {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Recorder{
		client:    client,
		writeAPI:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		msgClient: msgClient,
	}
}

// Start subscribes to reading and session events.
func (r *Recorder) Start(ctx context.Context) error {
	err := r.msgClient.Subscribe(messaging.EventTypeReadingAccepted, func(msg *nats.Msg) {
		var event messaging.ReadingEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("Failed to decode reading event: %v", err)
			return
		}
		r.writeReading(ctx, event)
	})
	if err != nil {
		return err
	}

	return r.msgClient.Subscribe(messaging.EventTypeSessionResolved, func(msg *nats.Msg) {
		var event messaging.VerdictEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("Failed to decode verdict event: %v", err)
			return
		}
		r.writeVerdict(ctx, event)
	})
}

func (r *Recorder) writeReading(ctx context.Context, event messaging.ReadingEvent) {
	point := influxdb2.NewPoint("meter_reading",
		map[string]string{"device_id": event.DeviceID},
		map[string]interface{}{
			"value":            event.Value,
			"sequence":         int64(event.Sequence),
			"suspicious_score": event.SuspiciousScore,
		},
		event.Timestamp,
	)

	if err := r.writeAPI.WritePoint(ctx, point); err != nil {
		log.Printf("Failed to write reading point for %s: %v", event.DeviceID, err)
	}
}

func (r *Recorder) writeVerdict(ctx context.Context, event messaging.VerdictEvent) {
	point := influxdb2.NewPoint("consensus_verdict",
		map[string]string{"device_id": event.DeviceID},
		map[string]interface{}{
			"sequence":   int64(event.Sequence),
			"outcome":    event.Outcome,
			"yes_weight": event.YesWeight,
			"no_weight":  event.NoWeight,
		},
		event.ResolvedAt,
	)

	if err := r.writeAPI.WritePoint(ctx, point); err != nil {
		log.Printf("Failed to write verdict point for %s: %v", event.DeviceID, err)
	}
}

// Close flushes and closes the InfluxDB client.
func (r *Recorder) Close() {
	r.client.Close()
}

// Healthy pings InfluxDB.
func (r *Recorder) Healthy(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	ok, err := r.client.Ping(pingCtx)
	return err == nil && ok
}
