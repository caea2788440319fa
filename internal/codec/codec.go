// Package codec transforms between MQTT wire payloads and the pipeline's
// in-memory model.DetectionBatch / model.TrackSet types, per spec §4.2/§6.
package codec

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/scenescape/tracker/internal/model"
	"github.com/scenescape/tracker/internal/observability"
)

const (
	// InboundTopicPrefix is the fixed prefix before the single-segment
	// camera identifier in the inbound topic pattern
	// "scenescape/data/camera/+".
	InboundTopicPrefix = "scenescape/data/camera/"

	// outboundTopicFormat is "scenescape/data/scene/{scene_id}/{thing_type}".
	outboundTopicFormat = "scenescape/data/scene/%s/%s"
)

// OutboundTopic builds the publish topic for a scene+thing_type pair.
func OutboundTopic(sceneID, thingType string) string {
	return fmt.Sprintf(outboundTopicFormat, sceneID, thingType)
}

// CameraIDFromTopic extracts the camera identifier as the topic segment
// following InboundTopicPrefix.
func CameraIDFromTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, InboundTopicPrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(topic, InboundTopicPrefix)
	if rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

// traceContext is an optional envelope field carrying W3C trace-context
// propagation. The broker client library in use (paho.mqtt.golang, MQTT
// 3.1.1) has no message user-properties, unlike the MQTT 5 user-properties
// spec §6 describes; trace context is carried as this envelope field
// instead. Unknown fields are ignored by receivers that don't understand it.
type traceContext struct {
	TraceParent string `json:"traceparent,omitempty"`
	TraceState  string `json:"tracestate,omitempty"`
}

type inboundDetection struct {
	ID            *int        `json:"id,omitempty"`
	BoundingBoxPx inboundBBox `json:"bounding_box_px"`
}

type inboundBBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type inboundPayload struct {
	ID           string                        `json:"id"`
	Timestamp    string                        `json:"timestamp"`
	Objects      map[string][]inboundDetection `json:"objects"`
	TraceContext *traceContext                 `json:"trace_context,omitempty"`
}

type outboundTrack struct {
	ID          string     `json:"id"`
	Category    string     `json:"category"`
	Translation [3]float64 `json:"translation"`
	Velocity    [3]float64 `json:"velocity"`
	Size        [3]float64 `json:"size"`
	Rotation    [4]float64 `json:"rotation"`
}

type outboundPayload struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Type         string          `json:"type"`
	Timestamp    string          `json:"timestamp"`
	Objects      []outboundTrack `json:"objects"`
	TraceContext *traceContext   `json:"trace_context,omitempty"`
}

// MessageCodec decodes inbound camera-data payloads into DetectionBatches
// and encodes outbound TrackSets into scene-data payloads.
type MessageCodec struct {
	sceneID          string
	schemaValidation bool
	tracer           *observability.TraceManager
	metrics          *observability.MetricsManager
	logger           *slog.Logger
}

func NewMessageCodec(sceneID string, schemaValidation bool, tracer *observability.TraceManager, metrics *observability.MetricsManager, logger *slog.Logger) *MessageCodec {
	return &MessageCodec{
		sceneID:          sceneID,
		schemaValidation: schemaValidation,
		tracer:           tracer,
		metrics:          metrics,
		logger:           logger,
	}
}

// Decode parses an inbound payload into one DetectionBatch per category
// present in the "objects" map. Each batch shares the same camera_id and
// wall-clock timestamp but owns an independent ObservabilityContext, since
// each is routed to a distinct Scope.
//
// On a malformed payload, Decode returns a nil batch slice and a non-nil
// error; the caller is responsible for constructing and aborting an
// ObservabilityContext with ReasonParseError or ReasonSchemaInvalid — Decode
// itself cannot abort anything because no per-category ObservabilityContext
// exists until the categories are known.
func (c *MessageCodec) Decode(topic string, payload []byte, now time.Time) ([]model.DetectionBatch, observability.DropReason, error) {
	cameraID, ok := CameraIDFromTopic(topic)
	if !ok {
		return nil, observability.ReasonParseError, fmt.Errorf("topic %q does not match inbound pattern %q", topic, InboundTopicPrefix+"+")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, observability.ReasonParseError, fmt.Errorf("decode inbound payload: %w", err)
	}

	var in inboundPayload
	if err := json.Unmarshal(payload, &in); err != nil {
		if c.schemaValidation {
			return nil, observability.ReasonSchemaInvalid, fmt.Errorf("payload does not match camera-data schema: %w", err)
		}
		return nil, observability.ReasonParseError, fmt.Errorf("decode inbound payload: %w", err)
	}

	if c.schemaValidation {
		if _, hasID := raw["id"]; !hasID {
			return nil, observability.ReasonSchemaInvalid, fmt.Errorf("camera-data payload missing required field %q", "id")
		}
		if _, hasTS := raw["timestamp"]; !hasTS {
			return nil, observability.ReasonSchemaInvalid, fmt.Errorf("camera-data payload missing required field %q", "timestamp")
		}
		if _, hasObjects := raw["objects"]; !hasObjects {
			return nil, observability.ReasonSchemaInvalid, fmt.Errorf("camera-data payload missing required field %q", "objects")
		}
	}

	if in.ID != "" && in.ID != cameraID {
		c.logger.Warn("camera id in payload does not match topic segment",
			"topic_camera_id", cameraID, "payload_camera_id", in.ID)
	}

	batches := make([]model.DetectionBatch, 0, len(in.Objects))
	for category, detections := range in.Objects {
		converted := make([]model.Detection, 0, len(detections))
		for _, d := range detections {
			converted = append(converted, model.Detection{
				DetectionID: d.ID,
				BBoxPx: model.BBox{
					X:      d.BoundingBoxPx.X,
					Y:      d.BoundingBoxPx.Y,
					Width:  d.BoundingBoxPx.Width,
					Height: d.BoundingBoxPx.Height,
				},
			})
		}

		var traceparent, tracestate string
		if in.TraceContext != nil {
			traceparent = in.TraceContext.TraceParent
			tracestate = in.TraceContext.TraceState
		}

		obsCtx := observability.NewObservabilityContext(
			context.Background(), c.tracer, c.metrics, c.logger,
			c.sceneID, category, topic, traceparent, tracestate,
		)
		obsCtx.MarkParse(cameraID)

		batches = append(batches, model.DetectionBatch{
			CameraID:           cameraID,
			Timestamp:          now,
			WallClockTimestamp: in.Timestamp,
			Category:           category,
			Detections:         converted,
			ObsCtx:             obsCtx,
		})
	}

	return batches, "", nil
}

// Encode serializes a TrackSet into an outbound scene-data payload. If
// schema validation is enabled, Encode validates its own output and returns
// an error (a programming error per spec §7 — this must never occur in
// production, since we control both the schema and the encoder).
func (c *MessageCodec) Encode(ts model.TrackSet) ([]byte, error) {
	out := outboundPayload{
		ID:        ts.SceneID,
		Name:      ts.SceneName,
		Type:      ts.ThingType,
		Timestamp: ts.Timestamp,
		Objects:   make([]outboundTrack, 0, len(ts.Tracks)),
	}
	for _, t := range ts.Tracks {
		out.Objects = append(out.Objects, outboundTrack{
			ID:          t.ID,
			Category:    t.Category,
			Translation: t.Translation,
			Velocity:    t.Velocity,
			Size:        t.Size,
			Rotation:    t.Rotation,
		})
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode scene-data payload: %w", err)
	}

	if c.schemaValidation {
		if out.ID == "" || out.Type == "" {
			return nil, fmt.Errorf("encoded scene-data payload fails self-validation: missing id or type")
		}
	}

	return payload, nil
}

// EncodeWithTrace stamps the batch's trace-context carrier onto the
// outbound payload before marshaling, round-tripping it for downstream
// consumers (spec §6: "outbound publishes carry the continued context").
func (c *MessageCodec) EncodeWithTrace(ts model.TrackSet, headers map[string]string) ([]byte, error) {
	payload, err := c.Encode(ts)
	if err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return payload, nil
	}

	var out map[string]interface{}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("re-encode scene-data payload with trace context: %w", err)
	}
	out["trace_context"] = map[string]string{
		"traceparent": headers["traceparent"],
		"tracestate":  headers["tracestate"],
	}
	return json.Marshal(out)
}

