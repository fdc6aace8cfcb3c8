package api

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-heal/internal/models"
	"github.com/miradorstack/mirador-heal/internal/utils"
)

// FromStructSample maps an IngestMetric request onto a MetricSample. The
// timestamp may be an RFC3339 string or unix seconds; it defaults to zero,
// which the engine replaces with the ingest time.
func FromStructSample(req *structpb.Struct) (models.MetricSample, error) {
	if req == nil {
		return models.MetricSample{}, fmt.Errorf("request is nil")
	}
	fields := req.GetFields()

	sample := models.MetricSample{
		ResourceID: fields["resource_id"].GetStringValue(),
		MetricName: fields["metric_name"].GetStringValue(),
	}
	if sample.ResourceID == "" || sample.MetricName == "" {
		return models.MetricSample{}, fmt.Errorf("resource_id and metric_name are required")
	}

	value, ok := fields["value"].GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return models.MetricSample{}, fmt.Errorf("value must be a number")
	}
	sample.Value = value.NumberValue

	switch ts := fields["timestamp"].GetKind().(type) {
	case nil, *structpb.Value_NullValue:
	case *structpb.Value_StringValue:
		parsed, err := utils.ParseTimestamp(ts.StringValue)
		if err != nil {
			return models.MetricSample{}, err
		}
		sample.Timestamp = parsed.UTC()
	case *structpb.Value_NumberValue:
		secs := ts.NumberValue
		whole, frac := math.Modf(secs)
		sample.Timestamp = time.Unix(int64(whole), int64(frac*float64(time.Second))).UTC()
	default:
		return models.MetricSample{}, fmt.Errorf("timestamp must be RFC3339 or unix seconds")
	}

	if tags := fields["tags"].GetStructValue(); tags != nil {
		sample.Tags = make(map[string]string, len(tags.GetFields()))
		for k, v := range tags.GetFields() {
			sample.Tags[k] = v.GetStringValue()
		}
	}
	return sample, nil
}

// StringField returns a required string field.
func StringField(req *structpb.Struct, name string) (string, error) {
	if req == nil {
		return "", fmt.Errorf("request is nil")
	}
	v := req.GetFields()[name].GetStringValue()
	if v == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return v, nil
}

// FromStructField decodes a nested object field into out. It reports false
// when the field is absent.
func FromStructField(req *structpb.Struct, name string, out any) (bool, error) {
	nested := req.GetFields()[name].GetStructValue()
	if nested == nil {
		return false, nil
	}
	if err := FromStruct(nested, out); err != nil {
		return true, fmt.Errorf("decode %s: %w", name, err)
	}
	return true, nil
}

// FromStruct decodes a Struct into a JSON-tagged value.
func FromStruct(s *structpb.Struct, out any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// ToStruct encodes a JSON-tagged value as a Struct.
func ToStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return structpb.NewStruct(fields)
}

// IngestResponse is the IngestMetric reply.
type IngestResponse struct {
	AnomalyIDs []string `json:"anomaly_ids"`
}

// ExecuteResponse is the ExecutePlan reply.
type ExecuteResponse struct {
	PlanID     string                    `json:"plan_id"`
	Success    bool                      `json:"success"`
	Executions []models.HealingExecution `json:"executions"`
}

// RollbackResponse is the Rollback reply.
type RollbackResponse struct {
	ExecutionID string `json:"execution_id"`
	RolledBack  bool   `json:"rolled_back"`
}

// SuccessRateResponse is the GetPredictedSuccessRate reply.
type SuccessRateResponse struct {
	AnomalyType models.AnomalyType `json:"anomaly_type"`
	MetricName  string             `json:"metric_name"`
	SuccessRate float64            `json:"success_rate"`
}
