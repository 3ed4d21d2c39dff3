package server

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/beaver-relay/pkg/types"
)

// Every gateway message is a structpb.Struct carrying the JSON form of one of
// the types below.

type submitRequest struct {
	Service    string         `json:"service"`
	JobID      string         `json:"job_id,omitempty"`
	Data       map[string]any `json:"data"`
	WaitMillis int64          `json:"wait_ms,omitempty"`
}

type submitReply struct {
	JobID    string           `json:"job_id"`
	JobQueue string           `json:"job_queue"`
	Result   *types.JobResult `json:"result,omitempty"`
}

type serviceRequest struct {
	Name string `json:"name"`
}

type listRequest struct {
	Details bool `json:"details"`
}

type listReply struct {
	Names    []string             `json:"names"`
	Services []types.Registration `json:"services,omitempty"`
}

type jobsRequest struct {
	Service string `json:"service"`
}

type jobsReply struct {
	JobIDs []string `json:"job_ids"`
}

type responseRequest struct {
	Service       string `json:"service"`
	JobID         string `json:"job_id"`
	TimeoutMillis int64  `json:"timeout_ms"`
}

// StatusReply is the coordinator status as seen through the gateway.
type StatusReply struct {
	UptimeMillis int64          `json:"uptime_ms"`
	LiveChannels []string       `json:"live_channels"`
	Subscribed   []string       `json:"subscribed"`
	Jobs         map[string]int `json:"jobs"`
}

// toStruct converts v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := types.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := types.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("failed to build message: %w", err)
	}
	return s, nil
}

// fromStruct fills v from the JSON form of s.
func fromStruct(s *structpb.Struct, v any) error {
	raw, err := types.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return types.Unmarshal(raw, v)
}
