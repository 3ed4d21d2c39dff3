// Package types defines the wire and domain model shared by every beaver-relay component.
package types

import (
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// json is the codec used for every payload crossing the coordination store.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Reserved pub/sub channels. A service may never announce one of these as its own channel.
const (
	ShutdownChannel     = "shutdown"
	RegistrationChannel = "registration"
)

// IsReservedChannel reports whether name is one of the reserved channels.
func IsReservedChannel(name string) bool {
	return name == ShutdownChannel || name == RegistrationChannel
}

// JobType distinguishes requests sent to a service from responses sent back by it.
type JobType string

const (
	JobTypeRequest  JobType = "request"
	JobTypeResponse JobType = "response"
)

// JobKind is the operation a worker performs for a request (the payload's own "job_type").
type JobKind string

const (
	KindFit     JobKind = "fit"
	KindPredict JobKind = "predict"
)

// Payload keys attached to a claimed job.
const (
	FieldJobID      = "job_id"
	FieldJobType    = "job_type"
	FieldJobChannel = "job_channel"
	FieldJobQueue   = "job_queue"
)

var (
	ErrMalformed      = errors.New("malformed message")
	ErrUnexpectedType = errors.New("unexpected job type")
)

// ============================================================================
// Registration
// ============================================================================

// Registration is the advertisement of one worker service.
// It lives in the registry under its name until the lease expires.
type Registration struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Channel      string   `json:"channel"`
	Framework    string   `json:"framework"`
	Capabilities []string `json:"capabilities"`
}

// Announcement is the message a service publishes on the registration channel.
type Announcement struct {
	Name    string          `json:"name" validate:"required"`
	Version string          `json:"version" validate:"required"`
	Channel string          `json:"channel" validate:"required,notreserved"`
	Service ServiceFeatures `json:"service"`
}

// ServiceFeatures describes the backend of an announced service.
type ServiceFeatures struct {
	Framework string   `json:"framework"`
	Types     []string `json:"types"`
}

// NewAnnouncement builds the announcement for a registration.
func NewAnnouncement(reg Registration) Announcement {
	return Announcement{
		Name:    reg.Name,
		Version: reg.Version,
		Channel: reg.Channel,
		Service: ServiceFeatures{Framework: reg.Framework, Types: reg.Capabilities},
	}
}

// Registration converts the announcement into a registry record.
func (a Announcement) Registration() Registration {
	capabilities := a.Service.Types
	if capabilities == nil {
		capabilities = []string{}
	}
	return Registration{
		Name:         a.Name,
		Version:      a.Version,
		Channel:      a.Channel,
		Framework:    a.Service.Framework,
		Capabilities: capabilities,
	}
}

// DecodeAnnouncement parses a registration message.
// Any field of the wrong JSON type is reported as ErrMalformed.
func DecodeAnnouncement(data []byte) (Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(data, &a); err != nil {
		return Announcement{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return a, nil
}

// ============================================================================
// Envelopes
// ============================================================================

// Notification is the lightweight form of an envelope published on a service channel.
type Notification struct {
	JobID    string  `json:"job_id"`
	JobType  JobType `json:"job_type"`
	JobQueue string  `json:"job_queue"`
}

// Envelope is one unit of work in flight, as stored in a durable queue.
type Envelope struct {
	JobID    string         `json:"job_id"`
	JobType  JobType        `json:"job_type"`
	JobQueue string         `json:"job_queue"`
	JobData  map[string]any `json:"job_data"`
}

// Notification strips the payload from the envelope.
func (e Envelope) Notification() Notification {
	return Notification{JobID: e.JobID, JobType: e.JobType, JobQueue: e.JobQueue}
}

// Encode returns the queued (full) form.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Encode returns the published form.
func (n Notification) Encode() ([]byte, error) {
	return json.Marshal(n)
}

// DecodeNotification parses a message from a service channel and requires the given job type.
// The job_type field is matched exactly, job_id and job_queue must be non-empty strings.
func DecodeNotification(data []byte, want JobType) (Notification, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	jobID, ok1 := raw[FieldJobID].(string)
	jobType, ok2 := raw[FieldJobType].(string)
	jobQueue, ok3 := raw[FieldJobQueue].(string)
	if !ok1 || !ok2 || !ok3 || jobID == "" || jobQueue == "" {
		return Notification{}, ErrMalformed
	}
	if JobType(jobType) != want {
		return Notification{}, fmt.Errorf("%w: %q", ErrUnexpectedType, jobType)
	}

	return Notification{JobID: jobID, JobType: want, JobQueue: jobQueue}, nil
}

// DecodeEnvelope parses a queue entry.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return e, nil
}

// PeekJobID extracts the job id of a queue entry without decoding the payload.
// It returns an empty string for anything that is not an object with a string job_id.
func PeekJobID(data []byte) string {
	id := json.Get(data, FieldJobID)
	if id.ValueType() != jsoniter.StringValue {
		return ""
	}
	return id.ToString()
}

// ============================================================================
// Jobs
// ============================================================================

// Job is a request claimed by a worker. Data is the request payload with the
// job_id, job_channel and job_queue fields attached.
type Job struct {
	ID      string
	Channel string
	Queue   string
	Kind    JobKind
	Data    map[string]any
}

// NewJob attaches the routing fields to a request payload.
func NewJob(jobID, channel, queue string, data map[string]any) *Job {
	data[FieldJobID] = jobID
	data[FieldJobChannel] = channel
	data[FieldJobQueue] = queue

	kind, _ := data[FieldJobType].(string)
	return &Job{ID: jobID, Channel: channel, Queue: queue, Kind: JobKind(kind), Data: data}
}

// Encode serializes the job payload, routing fields included.
func (j *Job) Encode() ([]byte, error) {
	return json.Marshal(j.Data)
}

// DecodeJob restores a job serialized by Encode.
func DecodeJob(data []byte) (*Job, error) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if payload == nil {
		return nil, ErrMalformed
	}

	jobID, _ := payload[FieldJobID].(string)
	channel, _ := payload[FieldJobChannel].(string)
	queue, _ := payload[FieldJobQueue].(string)
	if jobID == "" || queue == "" {
		return nil, ErrMalformed
	}
	return NewJob(jobID, channel, queue, payload), nil
}

// JobResult is the response a requester receives for one job.
type JobResult struct {
	JobID      string         `json:"job_id"`
	Service    string         `json:"service"`
	Data       map[string]any `json:"data"`
	ReceivedAt time.Time      `json:"received_at"`
}

// Encode serializes the result.
func (r JobResult) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeJobResult parses a stored result.
func DecodeJobResult(data []byte) (*JobResult, error) {
	var r JobResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &r, nil
}

// DecodeRegistration parses a registry record.
func DecodeRegistration(data []byte) (*Registration, error) {
	var r Registration
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &r, nil
}

// Encode serializes the registry record.
func (r Registration) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Marshal encodes arbitrary data with the relay codec.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes arbitrary data with the relay codec.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
