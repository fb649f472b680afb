package runqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/SirClappington/runengine/internal/domain"
)

type MessageVersion string

const (
	MessageV1Version MessageVersion = "1"
	MessageV2Version MessageVersion = "2"
)

// Message is a queued run. Producers before worker queues existed wrote
// MessageV1, which routes through MasterQueues; current producers write
// MessageV2 with an explicit WorkerQueue.
type Message interface {
	Version() MessageVersion
	Run() string
	Descriptor() QueueDescriptor
	// AvailableAt is the time the run became eligible in its queue.
	AvailableAt() time.Time
	isMessage()
}

type MessageV1 struct {
	RunID           string                 `json:"runId"`
	TaskIdentifier  string                 `json:"taskIdentifier"`
	OrgID           string                 `json:"orgId"`
	ProjectID       string                 `json:"projectId"`
	EnvironmentID   string                 `json:"environmentId"`
	EnvironmentType domain.EnvironmentType `json:"environmentType"`
	Queue           string                 `json:"queue"`
	MasterQueues    []string               `json:"masterQueues"`
	Timestamp       int64                  `json:"timestamp"`
	Attempt         int                    `json:"attempt"`
}

type MessageV2 struct {
	RunID           string                 `json:"runId"`
	TaskIdentifier  string                 `json:"taskIdentifier"`
	OrgID           string                 `json:"orgId"`
	ProjectID       string                 `json:"projectId"`
	EnvironmentID   string                 `json:"environmentId"`
	EnvironmentType domain.EnvironmentType `json:"environmentType"`
	Queue           string                 `json:"queue"`
	WorkerQueue     string                 `json:"workerQueue"`
	Timestamp       int64                  `json:"timestamp"`
	Attempt         int                    `json:"attempt"`
}

func (MessageV1) Version() MessageVersion { return MessageV1Version }
func (MessageV2) Version() MessageVersion { return MessageV2Version }

func (m MessageV1) Run() string { return m.RunID }
func (m MessageV2) Run() string { return m.RunID }

func (m MessageV1) Descriptor() QueueDescriptor {
	return QueueDescriptor{OrgID: m.OrgID, ProjectID: m.ProjectID, EnvironmentID: m.EnvironmentID, Queue: m.Queue}
}

func (m MessageV2) Descriptor() QueueDescriptor {
	return QueueDescriptor{OrgID: m.OrgID, ProjectID: m.ProjectID, EnvironmentID: m.EnvironmentID, Queue: m.Queue}
}

func (m MessageV1) AvailableAt() time.Time { return time.UnixMilli(m.Timestamp) }
func (m MessageV2) AvailableAt() time.Time { return time.UnixMilli(m.Timestamp) }

func (MessageV1) isMessage() {}
func (MessageV2) isMessage() {}

var ErrInvalidMessage = errors.New("invalid run queue message")

// EncodeMessage writes m with its version discriminator.
func EncodeMessage(m Message) ([]byte, error) {
	switch v := m.(type) {
	case MessageV1:
		return json.Marshal(struct {
			Version MessageVersion `json:"version"`
			MessageV1
		}{MessageV1Version, v})
	case MessageV2:
		return json.Marshal(struct {
			Version MessageVersion `json:"version"`
			MessageV2
		}{MessageV2Version, v})
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalidMessage, m)
	}
}

// DecodeMessage reads either message version. A payload without a version
// field is treated as version 1.
func DecodeMessage(b []byte) (Message, error) {
	var head struct {
		Version MessageVersion `json:"version"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	switch head.Version {
	case MessageV1Version, "":
		var m MessageV1
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return m, nil
	case MessageV2Version:
		var m MessageV2
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return m, nil
	}
	return nil, fmt.Errorf("%w: version %q", ErrInvalidMessage, head.Version)
}
