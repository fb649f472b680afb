package domain

import "time"

type EnvironmentType string

const (
	EnvDevelopment EnvironmentType = "DEVELOPMENT"
	EnvStaging     EnvironmentType = "STAGING"
	EnvPreview     EnvironmentType = "PREVIEW"
	EnvProduction  EnvironmentType = "PRODUCTION"
)

type Organization struct {
	ID                      string
	MaximumConcurrencyLimit int
}

type Environment struct {
	ID                      string
	Type                    EnvironmentType
	ProjectID               string
	OrganizationID          string
	APIKey                  string
	MaximumConcurrencyLimit int
}

// BackgroundWorker is a deployed code version able to execute TaskIdentifiers.
type BackgroundWorker struct {
	ID              string
	EnvironmentID   string
	Version         string
	TaskIdentifiers []string
	CreatedAt       time.Time
}

func (w *BackgroundWorker) HasTask(task string) bool {
	for _, t := range w.TaskIdentifiers {
		if t == task {
			return true
		}
	}
	return false
}

// WorkerInstance is a live worker process polling a worker queue.
type WorkerInstance struct {
	ID              string
	WorkerQueue     string
	LastHeartbeatAt time.Time
}

type MachinePreset struct {
	Name   string  `json:"name"`
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
}

var MachinePresets = map[string]MachinePreset{
	"micro":     {Name: "micro", CPU: 0.25, Memory: 0.25},
	"small-1x":  {Name: "small-1x", CPU: 0.5, Memory: 0.5},
	"small-2x":  {Name: "small-2x", CPU: 1, Memory: 1},
	"medium-1x": {Name: "medium-1x", CPU: 1, Memory: 2},
	"medium-2x": {Name: "medium-2x", CPU: 2, Memory: 4},
	"large-1x":  {Name: "large-1x", CPU: 4, Memory: 8},
	"large-2x":  {Name: "large-2x", CPU: 8, Memory: 16},
}

const DefaultMachinePreset = "small-1x"

// Machine returns the preset named name, falling back to the default preset.
func Machine(name string) MachinePreset {
	if p, ok := MachinePresets[name]; ok {
		return p
	}
	return MachinePresets[DefaultMachinePreset]
}
