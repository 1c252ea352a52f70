package agents

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/coursework/backend/internal/docstore"
)

// Status is the lifecycle state of a course agent.
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusReady        Status = "ready"
	StatusSyncing      Status = "syncing"
	StatusError        Status = "error"
	StatusDisabled     Status = "disabled"
)

var (
	ErrInvalidStatus  = errors.New("agents: invalid status")
	ErrMissingCourse  = errors.New("agents: course id is required")
	ErrMissingName    = errors.New("agents: name is required")
	ErrAgentDisabled  = errors.New("agents: agent is disabled")
	ErrInvalidSetting = errors.New("agents: temperature must be between 0 and 2")
)

// Agent is the conversational assistant attached to a course. A course has at most one.
type Agent struct {
	ID               string      `json:"id"`
	CourseID         string      `json:"course_id"`
	Name             string      `json:"name"`
	Status           Status      `json:"status"`
	Model            string      `json:"model,omitempty"`
	Instructions     string      `json:"instructions,omitempty"`
	Config           AgentConfig `json:"config"`
	KnowledgeVersion int         `json:"knowledge_version"`
	KnowledgeSources []string    `json:"knowledge_sources,omitempty"`
	LastSyncedAt     *time.Time  `json:"last_synced_at,omitempty"`
	LastError        string      `json:"last_error,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// AgentConfig carries tuning knobs; provider-specific members round-trip through Extra.
type AgentConfig struct {
	Temperature float64 `json:"temperature,omitempty"`
	Voice       string  `json:"voice,omitempty"`
	Greeting    string  `json:"greeting,omitempty"`

	Extra docstore.Extensions `json:"-"`
}

type agentConfigFields AgentConfig

func (c AgentConfig) MarshalJSON() ([]byte, error) {
	return docstore.MarshalExtended(agentConfigFields(c), c.Extra)
}

func (c *AgentConfig) UnmarshalJSON(data []byte) error {
	var fields agentConfigFields
	extra, err := docstore.UnmarshalExtended(data, &fields)
	if err != nil {
		return err
	}
	*c = AgentConfig(fields)
	c.Extra = extra
	return nil
}

// NewAgent carries the caller-supplied fields of an agent.
type NewAgent struct {
	CourseID     string      `json:"course_id"`
	Name         string      `json:"name"`
	Model        string      `json:"model"`
	Instructions string      `json:"instructions"`
	Config       AgentConfig `json:"config"`
}

// AgentUpdate merges non-nil fields into an agent.
type AgentUpdate struct {
	Name         *string      `json:"name"`
	Model        *string      `json:"model"`
	Instructions *string      `json:"instructions"`
	Config       *AgentConfig `json:"config"`
}

// ParseStatus validates a raw agent status.
func ParseStatus(raw string) (Status, error) {
	switch status := Status(strings.TrimSpace(raw)); status {
	case StatusProvisioning, StatusReady, StatusSyncing, StatusError, StatusDisabled:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

func validateConfig(config AgentConfig) error {
	if config.Temperature < 0 || config.Temperature > 2 {
		return ErrInvalidSetting
	}
	return nil
}

func cleanSources(sources []string) []string {
	seen := make(map[string]struct{}, len(sources))
	cleaned := make([]string, 0, len(sources))
	for _, source := range sources {
		source = strings.TrimSpace(source)
		if source == "" {
			continue
		}
		if _, ok := seen[source]; ok {
			continue
		}
		seen[source] = struct{}{}
		cleaned = append(cleaned, source)
	}
	return cleaned
}
