package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Action is the closed set of things a link can do. One implementation per
// action kind; the graph schema fixes the set, so no open-ended plugin
// registry exists.
type Action interface {
	// Type returns the action's JSON type tag.
	Type() string
}

const (
	ActionTypeCommand     = "command"
	ActionTypeDecision    = "decision"
	ActionTypeSetVariable = "set_variable"
	ActionTypeNoop        = "noop"
	ActionTypeArchive     = "archive"
)

// CommandAction runs an executable, either once for the whole package or
// once per applicable file. Command and Args may contain %var% templates
// expanded per task.
type CommandAction struct {
	Command      string   `json:"command"`
	Args         []string `json:"args,omitempty"`
	PerFile      bool     `json:"per_file,omitempty"`
	FilterSubdir string   `json:"filter_subdir,omitempty"`
}

func (a *CommandAction) Type() string { return ActionTypeCommand }

func (a *CommandAction) Validate() error {
	if a.Command == "" {
		return errors.New("command action: empty command")
	}
	return nil
}

// DecisionAction picks the next route from the package's processing
// configuration without dispatching any executor work.
type DecisionAction struct {
	ConfigKey string `json:"config_key"`

	// Choices maps a rendered configuration value (e.g. "true", "false",
	// an enum token) to a route.
	Choices map[string]Route `json:"choices"`
}

func (a *DecisionAction) Type() string { return ActionTypeDecision }

func (a *DecisionAction) Validate() error {
	if a.ConfigKey == "" {
		return errors.New("decision action: empty config key")
	}
	if !KnownConfigKey(a.ConfigKey) {
		return fmt.Errorf("decision action: unknown config key: %s", a.ConfigKey)
	}
	if len(a.Choices) < 1 {
		return errors.New("decision action: no choices")
	}
	for v, r := range a.Choices {
		r := r
		if err := r.Validate(); err != nil {
			return fmt.Errorf("decision action: choice %q: %w", v, err)
		}
	}
	return nil
}

// SetVariableAction persists a named string variable on the package.
type SetVariableAction struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (a *SetVariableAction) Type() string { return ActionTypeSetVariable }

func (a *SetVariableAction) Validate() error {
	if a.Name == "" {
		return errors.New("set variable action: empty name")
	}
	return nil
}

// NoopAction does nothing and routes on exit code zero.
type NoopAction struct{}

func (a *NoopAction) Type() string { return ActionTypeNoop }

// ArchiveAction builds the final archival package using the compression
// algorithm and level from the processing configuration.
type ArchiveAction struct{}

func (a *ArchiveAction) Type() string { return ActionTypeArchive }

// unmarshalAction decodes the tagged-variant JSON form of an action.
func unmarshalAction(raw json.RawMessage) (Action, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, fmt.Errorf("unmarshal action type: %w", err)
	}
	var action Action
	switch tag.Type {
	case ActionTypeCommand:
		action = new(CommandAction)
	case ActionTypeDecision:
		action = new(DecisionAction)
	case ActionTypeSetVariable:
		action = new(SetVariableAction)
	case ActionTypeNoop:
		action = new(NoopAction)
	case ActionTypeArchive:
		action = new(ArchiveAction)
	default:
		return nil, fmt.Errorf("unknown action type: %q", tag.Type)
	}
	if err := json.Unmarshal(raw, action); err != nil {
		return nil, fmt.Errorf("unmarshal %s action: %w", tag.Type, err)
	}
	type validater interface{ Validate() error }
	if v, ok := action.(validater); ok {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}
	return action, nil
}
