// Package api defines the wire types of the HTTP interface.
package api

import (
	"time"

	"github.com/MarkusPolo/consoled/internal/model"
)

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type PortsEnvelope struct {
	SchemaVersion string             `json:"schema_version"`
	GeneratedAt   time.Time          `json:"generated_at"`
	Ports         []model.PortStatus `json:"ports"`
}

type SettingsEnvelope struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Settings      []model.Setting `json:"settings"`
}

type SettingEnvelope struct {
	SchemaVersion string        `json:"schema_version"`
	GeneratedAt   time.Time     `json:"generated_at"`
	Setting       model.Setting `json:"setting"`
}

type PutSettingRequest struct {
	Value any `json:"value"`
}

type TemplatesEnvelope struct {
	SchemaVersion string           `json:"schema_version"`
	GeneratedAt   time.Time        `json:"generated_at"`
	Templates     []model.Template `json:"templates"`
}

type TemplateEnvelope struct {
	SchemaVersion string         `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Template      model.Template `json:"template"`
	Warnings      []string       `json:"warnings,omitempty"`
}

type TemplateRequest struct {
	Name         string             `json:"name"`
	Body         string             `json:"body,omitempty"`
	Steps        []model.Step       `json:"steps,omitempty"`
	ConfigSchema model.ConfigSchema `json:"config_schema"`
	IsBaseline   bool               `json:"is_baseline,omitempty"`
	ProfileID    *int64             `json:"profile_id,omitempty"`
}

type MacrosEnvelope struct {
	SchemaVersion string        `json:"schema_version"`
	GeneratedAt   time.Time     `json:"generated_at"`
	Macros        []model.Macro `json:"macros"`
}

type MacroEnvelope struct {
	SchemaVersion string      `json:"schema_version"`
	GeneratedAt   time.Time   `json:"generated_at"`
	Macro         model.Macro `json:"macro"`
}

type MacroRequest struct {
	Name         string             `json:"name"`
	Description  string             `json:"description,omitempty"`
	Steps        []model.MacroStep  `json:"steps"`
	ConfigSchema model.ConfigSchema `json:"config_schema"`
}

type ProfilesEnvelope struct {
	SchemaVersion string                `json:"schema_version"`
	GeneratedAt   time.Time             `json:"generated_at"`
	Profiles      []model.DeviceProfile `json:"profiles"`
}

type ProfileEnvelope struct {
	SchemaVersion string              `json:"schema_version"`
	GeneratedAt   time.Time           `json:"generated_at"`
	Profile       model.DeviceProfile `json:"profile"`
}

type ProfileRequest struct {
	Name             string            `json:"name"`
	Vendor           string            `json:"vendor"`
	Description      string            `json:"description,omitempty"`
	PromptPatterns   map[string]string `json:"prompt_patterns"`
	Commands         map[string]string `json:"commands"`
	ErrorMarkers     []string          `json:"error_markers,omitempty"`
	DetectionCommand string            `json:"detection_command,omitempty"`
}

// JobTargetRequest names one port plus the variable values for that port.
type JobTargetRequest struct {
	Port      string            `json:"port"`
	Variables map[string]string `json:"variables,omitempty"`
}

type CreateJobRequest struct {
	TemplateID *int64             `json:"template_id,omitempty"`
	MacroID    *int64             `json:"macro_id,omitempty"`
	Targets    []JobTargetRequest `json:"targets"`
}

type JobEnvelope struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Job           model.Job `json:"job"`
}

type JobsEnvelope struct {
	SchemaVersion string      `json:"schema_version"`
	GeneratedAt   time.Time   `json:"generated_at"`
	Jobs          []model.Job `json:"jobs"`
}

// ConsoleControl is a client-to-server control message on the console socket.
// Raw terminal input travels as binary frames; everything else is JSON text.
type ConsoleControl struct {
	Type     string        `json:"type"`
	Command  string        `json:"command,omitempty"`
	Sequence string        `json:"sequence,omitempty"`
	Rules    []ConsoleRule `json:"rules,omitempty"`
}

type ConsoleRule struct {
	Trigger     string `json:"trigger"`
	Replacement string `json:"replacement"`
}

// ConsoleEvent is a server-to-client JSON frame on the console socket.
type ConsoleEvent struct {
	Type    string `json:"type"`
	Output  string `json:"output,omitempty"`
	Command string `json:"command,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
