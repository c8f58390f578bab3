package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// JobStatus is the lifecycle state shared by jobs and their targets.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// CheckStatus is the outcome of a single verification check.
type CheckStatus string

const (
	CheckPass  CheckStatus = "pass"
	CheckFail  CheckStatus = "fail"
	CheckError CheckStatus = "error"
)

// FailureCategory classifies why a target execution failed.
type FailureCategory string

const (
	FailureConnectionError    FailureCategory = "connection_error"
	FailurePortBusy           FailureCategory = "port_busy"
	FailureMissingVariable    FailureCategory = "missing_variable"
	FailureDeviceError        FailureCategory = "device_error"
	FailureCommandTimeout     FailureCategory = "command_timeout"
	FailureVerificationFailed FailureCategory = "verification_failed"
	FailureCancelled          FailureCategory = "cancelled"
	FailureUnknown            FailureCategory = "unknown"
)

// Remediation returns the operator hint associated with a failure category.
func (c FailureCategory) Remediation() string {
	switch c {
	case FailureConnectionError:
		return "Verify that the serial port path is correct and the device is connected. Check port symlinks and cabling."
	case FailurePortBusy:
		return "Another console session or job is using this port. Wait and retry."
	case FailureMissingVariable:
		return "Ensure all template variables are provided in the job submission."
	case FailureDeviceError:
		return "Review the configuration commands for syntax errors. Check device documentation."
	case FailureCommandTimeout:
		return "Check serial connection stability. Increase timeout values if the device is slow to respond."
	case FailureVerificationFailed:
		return "Review the verification checks and ensure expected values match actual configuration."
	case FailureCancelled:
		return "The job was aborted before this target finished. Re-run the target if the work is still needed."
	default:
		return "Review the target log for details."
	}
}

// StepType discriminates the tagged step union.
type StepType string

const (
	StepAuthenticate StepType = "authenticate"
	StepPrivMode     StepType = "priv_mode"
	StepConfigMode   StepType = "config_mode"
	StepExitConfig   StepType = "exit_config"
	StepCommand      StepType = "command"
	StepVerify       StepType = "verify"
)

// CheckType selects the verification strategy for a verify step.
type CheckType string

const (
	CheckRegexMatch      CheckType = "regex_match"
	CheckRegexNotPresent CheckType = "regex_not_present"
	CheckContains        CheckType = "contains"
)

// Step is one ordered instruction of a template. Only the fields for its
// type are meaningful; ParseSteps rejects unknown types up front.
type Step struct {
	Type     StepType `json:"type"`
	Content  string   `json:"content,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`

	// verify fields
	Name      string    `json:"name,omitempty"`
	Command   string    `json:"command,omitempty"`
	CheckType CheckType `json:"check_type,omitempty"`
	Pattern   string    `json:"pattern,omitempty"`

	// WaitPrompt asks the engine to wait for output quiescence after sending.
	WaitPrompt bool `json:"wait_prompt,omitempty"`
}

// ParseSteps decodes a JSON step array, rejecting unknown step types and
// verify steps with an unknown check type.
func ParseSteps(raw []byte) ([]Step, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var steps []Step
	if err := json.Unmarshal(raw, &steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	for i, s := range steps {
		switch s.Type {
		case StepAuthenticate, StepPrivMode, StepConfigMode, StepExitConfig, StepCommand:
		case StepVerify:
			switch s.CheckType {
			case CheckRegexMatch, CheckRegexNotPresent, CheckContains:
			default:
				return nil, fmt.Errorf("step %d: unknown check_type %q", i, s.CheckType)
			}
		default:
			return nil, fmt.Errorf("step %d: unknown step type %q", i, s.Type)
		}
	}
	return steps, nil
}

// MacroStep is the recorded-macro vocabulary (send/expect/verify). Macros are
// normalized to canonical steps before execution.
type MacroStep struct {
	Type      string    `json:"type"`
	Content   string    `json:"content,omitempty"`
	Name      string    `json:"name,omitempty"`
	Command   string    `json:"command,omitempty"`
	CheckType CheckType `json:"check_type,omitempty"`
	Pattern   string    `json:"pattern,omitempty"`
}

// NormalizeMacroSteps maps the macro vocabulary onto canonical steps:
// send becomes a command, expect becomes a command that waits for quiescence,
// verify maps through unchanged.
func NormalizeMacroSteps(steps []MacroStep) ([]Step, error) {
	out := make([]Step, 0, len(steps))
	for i, ms := range steps {
		switch strings.ToLower(strings.TrimSpace(ms.Type)) {
		case "send":
			out = append(out, Step{Type: StepCommand, Content: ms.Content})
		case "expect":
			out = append(out, Step{Type: StepCommand, Content: ms.Content, WaitPrompt: true})
		case "verify":
			ct := ms.CheckType
			if ct == "" {
				ct = CheckRegexMatch
			}
			switch ct {
			case CheckRegexMatch, CheckRegexNotPresent, CheckContains:
			default:
				return nil, fmt.Errorf("macro step %d: unknown check_type %q", i, ct)
			}
			out = append(out, Step{
				Type:      StepVerify,
				Name:      ms.Name,
				Command:   ms.Command,
				CheckType: ct,
				Pattern:   ms.Pattern,
			})
		default:
			return nil, fmt.Errorf("macro step %d: unknown step type %q", i, ms.Type)
		}
	}
	return out, nil
}

// ConfigSchema is the JSON-Schema-like variable contract of a template.
type ConfigSchema struct {
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

type SchemaProperty struct {
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Default     string `json:"default,omitempty"`
}

// Template is an ordered, variable-parameterized step sequence. Steps are the
// canonical representation; Body is the legacy line-oriented rendering kept
// for templates created before steps existed.
type Template struct {
	ID           int64        `json:"id"`
	Name         string       `json:"name"`
	Body         string       `json:"body,omitempty"`
	Steps        []Step       `json:"steps,omitempty"`
	ConfigSchema ConfigSchema `json:"config_schema"`
	IsBaseline   bool         `json:"is_baseline"`
	ProfileID    *int64       `json:"profile_id,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Macro is a recorded step sequence saved from a console session.
type Macro struct {
	ID           int64        `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	Steps        []MacroStep  `json:"steps"`
	ConfigSchema ConfigSchema `json:"config_schema"`
	CreatedAt    time.Time    `json:"created_at"`
}

// DeviceProfile carries vendor-specific prompt patterns and command aliases.
type DeviceProfile struct {
	ID               int64             `json:"id"`
	Name             string            `json:"name"`
	Vendor           string            `json:"vendor"`
	Description      string            `json:"description,omitempty"`
	PromptPatterns   map[string]string `json:"prompt_patterns"`
	Commands         map[string]string `json:"commands"`
	ErrorMarkers     []string          `json:"error_markers,omitempty"`
	DetectionCommand string            `json:"detection_command,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// VerificationCheck is the immutable result of one executed verify step.
type VerificationCheck struct {
	CheckName  string      `json:"check_name"`
	Status     CheckStatus `json:"status"`
	Evidence   string      `json:"evidence"`
	FullOutput string      `json:"full_output,omitempty"`
	Message    string      `json:"message"`
}

// JobTarget is one port's execution instance within a job.
type JobTarget struct {
	ID                  string              `json:"id"`
	JobID               string              `json:"job_id"`
	Port                string              `json:"port"`
	Variables           map[string]string   `json:"variables"`
	Status              JobStatus           `json:"status"`
	Log                 string              `json:"log"`
	VerificationResults []VerificationCheck `json:"verification_results"`
	FailureCategory     FailureCategory     `json:"failure_category,omitempty"`
	Remediation         string              `json:"remediation,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// Job fans a template out to a set of target ports.
type Job struct {
	ID         string      `json:"id"`
	TemplateID *int64      `json:"template_id,omitempty"`
	MacroID    *int64      `json:"macro_id,omitempty"`
	Status     JobStatus   `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	Targets    []JobTarget `json:"targets"`
}

// AggregateStatus derives a job status from its target statuses: failed wins,
// then running while anything is pending, completed otherwise.
func AggregateStatus(targets []JobTarget) JobStatus {
	if len(targets) == 0 {
		return StatusCompleted
	}
	anyPending := false
	for _, t := range targets {
		switch t.Status {
		case StatusFailed:
			return StatusFailed
		case StatusQueued, StatusRunning:
			anyPending = true
		}
	}
	if anyPending {
		return StatusRunning
	}
	return StatusCompleted
}

// Port identifies a physical serial endpoint.
type Port struct {
	ID   int    `json:"id"`
	Path string `json:"path"`
	Baud int    `json:"baud"`
}

// PortState is recomputed on every poll, never persisted.
type PortState struct {
	Connected  bool `json:"connected"`
	Busy       bool `json:"busy"`
	Locked     bool `json:"locked"`
	Responding bool `json:"responding"`
}

// PortStatus is a port together with its current derived state.
type PortStatus struct {
	Port
	PortState
}

// Setting is one persisted key/value settings record.
type Setting struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SettingPortBaudRates is the settings key for the per-port baud map.
const SettingPortBaudRates = "port_baud_rates"

// Error codes defined by the API contract.
const (
	ErrCodePortBusy        = "E_PORT_BUSY"
	ErrCodePortUnavailable = "E_PORT_UNAVAILABLE"
	ErrCodeDeviceIO        = "E_DEVICE_IO"
	ErrCodeMissingVariable = "E_MISSING_VARIABLE"
	ErrCodeValidation      = "E_VALIDATION"
	ErrCodeCaptureTimeout  = "E_CAPTURE_TIMEOUT"
	ErrCodeAlreadyCapture  = "E_ALREADY_CAPTURING"
	ErrCodeRegexCompile    = "E_REGEX_COMPILE"
	ErrCodeSessionClosed   = "E_SESSION_CLOSED"
	ErrCodeCancelled       = "E_CANCELLED"
	ErrCodeNotFound        = "E_NOT_FOUND"
	ErrCodeInvalidRequest  = "E_INVALID_REQUEST"
	ErrCodeInternal        = "E_INTERNAL"
)
