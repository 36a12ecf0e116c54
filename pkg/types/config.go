package types

// SwitchPolicy decides what happens to a running session when another session becomes active.
type SwitchPolicy string

const (
	// SwitchCancel stops the previous session's run. Partially streamed replies are kept as-is.
	SwitchCancel SwitchPolicy = "cancel"
	// SwitchBackground lets the previous session's run continue.
	SwitchBackground SwitchPolicy = "background"
)

// Config represents the runchat configuration.
type Config struct {
	// Schema reference (for editor support)
	Schema string `json:"$schema,omitempty"`

	// Remote run service
	APIURL  string `json:"apiUrl,omitempty"`
	APIKey  string `json:"apiKey,omitempty"`
	GraphID string `json:"graphId,omitempty"`

	// Assistant configuration passed on createAssistant and each run
	AssistantConfig map[string]any `json:"assistantConfig,omitempty"`

	// Session behavior
	SwitchPolicy   SwitchPolicy `json:"switchPolicy,omitempty"`
	StrictToolGate *bool        `json:"strictToolGate,omitempty"`

	// Logging
	LogLevel  string `json:"logLevel,omitempty"`
	LogToFile bool   `json:"logToFile,omitempty"`

	// Request timeout for non-streaming calls, in seconds
	RequestTimeout int `json:"requestTimeout,omitempty"`
}

// StrictGate reports whether tool-call slots gate on all pending results (default true).
func (c *Config) StrictGate() bool {
	return c.StrictToolGate == nil || *c.StrictToolGate
}
