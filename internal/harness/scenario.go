package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted conversation between the engine and a mock server.
// Steps run in order; each blocking step waits for its outcome before the
// next one starts, so the frames the client sends are reproducible.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Version overrides the protocol version the client proposes first.
	Version string `yaml:"version,omitempty"`

	// Timeout bounds every waiting step. Default: DefaultTimeout.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// Server scripts the mock server.
	Server ServerScript `yaml:"server,omitempty"`

	// Steps is the conversation.
	Steps []Step `yaml:"steps"`
}

// DefaultTimeout bounds waiting steps when a scenario sets no timeout.
const DefaultTimeout = 5 * time.Second

// ServerScript configures the mock server before the first step.
type ServerScript struct {
	// Versions the server accepts, most preferred first.
	Versions []string `yaml:"versions,omitempty"`

	// Hold lists methods and publications the server never answers.
	Hold []string `yaml:"hold,omitempty"`

	// Methods maps method names to scripted answers.
	Methods map[string]MethodScript `yaml:"methods,omitempty"`

	// Publications maps publication names to scripted documents.
	Publications map[string]PublicationScript `yaml:"publications,omitempty"`
}

// MethodScript is the answer to one method.
type MethodScript struct {
	Result any          `yaml:"result,omitempty"`
	Error  *ErrorScript `yaml:"error,omitempty"`
}

// PublicationScript is the answer to one subscription.
type PublicationScript struct {
	Docs  []DocScript  `yaml:"docs,omitempty"`
	Error *ErrorScript `yaml:"error,omitempty"`
}

// DocScript is a document a publication sends as added.
type DocScript struct {
	Collection string         `yaml:"collection"`
	ID         string         `yaml:"id"`
	Fields     map[string]any `yaml:"fields,omitempty"`
}

// ErrorScript is a server error.
type ErrorScript struct {
	Code   string `yaml:"code"`
	Reason string `yaml:"reason,omitempty"`
}

// Step is one scenario step. Exactly one field is set.
type Step struct {
	// Connect dials and waits for the state named by Expect.
	Connect *ConnectStep `yaml:"connect,omitempty"`

	// Disconnect closes the connection and waits for it to settle.
	Disconnect *DisconnectStep `yaml:"disconnect,omitempty"`

	// Call invokes a method and waits for its result.
	Call *CallStep `yaml:"call,omitempty"`

	// Subscribe opens a subscription and, unless NoWait, waits for ready.
	Subscribe *SubscribeStep `yaml:"subscribe,omitempty"`

	// Unsubscribe stops a subscription and waits for the server's answer.
	Unsubscribe *UnsubscribeStep `yaml:"unsubscribe,omitempty"`

	// Ping sends an explicit heartbeat.
	Ping *PingStep `yaml:"ping,omitempty"`

	// Server pushes a raw message from the server to the client.
	Server map[string]any `yaml:"server,omitempty"`

	// ExpectSent waits for a client frame containing these fields.
	ExpectSent map[string]any `yaml:"expect_sent,omitempty"`

	// ExpectCollection waits until a collection holds exactly Docs.
	ExpectCollection *CollectionExpect `yaml:"expect_collection,omitempty"`
}

// ConnectStep opens the connection.
type ConnectStep struct {
	// URL overrides the configured endpoint.
	URL string `yaml:"url,omitempty"`

	// Expect is the state to wait for: connected (default) or closed.
	Expect string `yaml:"expect,omitempty"`
}

// DisconnectStep closes the connection.
type DisconnectStep struct {
	Reconnect bool `yaml:"reconnect,omitempty"`
}

// CallStep invokes a method.
type CallStep struct {
	Method string `yaml:"method"`
	Params []any  `yaml:"params,omitempty"`

	// ExpectResult is compared after normalizing both sides through JSON.
	ExpectResult any `yaml:"expect_result,omitempty"`

	// ExpectError must be a substring of the error. Empty means no error.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// SubscribeStep opens a subscription.
type SubscribeStep struct {
	Name   string `yaml:"name"`
	Params []any  `yaml:"params,omitempty"`

	// ExpectError must be a substring of the nosub error. Empty means ready.
	ExpectError string `yaml:"expect_error,omitempty"`

	// NoWait continues without waiting for ready or nosub.
	NoWait bool `yaml:"no_wait,omitempty"`
}

// UnsubscribeStep stops a subscription opened earlier.
type UnsubscribeStep struct {
	// ID is the subscription's request id.
	ID string `yaml:"id"`

	// ExpectError must be a substring of the error delivered to the
	// subscription's callback. Empty skips the wait.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// PingStep sends a ping.
type PingStep struct{}

// CollectionExpect is the expected content of a collection.
type CollectionExpect struct {
	Name string           `yaml:"name"`
	Docs []map[string]any `yaml:"docs"`
}

// Connection states a ConnectStep can wait for.
const (
	ExpectConnected = "connected"
	ExpectClosed    = "closed"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML with strict field checking.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	return nil
}

// validateStep checks that exactly one action is set and that it carries
// its required fields.
func validateStep(index int, s *Step) error {
	set := 0
	for _, present := range []bool{
		s.Connect != nil,
		s.Disconnect != nil,
		s.Call != nil,
		s.Subscribe != nil,
		s.Unsubscribe != nil,
		s.Ping != nil,
		s.Server != nil,
		s.ExpectSent != nil,
		s.ExpectCollection != nil,
	} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one action is required, got %d", index, set)
	}

	switch {
	case s.Connect != nil:
		switch s.Connect.Expect {
		case "", ExpectConnected, ExpectClosed:
		default:
			return fmt.Errorf("steps[%d]: connect.expect %q must be %s or %s", index, s.Connect.Expect, ExpectConnected, ExpectClosed)
		}
	case s.Call != nil:
		if s.Call.Method == "" {
			return fmt.Errorf("steps[%d]: call.method is required", index)
		}
	case s.Subscribe != nil:
		if s.Subscribe.Name == "" {
			return fmt.Errorf("steps[%d]: subscribe.name is required", index)
		}
		if s.Subscribe.NoWait && s.Subscribe.ExpectError != "" {
			return fmt.Errorf("steps[%d]: subscribe.expect_error needs a wait", index)
		}
	case s.Unsubscribe != nil:
		if s.Unsubscribe.ID == "" {
			return fmt.Errorf("steps[%d]: unsubscribe.id is required", index)
		}
	case s.Server != nil:
		if _, ok := s.Server["msg"].(string); !ok {
			return fmt.Errorf("steps[%d]: server message needs a msg field", index)
		}
	case s.ExpectSent != nil:
		if len(s.ExpectSent) == 0 {
			return fmt.Errorf("steps[%d]: expect_sent must name at least one field", index)
		}
	case s.ExpectCollection != nil:
		if s.ExpectCollection.Name == "" {
			return fmt.Errorf("steps[%d]: expect_collection.name is required", index)
		}
	}
	return nil
}
