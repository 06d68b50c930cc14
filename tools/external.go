package tools

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
)

// Rejection reasons reported for external tool descriptors.
const (
	ReasonEmptyName       = "empty_name"
	ReasonInvalidName     = "invalid_name"
	ReasonReservedName    = "reserved_name"
	ReasonDuplicateName   = "duplicate_name"
	ReasonMalformedSchema = "malformed_schema"
)

var (
	// ErrRegistrySealed is returned by Register after the handshake.
	ErrRegistrySealed = stderrors.New("external tool registry is sealed")
	// ErrNoExternalCaller is returned when an accepted tool is invoked but no
	// client connection is available to serve it.
	ErrNoExternalCaller = stderrors.New("no client available for external tool call")
)

var toolNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// JSON Schema keywords that OpenAPI schema objects do not know about.
var jsonSchemaOnlyKeys = []string{"$schema", "$id", "$comment", "$defs", "definitions"}

// ExternalToolDescriptor is a tool offered by the client at handshake time.
type ExternalToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Rejection explains why a descriptor was not accepted.
type Rejection struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// RegistrationResult partitions the submitted tool names. Every distinct
// name appears in exactly one of the two lists.
type RegistrationResult struct {
	Accepted []string
	Rejected []Rejection
}

// ExternalCall is an agent-initiated invocation of an external tool.
type ExternalCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"arguments"`
}

// ExternalCaller forwards a tool invocation to the client that registered
// the tool and waits for its answer.
type ExternalCaller interface {
	CallExternalTool(ctx context.Context, call ExternalCall) (string, error)
}

// ExternalRegistry validates and holds the tools supplied by the client.
// It accepts exactly one registration batch and is immutable afterwards.
type ExternalRegistry struct {
	mu       sync.RWMutex
	reserved map[string]bool
	caller   ExternalCaller
	tools    []*ExternalTool
	sealed   bool
}

// NewExternalRegistry creates a registry that refuses the given reserved
// (built-in) names and bridges calls through caller.
func NewExternalRegistry(reserved []string, caller ExternalCaller) *ExternalRegistry {
	r := &ExternalRegistry{reserved: make(map[string]bool, len(reserved)), caller: caller}
	for _, name := range reserved {
		r.reserved[name] = true
	}
	return r
}

// Register validates candidates, keeps the valid ones and seals the
// registry. Checks run in order: empty name, invalid name, reserved name,
// duplicate within the batch, malformed schema.
func (r *ExternalRegistry) Register(ctx context.Context, candidates []ExternalToolDescriptor) (RegistrationResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return RegistrationResult{}, ErrRegistrySealed
	}
	r.sealed = true

	counts := make(map[string]int, len(candidates))
	for _, c := range candidates {
		counts[c.Name]++
	}

	result := RegistrationResult{Accepted: []string{}, Rejected: []Rejection{}}
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if seen[c.Name] {
			continue
		}
		seen[c.Name] = true

		reject := func(reason, detail string) {
			result.Rejected = append(result.Rejected, Rejection{Name: c.Name, Reason: reason, Detail: detail})
		}
		switch {
		case c.Name == "":
			reject(ReasonEmptyName, "tool name must not be empty")
			continue
		case !toolNamePattern.MatchString(c.Name):
			reject(ReasonInvalidName, "tool name must match "+toolNamePattern.String())
			continue
		case r.reserved[c.Name]:
			reject(ReasonReservedName, "name collides with a built-in tool")
			continue
		case counts[c.Name] > 1:
			reject(ReasonDuplicateName, fmt.Sprintf("name submitted %d times", counts[c.Name]))
			continue
		}

		schema, params, err := compileSchema(ctx, c.Parameters)
		if err != nil {
			reject(ReasonMalformedSchema, err.Error())
			continue
		}
		r.tools = append(r.tools, &ExternalTool{
			name:        c.Name,
			description: c.Description,
			params:      params,
			schema:      schema,
			registry:    r,
		})
		result.Accepted = append(result.Accepted, c.Name)
	}
	return result, nil
}

// Tools returns the accepted tools in registration order.
func (r *ExternalRegistry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Sealed reports whether the handshake batch has been processed.
func (r *ExternalRegistry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// compileSchema checks that raw describes an object and returns both the
// compiled schema (for argument validation) and the plain map (for
// provider clients).
func compileSchema(ctx context.Context, raw json.RawMessage) (*openapi3.Schema, map[string]interface{}, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage(`{"type":"object"}`)
	}

	var params map[string]interface{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, nil, fmt.Errorf("parameters must be a JSON object: %w", err)
	}
	if params == nil {
		return nil, nil, fmt.Errorf("parameters must be a JSON object")
	}
	if typ, _ := params["type"].(string); typ != "object" {
		return nil, nil, fmt.Errorf("parameters type must be \"object\", got %v", params["type"])
	}

	props := map[string]interface{}{}
	if p, ok := params["properties"]; ok {
		props, ok = p.(map[string]interface{})
		if !ok {
			return nil, nil, fmt.Errorf("properties must be an object")
		}
		for name, prop := range props {
			if _, ok := prop.(map[string]interface{}); !ok {
				return nil, nil, fmt.Errorf("property %q must be a schema object", name)
			}
		}
	}
	if req, ok := params["required"]; ok {
		list, ok := req.([]interface{})
		if !ok {
			return nil, nil, fmt.Errorf("required must be a list of property names")
		}
		for _, item := range list {
			name, ok := item.(string)
			if !ok {
				return nil, nil, fmt.Errorf("required entries must be strings")
			}
			if _, declared := props[name]; !declared {
				return nil, nil, fmt.Errorf("required property %q is not declared", name)
			}
		}
	}

	stripped := make(map[string]interface{}, len(params))
	for k, v := range params {
		stripped[k] = v
	}
	for _, k := range jsonSchemaOnlyKeys {
		delete(stripped, k)
	}
	data, err := json.Marshal(stripped)
	if err != nil {
		return nil, nil, err
	}
	schema := &openapi3.Schema{}
	if err := json.Unmarshal(data, schema); err != nil {
		return nil, nil, fmt.Errorf("invalid schema: %w", err)
	}
	if err := schema.Validate(ctx); err != nil {
		return nil, nil, fmt.Errorf("invalid schema: %w", err)
	}
	return schema, params, nil
}

// ExternalTool is an accepted client tool. Executing it validates the
// arguments and forwards the call to the client.
type ExternalTool struct {
	name        string
	description string
	params      map[string]interface{}
	schema      *openapi3.Schema
	registry    *ExternalRegistry
}

func (t *ExternalTool) Name() string                       { return t.name }
func (t *ExternalTool) Description() string                { return t.description }
func (t *ExternalTool) Parameters() map[string]interface{} { return t.params }

func (t *ExternalTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	if err := t.schema.VisitJSON(toJSONValue(args)); err != nil {
		return "", fmt.Errorf("invalid arguments for %s: %w", t.name, err)
	}
	caller := t.registry.caller
	if caller == nil {
		return "", ErrNoExternalCaller
	}
	return caller.CallExternalTool(ctx, ExternalCall{
		ID:   CallIDFromContext(ctx),
		Name: t.name,
		Args: args,
	})
}

// toJSONValue normalises args to the shapes encoding/json produces, which
// is what the schema validator expects (float64 numbers, []interface{}).
func toJSONValue(args map[string]interface{}) interface{} {
	data, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return args
	}
	return v
}

type callIDKey struct{}

// WithCallID attaches the model's tool call id to ctx.
func WithCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callIDKey{}, id)
}

// CallIDFromContext returns the tool call id set by WithCallID, or "".
func CallIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey{}).(string)
	return id
}

