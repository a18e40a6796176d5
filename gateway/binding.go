package gateway

import (
	"encoding/json"

	"github.com/panyam/eventgw/bus"
)

// MaxRoutingKeyLength is the AMQP limit on routing keys and their patterns.
const MaxRoutingKeyLength = 255

// ValidationError is a client-caused, recoverable input error. It is
// surfaced as an error frame (duplex) or a pre-stream HTTP rejection
// (streaming), never as a session crash.
type ValidationError struct {
	Field   string
	Message string
	extra   map[string]any
}

func (e *ValidationError) Error() string { return e.Message }

// Details returns the offending-field context for the client-facing error.
func (e *ValidationError) Details() map[string]any {
	out := make(map[string]any, len(e.extra)+1)
	for k, v := range e.extra {
		out[k] = v
	}
	if e.Field != "" {
		out["field"] = e.Field
	}
	return out
}

func invalid(field, message string, extra map[string]any) *ValidationError {
	return &ValidationError{Field: field, Message: message, extra: extra}
}

// ValidateBindOptions validates the options of a duplex-mode bind request and
// returns the normalized binding. Rules short-circuit on first failure:
// options must be a JSON object, exchange and routingKeyPattern must be
// strings, the pattern is capped at 255 characters, and when allowed is
// non-empty the exchange must appear in it.
func ValidateBindOptions(raw json.RawMessage, allowed map[string]struct{}) (bus.Binding, *ValidationError) {
	var fields map[string]json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &fields) != nil || fields == nil {
		return bus.Binding{}, invalid("options", "bind: options must be a JSON object",
			map[string]any{"options": json.RawMessage(raw)})
	}

	// Pointers distinguish a JSON null from a present string; null is not a
	// string and must be rejected like any other wrong type.
	var exchange *string
	if err := json.Unmarshal(fields["exchange"], &exchange); err != nil || exchange == nil {
		return bus.Binding{}, invalid("exchange", "bind: options.exchange must be a string", nil)
	}
	var pattern *string
	if err := json.Unmarshal(fields["routingKeyPattern"], &pattern); err != nil || pattern == nil {
		return bus.Binding{}, invalid("routingKeyPattern",
			"bind: options.routingKeyPattern must be a string", nil)
	}
	if len(*pattern) > MaxRoutingKeyLength {
		return bus.Binding{}, invalid("routingKeyPattern",
			"bind: options.routingKeyPattern is limited to 255 characters",
			map[string]any{"routingKeyPattern": *pattern})
	}
	if len(allowed) > 0 {
		if _, ok := allowed[*exchange]; !ok {
			return bus.Binding{}, invalid("exchange", "Exchange not allowed",
				map[string]any{"exchange": *exchange})
		}
	}
	return bus.Binding{Exchange: *exchange, RoutingKeyPattern: *pattern}, nil
}

// streaming-mode binding element: exactly exchange plus one of
// routingKey/routingKeyPattern.
type queryBinding struct {
	Exchange          *string `json:"exchange"`
	RoutingKey        *string `json:"routingKey"`
	RoutingKeyPattern *string `json:"routingKeyPattern"`
}

// ValidateBindingQuery validates the decoded "bindings" query parameter of a
// streaming-mode request: urlencoded JSON of the form
// {"bindings": [{exchange, routingKey}, ...]}.
func ValidateBindingQuery(raw string) ([]bus.Binding, *ValidationError) {
	if raw == "" {
		return nil, invalid("bindings", "The bindings query parameter is required", nil)
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &top); err != nil {
		return nil, invalid("bindings", "Failed to parse bindings", map[string]any{"bindings": raw})
	}
	if len(top) != 1 || top["bindings"] == nil {
		return nil, invalid("bindings", "The json query should have only one key", nil)
	}

	var items []map[string]json.RawMessage
	if err := json.Unmarshal(top["bindings"], &items); err != nil {
		return nil, invalid("bindings", "Bindings must be an array of {exchange, routingKey}", nil)
	}
	out := make([]bus.Binding, 0, len(items))
	for _, item := range items {
		b, verr := validateQueryBinding(item)
		if verr != nil {
			return nil, verr
		}
		out = append(out, b)
	}
	return out, nil
}

func validateQueryBinding(item map[string]json.RawMessage) (bus.Binding, *ValidationError) {
	if item == nil || len(item) != 2 {
		return bus.Binding{}, invalid("bindings",
			"Bindings must be an array of {exchange, routingKey}", nil)
	}
	var qb queryBinding
	data, _ := json.Marshal(item)
	if err := json.Unmarshal(data, &qb); err != nil {
		return bus.Binding{}, invalid("bindings",
			"Bindings must be an array of {exchange, routingKey}", nil)
	}
	// Reject unknown field names: the two present keys must be the two we
	// decoded.
	known := 0
	if qb.Exchange != nil {
		known++
	}
	if qb.RoutingKey != nil {
		known++
	}
	if qb.RoutingKeyPattern != nil {
		known++
	}
	if qb.Exchange == nil || known != 2 {
		return bus.Binding{}, invalid("bindings",
			"Bindings must be an array of {exchange, routingKey}", nil)
	}
	pattern := qb.RoutingKey
	if pattern == nil {
		pattern = qb.RoutingKeyPattern
	}
	if len(*pattern) > MaxRoutingKeyLength {
		return bus.Binding{}, invalid("routingKey",
			"routingKey is limited to 255 characters",
			map[string]any{"routingKey": *pattern})
	}
	return bus.Binding{Exchange: *qb.Exchange, RoutingKeyPattern: *pattern}, nil
}
