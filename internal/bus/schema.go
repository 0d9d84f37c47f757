package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaValidator enforces the design note in spec.md §9: dynamic JSON
// payloads on the bus are validated against a per-topic schema at the
// adapter boundary, treating the schema as part of the contract rather
// than an implementation detail buried in each simulator.
type SchemaValidator struct {
	mu      sync.RWMutex
	schemas map[string]*gojsonschema.Schema
}

// NewSchemaValidator returns an empty validator; register schemas with
// Register before wrapping a Bus with ValidatingBus.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{schemas: make(map[string]*gojsonschema.Schema)}
}

// Register compiles schemaJSON and associates it with topicPattern.
func (v *SchemaValidator) Register(topicPattern string, schemaJSON []byte) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("bus: compile schema for %s: %w", topicPattern, err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[topicPattern] = schema
	return nil
}

// Validate checks payload against any schema registered for a pattern that
// matches topic. Unregistered topics pass through unvalidated — per
// spec.md §4.3, "subscribers must tolerate unknown fields", not reject
// unknown topics outright.
func (v *SchemaValidator) Validate(topic string, payload []byte) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var doc any
	for pattern, schema := range v.schemas {
		if !matches(pattern, topic) {
			continue
		}
		if doc == nil {
			if err := json.Unmarshal(payload, &doc); err != nil {
				return fmt.Errorf("bus: malformed payload on %s: %w", topic, err)
			}
		}
		result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
		if err != nil {
			return fmt.Errorf("bus: validate %s: %w", topic, err)
		}
		if !result.Valid() {
			return fmt.Errorf("bus: payload on %s failed schema: %v", topic, result.Errors())
		}
	}
	return nil
}

// ValidatingBus wraps an inner Bus, validating every inbound Subscribe
// delivery and outbound Publish payload against the registered schemas.
// Messages that fail validation are dropped and logged rather than
// delivered or sent — per spec.md §4.2 step 1, "unrecognised or malformed
// messages are dropped and logged; they do not alter state".
type ValidatingBus struct {
	inner  Bus
	schema *SchemaValidator
	onDrop func(topic string, err error)
}

// NewValidatingBus wraps inner with schema validation. onDrop, if non-nil,
// is called for every message dropped due to a validation failure.
func NewValidatingBus(inner Bus, schema *SchemaValidator, onDrop func(topic string, err error)) *ValidatingBus {
	return &ValidatingBus{inner: inner, schema: schema, onDrop: onDrop}
}

func (vb *ValidatingBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := vb.schema.Validate(topic, payload); err != nil {
		if vb.onDrop != nil {
			vb.onDrop(topic, err)
		}
		return nil
	}
	return vb.inner.Publish(ctx, topic, payload)
}

func (vb *ValidatingBus) Subscribe(pattern string, handler Handler) (unsubscribe func()) {
	return vb.inner.Subscribe(pattern, func(msg Message) {
		if err := vb.schema.Validate(msg.Topic, msg.Payload); err != nil {
			if vb.onDrop != nil {
				vb.onDrop(msg.Topic, err)
			}
			return
		}
		handler(msg)
	})
}

func (vb *ValidatingBus) Connected() bool { return vb.inner.Connected() }
func (vb *ValidatingBus) Close() error    { return vb.inner.Close() }
