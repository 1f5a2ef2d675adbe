// Package pulse forwards engine events to goa.design/pulse streams so
// external consumers can follow process execution over Redis. The forwarder
// subscribes to the engine's event bus and publishes one envelope per event,
// keyed by instance.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	clientspulse "github.com/spear-engine/spear/features/stream/pulse/clients/pulse"

	"github.com/spear-engine/spear/engine/hooks"
)

type (
	// Options configures the Forwarder.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
		// StreamID derives the target stream from an event. The default
		// uses the last path segment of the instance URI.
		StreamID func(hooks.Event) (string, error)
		// MarshalEnvelope overrides envelope serialization, primarily for
		// tests.
		MarshalEnvelope func(Envelope) ([]byte, error)
	}

	// Forwarder publishes engine events into Pulse streams. It implements
	// hooks.Subscriber; register it on the engine bus. Events without an
	// instance are skipped.
	Forwarder struct {
		client  clientspulse.Client
		stream  func(hooks.Event) (string, error)
		marshal func(Envelope) ([]byte, error)
	}

	// Envelope wraps engine events for transmission over Pulse streams.
	Envelope struct {
		// Type identifies the event kind (e.g. "token_moved").
		Type string `json:"type"`
		// Instance is the process instance URI the event belongs to.
		Instance string `json:"instance"`
		// Node is the definition node the event concerns, if any.
		Node string `json:"node,omitempty"`
		// Timestamp records when the event was published (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Details holds the event-specific fields.
		Details map[string]any `json:"details,omitempty"`
	}
)

// NewForwarder constructs a Pulse-backed event forwarder. The Client field
// in opts is required.
func NewForwarder(opts Options) (*Forwarder, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	f := &Forwarder{
		client:  opts.Client,
		stream:  defaultStreamID,
		marshal: defaultMarshal,
	}
	if opts.StreamID != nil {
		f.stream = opts.StreamID
	}
	if opts.MarshalEnvelope != nil {
		f.marshal = opts.MarshalEnvelope
	}
	return f, nil
}

// HandleEvent implements hooks.Subscriber.
func (f *Forwarder) HandleEvent(ctx context.Context, event hooks.Event) error {
	if event.Instance() == "" {
		return nil
	}
	streamID, err := f.stream(event)
	if err != nil {
		return err
	}
	handle, err := f.client.Stream(streamID)
	if err != nil {
		return err
	}
	env := Envelope{
		Type:      string(event.Type()),
		Instance:  event.Instance(),
		Node:      event.Node(),
		Timestamp: time.UnixMilli(event.Timestamp()).UTC(),
		Details:   hooks.Details(event),
	}
	payload, err := f.marshal(env)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, env.Type, payload); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the forwarder's client.
func (f *Forwarder) Close(ctx context.Context) error {
	return f.client.Close(ctx)
}

// defaultStreamID derives the stream name from the instance URI's last path
// segment, which the engine mints as a UUID.
func defaultStreamID(event hooks.Event) (string, error) {
	uri := event.Instance()
	if uri == "" {
		return "", errors.New("event missing instance")
	}
	seg := uri
	if i := strings.LastIndexByte(uri, '/'); i >= 0 && i+1 < len(uri) {
		seg = uri[i+1:]
	}
	return fmt.Sprintf("instance/%s", seg), nil
}

func defaultMarshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}
