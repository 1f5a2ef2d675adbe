package pulse

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/spear-engine/spear/features/stream/pulse/clients/pulse"

	"github.com/spear-engine/spear/engine/hooks"
)

type fakeStream struct {
	events   []string
	payloads [][]byte
}

func (f *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	f.events = append(f.events, event)
	f.payloads = append(f.payloads, payload)
	return "1-0", nil
}

func (f *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (clientspulse.Sink, error) {
	return nil, nil
}

func (f *fakeStream) Destroy(context.Context) error { return nil }

type fakeClient struct {
	streams map[string]*fakeStream
}

func (f *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	if f.streams == nil {
		f.streams = make(map[string]*fakeStream)
	}
	s, ok := f.streams[name]
	if !ok {
		s = &fakeStream{}
		f.streams[name] = s
	}
	return s, nil
}

func (f *fakeClient) Close(context.Context) error { return nil }

func TestForwarderPublishesEnvelope(t *testing.T) {
	fc := &fakeClient{}
	fw, err := NewForwarder(Options{Client: fc})
	require.NoError(t, err)

	inst := "https://spear.dev/instance/abc-123"
	evt := hooks.NewTokenMovedEvent(inst, "https://example.com/p#task", "tok-1",
		[]string{"https://example.com/p#end"}, false)
	require.NoError(t, fw.HandleEvent(context.Background(), evt))

	s, ok := fc.streams["instance/abc-123"]
	require.True(t, ok)
	require.Equal(t, []string{string(hooks.TokenMoved)}, s.events)

	var env Envelope
	require.NoError(t, json.Unmarshal(s.payloads[0], &env))
	require.Equal(t, string(hooks.TokenMoved), env.Type)
	require.Equal(t, inst, env.Instance)
	require.Equal(t, "https://example.com/p#task", env.Node)
	require.NotEmpty(t, env.Details)
}

func TestForwarderSkipsEventsWithoutInstance(t *testing.T) {
	fc := &fakeClient{}
	fw, err := NewForwarder(Options{Client: fc})
	require.NoError(t, err)
	require.NoError(t, fw.HandleEvent(context.Background(),
		hooks.NewMessageSentEvent("", "", "noop", "", nil)))
	require.Empty(t, fc.streams)
}

func TestForwarderCustomStreamID(t *testing.T) {
	fc := &fakeClient{}
	fw, err := NewForwarder(Options{
		Client:   fc,
		StreamID: func(hooks.Event) (string, error) { return "all-events", nil },
	})
	require.NoError(t, err)
	evt := hooks.NewTimerFiredEvent("https://spear.dev/instance/x", "node", "tok")
	require.NoError(t, fw.HandleEvent(context.Background(), evt))
	require.Contains(t, fc.streams, "all-events")
}
