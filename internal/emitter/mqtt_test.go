package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/poise/internal/session"
	"github.com/andresmejia3/poise/internal/types"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type message struct {
	topic   string
	payload []byte
}

// fakeClient implements the calls the emitter makes; anything else panics
// through the nil embedded interface.
type fakeClient struct {
	mqtt.Client
	connectErr error
	publishErr error

	mu        sync.Mutex
	messages  []message
	connected bool
}

func (c *fakeClient) Connect() mqtt.Token {
	c.connected = c.connectErr == nil
	return newToken(c.connectErr)
}

func (c *fakeClient) IsConnected() bool { return c.connected }

func (c *fakeClient) Disconnect(uint) { c.connected = false }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr == nil {
		c.messages = append(c.messages, message{topic: topic, payload: payload.([]byte)})
	}
	return newToken(c.publishErr)
}

func (c *fakeClient) sent() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message(nil), c.messages...)
}

func newEmitter(c *fakeClient, buffer int) *MQTTEmitter {
	e := NewMQTTEmitter(Options{Broker: "tcp://localhost:1883", ClientID: "poise-test", Topic: "poise/{session_id}/state", Buffer: buffer})
	e.NewClient = func(*mqtt.ClientOptions) mqtt.Client { return c }
	return e
}

func TestPublish(t *testing.T) {
	c := &fakeClient{}
	e := newEmitter(c, 1)
	require.NoError(t, e.Connect(context.Background()))

	snap := session.Snapshot{
		ID:      "abc",
		State:   "ready",
		Posture: &types.PostureClassification{Label: types.PostureGood, Score: 85},
	}
	require.NoError(t, e.Publish(snap))

	msgs := c.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, "poise/abc/state", msgs[0].topic)

	var got map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].payload, &got))
	assert.Equal(t, "abc", got["session_id"])
	assert.Equal(t, "ready", got["state"])

	e.Close()
	assert.ErrorIs(t, e.Publish(snap), ErrNotConnected)
	assert.Equal(t, Stats{Published: 1, Errors: 1}, e.Stats())
}

func TestConnectFailure(t *testing.T) {
	e := newEmitter(&fakeClient{connectErr: errors.New("refused")}, 1)
	err := e.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
	assert.False(t, e.Stats().Connected)
}

func TestPublishFailure(t *testing.T) {
	e := newEmitter(&fakeClient{publishErr: errors.New("broker gone")}, 1)
	require.NoError(t, e.Connect(context.Background()))
	err := e.Publish(session.Snapshot{ID: "abc"})
	require.Error(t, err)
	assert.Equal(t, uint64(1), e.Stats().Errors)
}

func TestObserve_KeepsNewest(t *testing.T) {
	c := &fakeClient{}
	e := newEmitter(c, 2)
	require.NoError(t, e.Connect(context.Background()))

	for _, state := range []string{"initializing", "ready", "detecting", "ready"} {
		e.Observe(session.Snapshot{ID: "abc", State: state})
	}
	assert.Equal(t, uint64(2), e.Stats().Dropped)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Start(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return len(c.sent()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	var last map[string]any
	require.NoError(t, json.Unmarshal(c.sent()[1].payload, &last))
	assert.Equal(t, "ready", last["state"])
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "poise/s1/state", Topic("poise/{session_id}/state", "s1"))
	assert.Equal(t, "fixed", Topic("fixed", "s1"))
}
