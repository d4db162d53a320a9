package amqpsink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/authz-server/security"
)

type recordingPublisher struct {
	exchange string
	key      string
	msg      amqp.Publishing
	err      error
}

func (p *recordingPublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	p.exchange = exchange
	p.key = key
	p.msg = msg
	return p.err
}

func TestSink_Publish(t *testing.T) {
	pub := &recordingPublisher{}
	sink := New(pub, "authz.audit")

	event := security.Event{
		Type:      security.EventRefreshTokenReplay,
		ClientID:  "client-1",
		RequestID: "req-1",
		Details:   map[string]any{"revoked_session_id": "s2"},
		Timestamp: time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, sink.Publish(context.Background(), event))

	assert.Equal(t, "authz.audit", pub.exchange)
	assert.Equal(t, "audit."+security.EventRefreshTokenReplay, pub.key)
	assert.Equal(t, "application/json", pub.msg.ContentType)
	assert.Equal(t, amqp.Persistent, pub.msg.DeliveryMode)
	assert.Equal(t, "req-1", pub.msg.MessageId)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(pub.msg.Body, &decoded))
	assert.Equal(t, "client-1", decoded["client_id"])
	assert.Equal(t, security.EventRefreshTokenReplay, decoded["type"])
}

func TestSink_PublishError(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("channel closed")}
	sink := New(pub, "authz.audit")

	err := sink.Publish(context.Background(), security.Event{Type: security.EventAuthFailure})
	require.Error(t, err)
}

func TestSink_CloseWithoutDial(t *testing.T) {
	sink := New(&recordingPublisher{}, "x")
	assert.NoError(t, sink.Close())
}
