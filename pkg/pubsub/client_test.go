package pubsub

import (
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Genocs/genocs-library-template/pkg/config"
	"github.com/Genocs/genocs-library-template/pkg/enums"
	"github.com/Genocs/genocs-library-template/pkg/messaging"
)

func testPubSubConfig() config.PubSubConfig {
	return config.PubSubConfig{
		CommandTopic:            "genocs-commands",
		CommandSubscription:     "genocs-submit-order",
		EventTopic:              "genocs-events",
		EventSubscriptionPrefix: "genocs-order-submitted",
		DeadLetterTopic:         "genocs-dead-letter",
	}
}

func TestResourceNames(t *testing.T) {
	c := &Client{projectID: "demo"}
	assert.Equal(t, "projects/demo/subscriptions/orders", c.subscriptionResourceName("orders"))
	assert.Equal(t, "projects/other/subscriptions/x", c.subscriptionResourceName("projects/other/subscriptions/x"))
	assert.Equal(t, "projects/demo/topics/events", c.topicResourceName(" events "))
	assert.Equal(t, "", c.topicResourceName(""))

	empty := &Client{}
	assert.Equal(t, "", empty.topicResourceName("events"))
}

func TestSubscriptionNames(t *testing.T) {
	names := subscriptionNames(testPubSubConfig(), []string{"order-log", " "})
	assert.Equal(t, []string{"genocs-submit-order", "genocs-order-submitted-order-log"}, names)
}

func TestTopicFor(t *testing.T) {
	c := &Client{cfg: testPubSubConfig()}
	topic, err := c.topicFor(messaging.DestinationCommands)
	require.NoError(t, err)
	assert.Equal(t, "genocs-commands", topic)

	topic, err = c.topicFor(messaging.DestinationEvents)
	require.NoError(t, err)
	assert.Equal(t, "genocs-events", topic)

	_, err = c.topicFor("audit")
	assert.Error(t, err)
}

func TestMessageAttributes(t *testing.T) {
	attrs := messageAttributes(messaging.Message{
		ID:         "m-1",
		Kind:       enums.KindSubmitOrder,
		Attributes: map[string]string{"trace": "abc"},
	})
	assert.Equal(t, "m-1", attrs[messaging.AttrMessageID])
	assert.Equal(t, "submit_order", attrs[messaging.AttrKind])
	assert.Equal(t, "abc", attrs["trace"])
}

func TestToDelivery(t *testing.T) {
	attempt := 3
	m := &pubsub.Message{
		ID:              "server-id",
		Data:            []byte(`{}`),
		Attributes:      map[string]string{messaging.AttrKind: "order_submitted", messaging.AttrMessageID: "m-9"},
		DeliveryAttempt: &attempt,
	}
	d := toDelivery(m, messaging.DestinationEvents)
	assert.Equal(t, "m-9", d.ID)
	assert.Equal(t, enums.KindOrderSubmitted, d.Kind)
	assert.Equal(t, 3, d.Attempt)
	assert.True(t, d.Redelivered)

	bare := toDelivery(&pubsub.Message{ID: "server-id"}, messaging.DestinationCommands)
	assert.Equal(t, "server-id", bare.ID)
	assert.Equal(t, 0, bare.Attempt)
}

func TestUninitializedClient(t *testing.T) {
	var c *Client
	assert.Error(t, c.Ping(t.Context()))
	assert.NoError(t, c.Close())
	_, err := c.CommandSubscriber()
	assert.Error(t, err)
}
