package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Genocs/genocs-library-template/pkg/enums"
	pkgerrors "github.com/Genocs/genocs-library-template/pkg/errors"
)

type submitData struct {
	OrderID string `json:"orderId"`
	UserID  string `json:"userId"`
}

func TestEnvelopeMessageCarriesAttributes(t *testing.T) {
	env, err := NewEnvelopeWithID("m-1", enums.KindSubmitOrder, submitData{OrderID: "O1", UserID: "U1"}, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	require.NoError(t, err)

	msg, err := env.Message(DestinationCommands)
	require.NoError(t, err)
	assert.Equal(t, "m-1", msg.ID)
	assert.Equal(t, DestinationCommands, msg.Destination)
	assert.Equal(t, "submit_order", msg.Attributes[AttrKind])
	assert.Equal(t, "m-1", msg.Attributes[AttrMessageID])

	decoded, err := DecodeEnvelope(msg.Body)
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, decoded.Version)
	assert.Equal(t, enums.KindSubmitOrder, decoded.Kind)

	var data submitData
	require.NoError(t, decoded.DecodeData(&data))
	assert.Equal(t, "O1", data.OrderID)
	assert.Equal(t, "U1", data.UserID)
}

func TestNewEnvelopeRejectsUnknownKind(t *testing.T) {
	_, err := NewEnvelope("place_order", submitData{}, time.Now())
	assert.Error(t, err)
}

func TestNewEnvelopeAssignsID(t *testing.T) {
	a, err := NewEnvelope(enums.KindSubmitOrder, submitData{}, time.Time{})
	require.NoError(t, err)
	b, err := NewEnvelope(enums.KindSubmitOrder, submitData{}, time.Time{})
	require.NoError(t, err)
	assert.NotEmpty(t, a.MessageID)
	assert.NotEqual(t, a.MessageID, b.MessageID)
	assert.False(t, a.OccurredAt.IsZero())
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"version":`,
		"missing id":      `{"version":1,"kind":"submit_order","data":{}}`,
		"unknown kind":    `{"version":1,"messageId":"m","kind":"place_order","data":{}}`,
		"future version":  `{"version":9,"messageId":"m","kind":"submit_order","data":{}}`,
		"array as object": `[]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(body))
			require.Error(t, err)
			assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeMalformed))
		})
	}
}

func TestDecodeDataMissingPayload(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"version":1,"messageId":"m","kind":"submit_order","data":null}`))
	require.NoError(t, err)

	var out submitData
	err = env.DecodeData(&out)
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeMalformed))

	env.Data = []byte(`"text"`)
	err = env.DecodeData(&out)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeMalformed))
}
