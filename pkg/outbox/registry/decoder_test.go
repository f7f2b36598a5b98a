package registry

import (
	"encoding/json"
	"testing"

	"github.com/Genocs/genocs-library-template/pkg/enums"
	"github.com/Genocs/genocs-library-template/pkg/messaging/payloads"
)

func TestDecoderRegistry(t *testing.T) {
	reg := NewDecoderRegistry()
	reg.Register(enums.KindDeleteOrder, 1, func(payload json.RawMessage) (interface{}, error) {
		var decoded map[string]string
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return nil, err
		}
		return decoded, nil
	})

	input := json.RawMessage(`{"orderId":"o-1"}`)
	output, err := reg.Decode(enums.KindDeleteOrder, 1, input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outMap, ok := output.(map[string]string); !ok || outMap["orderId"] != "o-1" {
		t.Fatalf("unexpected output %+v", output)
	}

	if _, err := reg.Decode(enums.KindDeleteOrder, 2, input); err == nil {
		t.Fatalf("expected unregistered version to fail")
	}
}

func TestOrderDecoders(t *testing.T) {
	reg := NewOrderDecoders()

	out, err := reg.Decode(enums.KindSubmitOrder, 1, json.RawMessage(`{"orderId":"O1","userId":"U1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cmd, ok := out.(*payloads.SubmitOrder)
	if !ok {
		t.Fatalf("unexpected payload type %T", out)
	}
	if cmd.OrderID != "O1" || cmd.UserID != "U1" {
		t.Fatalf("unexpected command %+v", cmd)
	}

	if _, err := reg.Decode(enums.KindOrderSubmitted, 1, json.RawMessage(`{"orderId":`)); err == nil {
		t.Fatalf("expected truncated payload to fail")
	}
}
