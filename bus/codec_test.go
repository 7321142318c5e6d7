package bus

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestEncodeStringifiesBigIdentifiers(t *testing.T) {
	payload := map[string]any{
		"userId": int64(7234859102345678901),
		"postId": int64(7234859102345678902),
		"title":  "hello",
		"floor":  int64(3),
	}

	encoded := Encode(payload)

	if got, want := encoded["userId"], "7234859102345678901"; got != want {
		t.Errorf("userId = %v (%T), want %v", got, got, want)
	}
	if got, want := encoded["postId"], "7234859102345678902"; got != want {
		t.Errorf("postId = %v (%T), want %v", got, got, want)
	}
	// Values that survive a JSON number pass through untouched.
	if got := encoded["floor"]; got != int64(3) {
		t.Errorf("floor = %v (%T), want int64(3)", got, got)
	}
	if got := encoded["title"]; got != "hello" {
		t.Errorf("title = %v, want hello", got)
	}
}

func TestEncodeStringifiesPlatformInts(t *testing.T) {
	payload := map[string]any{
		"userId":  int(7234859102345678901),
		"orderId": uint(7234859102345678902),
		"floor":   int(3),
		"count":   uint(4),
	}

	encoded := Encode(payload)

	if got, want := encoded["userId"], "7234859102345678901"; got != want {
		t.Errorf("userId = %v (%T), want %v", got, got, want)
	}
	if got, want := encoded["orderId"], "7234859102345678902"; got != want {
		t.Errorf("orderId = %v (%T), want %v", got, got, want)
	}
	if got := encoded["floor"]; got != int(3) {
		t.Errorf("floor = %v (%T), want int(3)", got, got)
	}
	if got := encoded["count"]; got != uint(4) {
		t.Errorf("count = %v (%T), want uint(4)", got, got)
	}
}

func TestDecodePromotesIdentifierStrings(t *testing.T) {
	tests := []struct {
		name string
		key  string
		in   any
		want any
	}{
		{"camelCase id suffix", "userId", "7234859102345678901", int64(7234859102345678901)},
		{"snake_case id suffix", "user_id", "7234859102345678901", int64(7234859102345678901)},
		{"too few digits", "userId", "123456789012", "123456789012"},
		{"non-id key", "amount", "7234859102345678901", "7234859102345678901"},
		{"non-numeric string", "userId", "seven234859102345678901", "seven234859102345678901"},
		{"plain string", "name", "alice", "alice"},
		{"number passes through", "floor", float64(3), float64(3)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded := Decode(map[string]any{tt.key: tt.in})
			if got := decoded[tt.key]; !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Decode(%q: %v) = %v (%T), want %v (%T)",
					tt.key, tt.in, got, got, tt.want, tt.want)
			}
		})
	}
}

func TestRoundTripNestedPayload(t *testing.T) {
	payload := map[string]any{
		"userId": int64(7234859102345678901),
		"post": map[string]any{
			"postId":     int64(7234859102345678902),
			"categoryId": int64(9),
			"tags":       []any{"intro", "help"},
		},
		"mentions": []any{
			map[string]any{"user_id": int64(7234859102345678903)},
		},
		"floor": int64(12),
	}

	got := Decode(Encode(payload))
	if !reflect.DeepEqual(got, payload) {
		t.Errorf("Decode(Encode(x)) = %#v, want %#v", got, payload)
	}
}

func TestRoundTripThroughJSON(t *testing.T) {
	// The real wire path runs the encoded payload through JSON. Big
	// identifiers must come back intact; small numbers come back as
	// float64, which is fine for non-identifier values.
	payload := map[string]any{
		"userId": int64(7234859102345678901),
		"amount": float64(500),
	}

	raw, err := json.Marshal(Encode(payload))
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var wire map[string]any
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	got := Decode(wire)
	if got["userId"] != int64(7234859102345678901) {
		t.Errorf("userId = %v (%T), want int64(7234859102345678901)", got["userId"], got["userId"])
	}
	if got["amount"] != float64(500) {
		t.Errorf("amount = %v (%T), want float64(500)", got["amount"], got["amount"])
	}
}

func TestDecodeMispromotionIsKnownLimitation(t *testing.T) {
	// A legitimate 13+-digit numeric string under an id-suffixed key is
	// promoted even if the producer meant a string. Documented trade-off
	// of the shape-based heuristic.
	decoded := Decode(map[string]any{"trackingId": "1234567890123"})
	if _, ok := decoded["trackingId"].(int64); !ok {
		t.Errorf("trackingId = %T, expected promotion to int64", decoded["trackingId"])
	}
}

func TestEncodeNilAndEmpty(t *testing.T) {
	if Encode(nil) != nil {
		t.Error("Encode(nil) should be nil")
	}
	if got := Encode(map[string]any{}); len(got) != 0 {
		t.Errorf("Encode(empty) = %v, want empty", got)
	}
	if Decode(nil) != nil {
		t.Error("Decode(nil) should be nil")
	}
}
