package nexasync_test

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	nexasync "github.com/nexa-social/nexasync"
)

func TestPayloadValidator(t *testing.T) {
	v, err := nexasync.NewPayloadValidator(nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := v.Kinds(); !reflect.DeepEqual(got, []string{"file", "image", "location", "text"}) {
		t.Errorf("Kinds = %v", got)
	}

	tests := []struct {
		name    string
		kind    string
		payload string
		want    error
	}{
		{"text", "text", `{"content":"hello"}`, nil},
		{"empty text", "text", `{"content":""}`, nexasync.ErrValidation},
		{"missing content", "text", `{"body":"hello"}`, nexasync.ErrValidation},
		{"image", "image", `{"url":"https://cdn.example/a.png","width":10,"height":20}`, nil},
		{"negative width", "image", `{"url":"u","width":-1}`, nexasync.ErrValidation},
		{"file", "file", `{"url":"u","name":"a.pdf","size":12}`, nil},
		{"file without name", "file", `{"url":"u"}`, nexasync.ErrValidation},
		{"location", "location", `{"lat":52.5,"lng":13.4}`, nil},
		{"latitude out of range", "location", `{"lat":91,"lng":0}`, nexasync.ErrValidation},
		{"not JSON", "text", `{content`, nexasync.ErrValidation},
		{"unknown kind", "sticker", `{}`, nexasync.ErrUnsupportedFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.kind, json.RawMessage(tt.payload))
			if tt.want == nil && err != nil {
				t.Errorf("Validate = %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("Validate = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPayloadValidatorCustomSchemas(t *testing.T) {
	v, err := nexasync.NewPayloadValidator(map[string]string{
		"poll": `{"type":"object","required":["options"],"properties":{"options":{"type":"array","minItems":2}}}`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Validate("poll", json.RawMessage(`{"options":["a","b"]}`)); err != nil {
		t.Errorf("valid poll: %v", err)
	}
	if err := v.Validate("poll", json.RawMessage(`{"options":["a"]}`)); !errors.Is(err, nexasync.ErrValidation) {
		t.Errorf("one option: %v", err)
	}
	if err := v.Validate("text", json.RawMessage(`{"content":"x"}`)); !errors.Is(err, nexasync.ErrUnsupportedFormat) {
		t.Errorf("text without schema: %v", err)
	}

	if _, err := nexasync.NewPayloadValidator(map[string]string{"bad": `{not json`}); err == nil {
		t.Error("malformed schema accepted")
	}
}
