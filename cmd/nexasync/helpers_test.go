package main

import (
	"reflect"
	"testing"

	nexasync "github.com/nexa-social/nexasync"
)

func TestParseFilters(t *testing.T) {
	got, err := parseFilters([]string{"conversation_id=c1", "created_at=gt.2026-01-01", "kind=in.text,image", "title=Dr. Who"})
	if err != nil {
		t.Fatal(err)
	}
	want := nexasync.Filters{
		nexasync.Eq("conversation_id", "c1"),
		{Field: "created_at", Op: nexasync.OpGt, Value: "2026-01-01"},
		{Field: "kind", Op: nexasync.OpIn, Value: "text,image"},
		nexasync.Eq("title", "Dr. Who"),
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseFilters =\n %v\nwant\n %v", got, want)
	}

	for _, bad := range []string{"conversation_id", "=c1"} {
		if _, err := parseFilters([]string{bad}); err == nil {
			t.Errorf("parseFilters(%q) succeeded", bad)
		}
	}
}

func TestParseSort(t *testing.T) {
	tests := map[string]nexasync.Sort{
		"created_at.desc": {Field: "created_at", Desc: true},
		"created_at.asc":  {Field: "created_at"},
		"id":              {Field: "id"},
		"":                {},
	}
	for in, want := range tests {
		if got := parseSort(in); got != want {
			t.Errorf("parseSort(%q) = %+v, want %+v", in, got, want)
		}
	}
}

func TestMaskKey(t *testing.T) {
	tests := map[string]string{
		"short":                      "****",
		"sk-1234567890":              "sk-1...7890",
		"sk-nexa-0123456789abcdefgh": "sk-nexa-0123...efgh",
	}
	for in, want := range tests {
		if got := maskKey(in); got != want {
			t.Errorf("maskKey(%q) = %q, want %q", in, got, want)
		}
	}
}
