package main

import (
	"encoding/json"
	"fmt"
	"strings"

	nexasync "github.com/nexa-social/nexasync"
)

// maskKey shows the first 12 and last 4 characters of a key.
func maskKey(key string) string {
	switch {
	case len(key) <= 8:
		return "****"
	case len(key) <= 16:
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(b))
	return nil
}

var filterOps = map[string]nexasync.FilterOp{
	"eq":  nexasync.OpEq,
	"neq": nexasync.OpNeq,
	"gt":  nexasync.OpGt,
	"gte": nexasync.OpGte,
	"lt":  nexasync.OpLt,
	"lte": nexasync.OpLte,
	"in":  nexasync.OpIn,
}

// parseFilters reads filters written as field=value or field=op.value
// (e.g. created_at=gt.2026-01-01, kind=in.text,image).
func parseFilters(args []string) (nexasync.Filters, error) {
	var fs nexasync.Filters
	for _, arg := range args {
		field, value, ok := strings.Cut(arg, "=")
		if !ok || field == "" {
			return nil, fmt.Errorf("filter %q must look like field=value", arg)
		}
		f := nexasync.Eq(field, value)
		if op, rest, ok := strings.Cut(value, "."); ok {
			if known, ok := filterOps[op]; ok {
				f.Op, f.Value = known, rest
			}
		}
		fs = append(fs, f)
	}
	return fs, nil
}

// parseSort reads field or field.desc / field.asc.
func parseSort(s string) nexasync.Sort {
	if field, dir, ok := strings.Cut(s, "."); ok && (dir == "desc" || dir == "asc") {
		return nexasync.Sort{Field: field, Desc: dir == "desc"}
	}
	return nexasync.Sort{Field: s}
}
