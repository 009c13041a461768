package graph

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/db"

	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
)

// wrapStoreErr classifies driver failures into the domain error kinds.
// Errors the callback already classified pass through untouched.
func wrapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if kind := errs.Kind(err); kind != errs.ErrInternal {
		return err
	}
	var neoErr *db.Neo4jError
	if errors.As(err, &neoErr) {
		switch {
		case strings.Contains(neoErr.Code, "ConstraintValidation"):
			return errs.WithKind(errs.ErrConflict, err)
		case strings.HasPrefix(neoErr.Code, "Neo.TransientError"):
			return errs.WithKind(errs.ErrUnavailable, err)
		default:
			return errs.WithKind(errs.ErrInternal, err)
		}
	}
	if neo4j.IsConnectivityError(err) {
		return errs.WithKind(errs.ErrUnavailable, err)
	}
	return errs.WithKind(errs.ErrInternal, err)
}

// Property coercion for values coming back from the driver. Bolt hands
// back any-typed values; missing properties coerce to zero values.

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asInt(v any) int {
	switch t := v.(type) {
	case int64:
		return int(t)
	case float64:
		return int(t)
	case int:
		return t
	default:
		return 0
	}
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	default:
		return 0
	}
}

func asStringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func asFloatSlice(v any) []float64 {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(raw))
	for _, item := range raw {
		out = append(out, asFloat(item))
	}
	return out
}

func asTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

func asTimePtr(v any) *time.Time {
	t := asTime(v)
	if t.IsZero() {
		return nil
	}
	return &t
}

func asMetadata(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case string:
		if t == "" {
			return nil
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(t), &m); err == nil {
			return m
		}
	}
	return nil
}

func metadataJSON(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	buf, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(buf)
}

// nodeProps pulls the property map of a node column from a record.
func nodeProps(rec *db.Record, key string) map[string]any {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case neo4j.Node:
		return t.Props
	case map[string]any:
		return t
	default:
		return nil
	}
}

// relProps pulls the property map of a relationship column, and the
// relationship type when the caller needs the predicate.
func relProps(rec *db.Record, key string) (map[string]any, string) {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return nil, ""
	}
	switch t := v.(type) {
	case neo4j.Relationship:
		return t.Props, t.Type
	case map[string]any:
		return t, asString(t["predicate"])
	default:
		return nil, ""
	}
}

func recString(rec *db.Record, key string) string {
	v, _ := rec.Get(key)
	return asString(v)
}

func recInt(rec *db.Record, key string) int {
	v, _ := rec.Get(key)
	return asInt(v)
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
