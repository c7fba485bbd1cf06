// Package redisutil wraps the shared go-redis client used by the Mutex,
// Leader, and Mesh coordination services, and implements the key-flatten
// and prefixing rules from spec.md §6.
package redisutil

import (
	"crypto/md5" //nolint:gosec // used only as a deterministic key-tagging digest, not for security
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Named is implemented by composite keys that should flatten to a single
// stable name rather than their full structural encoding (spec.md §6,
// "object with a name" / "constructor-like tag").
type Named interface {
	KeyName() string
}

// NewClient builds a redis.UniversalClient from host/port, or from a
// Sentinel configuration when masterName/sentinelAddrs are non-empty. This
// is the one Redis client shared by Mutex and Leader per spec.md §5 ("The
// mutex and leader Redis client is shared (safe for multiplex)").
func NewClient(host string, port int, masterName string, sentinelAddrs []string) redis.UniversalClient {
	if masterName != "" && len(sentinelAddrs) > 0 {
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    masterName,
			SentinelAddrs: sentinelAddrs,
		})
	}
	return redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", host, port),
	})
}

// Key builds "${prefix}:${category}:${key}" per spec.md §4.1, flattening
// key if it is not already a string.
func Key(prefix, category string, key any) string {
	return prefix + ":" + category + ":" + Flatten(key)
}

// Flatten implements the composite-key flatten rule from spec.md §6:
//
//	primitives -> String(v); arrays -> join of flattened elements with ":";
//	object with a name -> name; object with a constructor-like tag -> tag;
//	else -> MD5 of canonical JSON. Empty-JSON objects fall back to String(v).
func Flatten(v any) string {
	if v == nil {
		return "<nil>"
	}
	if s, ok := v.(string); ok {
		return s
	}
	if named, ok := v.(Named); ok {
		if name := named.KeyName(); name != "" {
			return name
		}
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return fmt.Sprintf("%v", v)

	case reflect.Slice, reflect.Array:
		parts := make([]string, rv.Len())
		for i := range parts {
			parts[i] = Flatten(rv.Index(i).Interface())
		}
		return strings.Join(parts, ":")

	case reflect.Map:
		if name, ok := mapName(rv); ok {
			return name
		}
		return canonicalOrString(v)

	case reflect.Struct:
		if name, ok := structName(rv); ok {
			return name
		}
		return canonicalOrString(v)

	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return "<nil>"
		}
		return Flatten(rv.Elem().Interface())

	default:
		return canonicalOrString(v)
	}
}

func mapName(rv reflect.Value) (string, bool) {
	for _, k := range rv.MapKeys() {
		if k.Kind() == reflect.String && strings.EqualFold(k.String(), "name") {
			val := rv.MapIndex(k)
			if val.Kind() == reflect.Interface {
				val = val.Elem()
			}
			if val.Kind() == reflect.String {
				return val.String(), true
			}
		}
	}
	return "", false
}

func structName(rv reflect.Value) (string, bool) {
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		if strings.EqualFold(f.Name, "name") && rv.Field(i).Kind() == reflect.String {
			return rv.Field(i).String(), true
		}
	}
	return "", false
}

// canonicalOrString marshals v to canonical JSON and MD5-digests it, unless
// the JSON is the empty object "{}", in which case it falls back to
// fmt.Sprintf("%v", v) per spec.md §6.
func canonicalOrString(v any) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "{}" {
		return fmt.Sprintf("%v", v)
	}
	sum := md5.Sum(data) //nolint:gosec
	return hex.EncodeToString(sum[:])
}
