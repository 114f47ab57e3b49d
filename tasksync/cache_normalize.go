package tasksync

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// cached values are json trees: map[string]any, []any, string, float64, bool, nil
// an object with `__typename` and `id` is stored once as an entity and replaced by `{"__ref": "Type:id"}`

const refField = "__ref"
const typenameField = "__typename"
const idField = "id"

// identity of a cached query: operation name and canonical serialized variables
type QueryKey struct {
	Operation string
	Variables string
}

func NewQueryKey(operation string, variables map[string]any) QueryKey {
	return QueryKey{
		Operation: operation,
		Variables: canonicalVariables(variables),
	}
}

func canonicalVariables(variables map[string]any) string {
	if len(variables) == 0 {
		return "{}"
	}
	// maps marshal with sorted keys
	variablesJson, err := json.Marshal(toJsonValue(variables))
	if err != nil {
		return "{}"
	}
	return string(variablesJson)
}

func (self QueryKey) VariablesMap() map[string]any {
	variables := map[string]any{}
	json.Unmarshal([]byte(self.Variables), &variables)
	return variables
}

func (self QueryKey) String() string {
	return fmt.Sprintf("%s(%s)", self.Operation, self.Variables)
}

// identity of a normalized entity
type EntityKey struct {
	Typename string
	Id       string
}

func (self EntityKey) String() string {
	return fmt.Sprintf("%s:%s", self.Typename, self.Id)
}

func ParseEntityKey(s string) (EntityKey, bool) {
	typename, id, ok := strings.Cut(s, ":")
	if !ok || typename == "" || id == "" {
		return EntityKey{}, false
	}
	return EntityKey{
		Typename: typename,
		Id:       id,
	}, true
}

// the reference value stored in place of an entity
func Ref(key EntityKey) map[string]any {
	return map[string]any{
		refField: key.String(),
	}
}

func refKey(value any) (EntityKey, bool) {
	m, ok := value.(map[string]any)
	if !ok || len(m) != 1 {
		return EntityKey{}, false
	}
	s, ok := m[refField].(string)
	if !ok {
		return EntityKey{}, false
	}
	return ParseEntityKey(s)
}

func entityKeyOf(m map[string]any) (EntityKey, bool) {
	typename, ok := m[typenameField].(string)
	if !ok || typename == "" {
		return EntityKey{}, false
	}
	id, ok := idString(m[idField])
	if !ok {
		return EntityKey{}, false
	}
	return EntityKey{
		Typename: typename,
		Id:       id,
	}, true
}

func idString(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, v != ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case json.Number:
		return v.String(), true
	default:
		return "", false
	}
}

type cacheKeyType int

const (
	cacheKeyTypeQuery cacheKeyType = iota
	cacheKeyTypeEntity
)

// either a query or an entity. comparable, usable as a map key.
type CacheKey struct {
	keyType cacheKeyType
	query   QueryKey
	entity  EntityKey
}

func QueryCacheKey(key QueryKey) CacheKey {
	return CacheKey{
		keyType: cacheKeyTypeQuery,
		query:   key,
	}
}

func EntityCacheKey(key EntityKey) CacheKey {
	return CacheKey{
		keyType: cacheKeyTypeEntity,
		entity:  key,
	}
}

func (self CacheKey) Query() (QueryKey, bool) {
	return self.query, self.keyType == cacheKeyTypeQuery
}

func (self CacheKey) Entity() (EntityKey, bool) {
	return self.entity, self.keyType == cacheKeyTypeEntity
}

func (self CacheKey) String() string {
	if self.keyType == cacheKeyTypeEntity {
		return self.entity.String()
	}
	return self.query.String()
}

// converts go values into the json tree representation
func toJsonValue(value any) any {
	switch v := value.(type) {
	case nil, string, bool, float64:
		return v
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case float32:
		return float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return v.String()
		}
		return f
	case map[string]any:
		m := make(map[string]any, len(v))
		for k, mv := range v {
			m[k] = toJsonValue(mv)
		}
		return m
	case []any:
		s := make([]any, len(v))
		for i, sv := range v {
			s[i] = toJsonValue(sv)
		}
		return s
	case []string:
		s := make([]any, len(v))
		for i, sv := range v {
			s[i] = sv
		}
		return s
	case json.RawMessage:
		var out any
		if err := json.Unmarshal(v, &out); err != nil {
			return nil
		}
		return out
	default:
		valueJson, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var out any
		json.Unmarshal(valueJson, &out)
		return out
	}
}

func deepCopy(value any) any {
	switch v := value.(type) {
	case map[string]any:
		m := make(map[string]any, len(v))
		for k, mv := range v {
			m[k] = deepCopy(mv)
		}
		return m
	case []any:
		s := make([]any, len(v))
		for i, sv := range v {
			s[i] = deepCopy(sv)
		}
		return s
	default:
		return v
	}
}

func copyFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	return deepCopy(fields).(map[string]any)
}

func jsonEqual(a any, b any) bool {
	return reflect.DeepEqual(a, b)
}

// collects the entity refs directly inside a normalized value
func collectRefs(value any, refs map[EntityKey]bool) {
	switch v := value.(type) {
	case map[string]any:
		if key, ok := refKey(v); ok {
			refs[key] = true
			return
		}
		for _, mv := range v {
			collectRefs(mv, refs)
		}
	case []any:
		for _, sv := range v {
			collectRefs(sv, refs)
		}
	}
}
