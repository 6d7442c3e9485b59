package worker

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// ToGo converts a Lua value into plain Go data. Tables with only positive
// integer keys become slices; other tables become maps keyed by their
// string keys (keys starting with "_" are private and skipped).
func ToGo(val lua.LValue) any {
	switch v := val.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		maxN := v.MaxN()
		stringKeys := false
		v.ForEach(func(key, _ lua.LValue) {
			if ks, ok := key.(lua.LString); ok && !strings.HasPrefix(string(ks), "_") {
				stringKeys = true
			}
		})
		if maxN > 0 && !stringKeys {
			arr := make([]any, maxN)
			for i := 1; i <= maxN; i++ {
				arr[i-1] = ToGo(v.RawGetInt(i))
			}
			return arr
		}
		m := make(map[string]any)
		v.ForEach(func(key, value lua.LValue) {
			if ks, ok := key.(lua.LString); ok && !strings.HasPrefix(string(ks), "_") {
				m[string(ks)] = ToGo(value)
			}
		})
		return m
	default:
		return nil
	}
}

// ToLua converts decoded JSON data into a Lua value.
func ToLua(L *lua.LState, v any) lua.LValue {
	switch v := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(v)
	case float64:
		return lua.LNumber(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return lua.LString(v.String())
		}
		return lua.LNumber(f)
	case string:
		return lua.LString(v)
	case []any:
		t := L.NewTable()
		for _, item := range v {
			t.Append(ToLua(L, item))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t.RawSetString(k, ToLua(L, v[k]))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(v))
	}
}

// decodePayload turns a JSON payload into a Lua value.
func decodePayload(L *lua.LState, payload json.RawMessage) (lua.LValue, error) {
	if len(payload) == 0 {
		return lua.LNil, nil
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return ToLua(L, v), nil
}
