// Package lua runs capabilities implemented as Lua scripts. A script defines
// a global invoke(params) that returns a table, or nil and an error string.
package lua

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

const entryPoint = "invoke"

// Handler calls a compiled script. Every call gets a fresh interpreter, so
// a Handler is safe for concurrent use.
type Handler struct {
	path  string
	proto *lua.FunctionProto
}

// Load compiles the script at path and checks that it defines invoke.
func Load(path string) (*Handler, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("script path: %w", err)
	}
	f, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open script: %w", err)
	}
	defer func() { _ = f.Close() }()

	chunk, err := parse.Parse(f, absPath)
	if err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	proto, err := lua.Compile(chunk, absPath)
	if err != nil {
		return nil, fmt.Errorf("compile script: %w", err)
	}

	h := &Handler{path: absPath, proto: proto}
	L, err := h.state(context.Background())
	if err != nil {
		return nil, err
	}
	defer L.Close()
	if _, err := entry(L); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Handler) Path() string { return h.path }

// Invoke runs invoke(params). ctx cancels a running script.
func (h *Handler) Invoke(ctx context.Context, args map[string]any) (any, error) {
	L, err := h.state(ctx)
	if err != nil {
		return nil, err
	}
	defer L.Close()

	fn, err := entry(L)
	if err != nil {
		return nil, err
	}
	top := L.GetTop()
	L.Push(fn)
	L.Push(toLua(L, args))
	if err := L.PCall(1, lua.MultRet, nil); err != nil {
		return nil, fmt.Errorf("invoke(): %w", err)
	}

	n := L.GetTop() - top
	if n == 0 {
		return nil, nil
	}
	result := L.Get(top + 1)
	if n > 1 && result.Type() == lua.LTNil {
		if msg := L.Get(top + 2); msg.Type() != lua.LTNil {
			return nil, fmt.Errorf("%s", msg.String())
		}
	}
	return fromLua(result), nil
}

func (h *Handler) state(ctx context.Context) (*lua.LState, error) {
	L := lua.NewState()
	L.SetContext(ctx)
	L.PreloadModule("os", osModuleLoader)
	L.Push(L.NewFunctionFromProto(h.proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		L.Close()
		return nil, fmt.Errorf("load script: %w", err)
	}
	L.SetTop(0)
	return L, nil
}

func entry(L *lua.LState) (lua.LValue, error) {
	fn := L.GetGlobal(entryPoint)
	switch fn.Type() {
	case lua.LTFunction:
		return fn, nil
	case lua.LTNil:
		return nil, fmt.Errorf("script must define global function %s(params)", entryPoint)
	default:
		return nil, fmt.Errorf("%s must be a function, got %s", entryPoint, fn.Type().String())
	}
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case string:
		return lua.LString(x)
	case bool:
		return lua.LBool(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case []string:
		tbl := L.NewTable()
		for _, s := range x {
			tbl.Append(lua.LString(s))
		}
		return tbl
	case []any:
		tbl := L.NewTable()
		for _, item := range x {
			tbl.Append(toLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			tbl.RawSetString(k, toLua(L, x[k]))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(x))
	}
}

// fromLua converts a Lua value to JSON-friendly Go. Tables with keys
// 1..n become slices; other tables become maps.
func fromLua(v lua.LValue) any {
	switch x := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(x)
	case lua.LString:
		return string(x)
	case lua.LNumber:
		f := float64(x)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case *lua.LTable:
		if n := x.MaxN(); n > 0 && x.Len() == n && countKeys(x) == n {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, fromLua(x.RawGetInt(i)))
			}
			return out
		}
		out := map[string]any{}
		x.ForEach(func(k, val lua.LValue) {
			out[k.String()] = fromLua(val)
		})
		return out
	default:
		return v.String()
	}
}

func countKeys(t *lua.LTable) int {
	n := 0
	t.ForEach(func(lua.LValue, lua.LValue) { n++ })
	return n
}

// osModuleLoader provides a minimal os module: getenv and time.
func osModuleLoader(L *lua.LState) int {
	mod := L.NewTable()
	L.SetField(mod, "getenv", L.NewFunction(func(ls *lua.LState) int {
		ls.Push(lua.LString(os.Getenv(ls.CheckString(1))))
		return 1
	}))
	L.SetField(mod, "time", L.NewFunction(func(ls *lua.LState) int {
		ls.Push(lua.LNumber(time.Now().Unix()))
		return 1
	}))
	L.Push(mod)
	return 1
}
