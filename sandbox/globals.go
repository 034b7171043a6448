package sandbox

import (
	"fmt"
	"log"
	"slices"

	"github.com/zond/mapscript"
	"github.com/zond/mapscript/protocol"
	"rogchap.com/v8go"
)

type callback func(s *Script, info *v8go.FunctionCallbackInfo) *v8go.Value

// The callbacks below run inside a guest execution, so s.mu is already held
// by whoever started it.

func (s *Script) str(v string) *v8go.Value {
	res, err := v8go.NewValue(s.iso, v)
	if err != nil {
		return v8go.Undefined(s.iso)
	}
	return res
}

func (s *Script) throw(format string, args ...any) *v8go.Value {
	return s.iso.ThrowException(s.str(fmt.Sprintf(format, args...)))
}

func postMessage(s *Script, info *v8go.FunctionCallbackInfo) *v8go.Value {
	args := info.Args()
	if len(args) < 1 {
		return s.throw("postMessage takes [message] arguments")
	}
	encoded, err := v8go.JSONStringify(s.vctx, args[0])
	if err != nil {
		return s.throw("postMessage takes JSON serializable messages: %v", err)
	}
	s.outbox = append(s.outbox, []byte(encoded))
	return nil
}

func addEventListener(s *Script, info *v8go.FunctionCallbackInfo) *v8go.Value {
	args := info.Args()
	if len(args) == 2 && args[0].IsString() && args[1].IsFunction() {
		eventType := args[0].String()
		fun, err := args[1].AsFunction()
		if err != nil {
			return s.throw("trying to cast %v to *v8go.Function: %v", args[1], err)
		}
		s.listeners[eventType] = append(s.listeners[eventType], fun)
		return nil
	}
	return s.throw("addEventListener takes [string, function] arguments")
}

// removeEventListener with only a type drops every listener for it. With a
// function it drops the listeners that are that same function.
func removeEventListener(s *Script, info *v8go.FunctionCallbackInfo) *v8go.Value {
	args := info.Args()
	switch {
	case len(args) == 1 && args[0].IsString():
		delete(s.listeners, args[0].String())
		return nil
	case len(args) == 2 && args[0].IsString() && args[1].IsFunction():
		eventType := args[0].String()
		s.listeners[eventType] = slices.DeleteFunc(s.listeners[eventType], func(fun *v8go.Function) bool {
			return fun.Value.SameValue(args[1])
		})
		return nil
	}
	return s.throw("removeEventListener takes [string] or [string, function] arguments")
}

func logFunc(s *Script, info *v8go.FunctionCallbackInfo) *v8go.Value {
	anyArgs := []any{}
	for _, arg := range info.Args() {
		stringArg := arg.String()
		if stringArg == "[object Object]" {
			if jsonArg, err := v8go.JSONStringify(s.vctx, arg); err == nil {
				stringArg = jsonArg
			}
		}
		anyArgs = append(anyArgs, stringArg)
	}
	log.New(s.cfg.Console, "", 0).Println(anyArgs...)
	return nil
}

// navigateTop asks the host to navigate the top level page. It only works
// while a user activated event is being dispatched.
func navigateTop(s *Script, info *v8go.FunctionCallbackInfo) *v8go.Value {
	args := info.Args()
	if len(args) != 1 || !args[0].IsString() {
		return s.throw("navigateTop takes [string] arguments")
	}
	if !s.activation {
		return s.throw("navigateTop requires user activation")
	}
	b, err := protocol.EncodeEnvelope(protocol.GoToPage, protocol.GoToPageEvent{URL: args[0].String()})
	if err != nil {
		return s.throw("encoding navigation: %v", err)
	}
	s.outbox = append(s.outbox, b)
	return nil
}

func (s *Script) addCallback(name string, f callback) error {
	return mapscript.WithStack(
		s.vctx.Global().Set(
			name,
			v8go.NewFunctionTemplate(
				s.iso,
				func(info *v8go.FunctionCallbackInfo) *v8go.Value {
					return f(s, info)
				},
			).GetFunction(s.vctx),
		),
	)
}

func (s *Script) installGlobals() error {
	callbacks := []struct {
		name string
		fun  callback
	}{
		{name: "postMessage", fun: postMessage},
		{name: "addEventListener", fun: addEventListener},
		{name: "removeEventListener", fun: removeEventListener},
	}
	if s.cfg.Console != nil {
		callbacks = append(callbacks, struct {
			name string
			fun  callback
		}{name: "log", fun: logFunc})
	}
	if s.cfg.Capabilities.TopNavigationByUserActivation {
		callbacks = append(callbacks, struct {
			name string
			fun  callback
		}{name: "navigateTop", fun: navigateTop})
	}
	for _, cb := range callbacks {
		if err := s.addCallback(cb.name, cb.fun); err != nil {
			return mapscript.WithStack(err)
		}
	}
	return nil
}
