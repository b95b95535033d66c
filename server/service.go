package server

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"muxrpc/message"
	"muxrpc/status"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// methodType is one exported method with an RPC signature:
//
//	func (r *T) M(ctx context.Context, args *Args, reply *Reply) error
//	func (r *T) M(args *Args, reply *Reply) error
type methodType struct {
	method    reflect.Method
	withCtx   bool
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// newService scans rcvr for RPC methods. The service is named after the struct type.
func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("server: receiver must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: receiver must point to a struct, got %s", typ.Elem().Kind())
	}
	s := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	s.registerMethods()
	if len(s.method) == 0 {
		return nil, fmt.Errorf("server: type %s has no exported RPC methods", s.name)
	}
	return s, nil
}

func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}

		// In(0) is the receiver.
		first := 1
		withCtx := mt.NumIn() == 4 && mt.In(1) == contextType
		if withCtx {
			first = 2
		} else if mt.NumIn() != 3 {
			continue
		}
		argType, replyType := mt.In(first), mt.In(first+1)
		if argType.Kind() != reflect.Ptr || replyType.Kind() != reflect.Ptr {
			continue
		}

		s.method[method.Name] = &methodType{
			method:    method,
			withCtx:   withCtx,
			ArgType:   argType.Elem(),
			ReplyType: replyType.Elem(),
		}
	}
}

// call invokes mt through reflection.
func (s *service) call(ctx context.Context, mt *methodType, argv, replyv reflect.Value) error {
	var in []reflect.Value
	if mt.withCtx {
		in = []reflect.Value{s.rcvr, reflect.ValueOf(ctx), argv, replyv}
	} else {
		in = []reflect.Value{s.rcvr, argv, replyv}
	}
	results := mt.method.Func.Call(in)
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}

// handler adapts mt to a Handler with JSON-encoded args and reply.
func (s *service) handler(mt *methodType) Handler {
	return HandlerFunc(func(ctx context.Context, req *message.Request) ([]byte, error) {
		argv := reflect.New(mt.ArgType)
		replyv := reflect.New(mt.ReplyType)
		if len(req.Payload) > 0 {
			if err := json.Unmarshal(req.Payload, argv.Interface()); err != nil {
				return nil, status.Errorf(status.InvalidArgument, "decode %s args: %v", req.FullMethod(), err)
			}
		}
		if err := s.call(ctx, mt, argv, replyv); err != nil {
			return nil, err
		}
		return json.Marshal(replyv.Interface())
	})
}
