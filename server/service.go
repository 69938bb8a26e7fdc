package server

import (
	"fmt"
	"go/token"
	"reflect"
)

type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// newService 创建 service 并扫描所有合法方法
func newService(rcvr any, name string) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rpc: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	// 默认用类型名作为 service name
	if name == "" {
		name = typ.Elem().Name()
	}
	if !token.IsExported(name) {
		return nil, fmt.Errorf("rpc: service name %q is not exported", name)
	}
	srv := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	srv.registerMethods()
	if len(srv.method) == 0 {
		return nil, fmt.Errorf("rpc: type %s has no methods of suitable type", typ)
	}
	return srv, nil
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// registerMethods 扫描 struct 的导出方法，过滤出符合 RPC 签名的
//
//	func (t *T) Method(args *Args, reply *Reply) error
func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		if !method.IsExported() {
			continue
		}
		mt := method.Type
		if mt.NumIn() != 3 || mt.NumOut() != 1 || mt.Out(0) != errorType ||
			mt.In(1).Kind() != reflect.Ptr || mt.In(2).Kind() != reflect.Ptr {
			continue
		}

		s.method[method.Name] = &methodType{
			method:    method,
			ArgType:   mt.In(1).Elem(),
			ReplyType: mt.In(2).Elem(),
		}
	}
}

// call 通过反射调用方法，方法内的 panic 会转成 error
func (s *service) call(mType *methodType, argv, replyv reflect.Value) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rpc: %s.%s panicked: %v", s.name, mType.method.Name, r)
		}
	}()
	args := [3]reflect.Value{s.rcvr, argv, replyv}
	results := mType.method.Func.Call(args[:])
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}
