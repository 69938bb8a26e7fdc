package main

import "errors"

// Args and Reply are the demo service's wire types.
type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

// Arith is the demo service exposed by "amqp-rpc serve".
type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Sub(args *Args, reply *Reply) error {
	reply.Result = args.A - args.B
	return nil
}

func (a *Arith) Mul(args *Args, reply *Reply) error {
	reply.Result = args.A * args.B
	return nil
}

func (a *Arith) Div(args *Args, reply *Reply) error {
	if args.B == 0 {
		return errors.New("divide by zero")
	}
	reply.Result = args.A / args.B
	return nil
}
