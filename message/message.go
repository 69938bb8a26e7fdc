// Package message defines the RPC envelope exchanged between client and servicer.
//
// RPCMessage gets serialized by the codec layer and wrapped in a protocol frame,
// which is then published as (part of) a broker message body.
package message

import "fmt"

// RPCMessage carries the data for a single RPC call or reply.
//
//   - On request:  ServiceMethod is set, Payload contains the serialized args, Error is empty.
//   - On response: Payload contains the serialized reply, Error is non-empty if the call failed.
type RPCMessage struct {
	ServiceMethod string // Format: "ServiceName.MethodName", e.g., "Arith.Add"
	Error         string // Non-empty if the servicer-side handler returned an error
	Payload       []byte // Serialized args (request) or reply (response) as JSON bytes
}

// Failed reports whether the message carries a servicer-side error.
func (m *RPCMessage) Failed() bool {
	return m.Error != ""
}

// Failure builds the reply for a call that did not produce a result.
func Failure(serviceMethod string, cause ...any) *RPCMessage {
	return &RPCMessage{ServiceMethod: serviceMethod, Error: fmt.Sprint(cause...)}
}
