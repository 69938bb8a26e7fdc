package transport

import (
	"errors"
	"sync"
	"testing"
	"time"

	"amqp-rpc/protocol"

	"github.com/stretchr/testify/require"
)

type result struct {
	reply any
	err   error
}

// fakeService is a ServiceClient whose receivers return the body as a string.
// Exception frames complete with the body as the error text.
type fakeService struct {
	mu        sync.Mutex
	methods   map[string]bool // nil accepts every name
	pending   map[uint32]chan result
	completed map[uint32]int

	// silent receivers consume the body and never call done
	silent bool
	// twice receivers call done two times
	twice bool
}

func newFakeService(methods ...string) *fakeService {
	f := &fakeService{
		pending:   make(map[uint32]chan result),
		completed: make(map[uint32]int),
	}
	if len(methods) > 0 {
		f.methods = make(map[string]bool)
		for _, m := range methods {
			f.methods[m] = true
		}
	}
	return f
}

func (f *fakeService) expect(seq uint32) <-chan result {
	ch := make(chan result, 1)
	f.mu.Lock()
	f.pending[seq] = ch
	f.mu.Unlock()
	return ch
}

func (f *fakeService) completions(seq uint32) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed[seq]
}

func (f *fakeService) Receiver(name string) (Receiver, bool) {
	if f.methods != nil && !f.methods[name] {
		return nil, false
	}
	return func(r *protocol.Reader, h *protocol.Header, done Completion) error {
		body, err := r.ReadBody()
		if err != nil {
			return err
		}
		if f.silent {
			return nil
		}
		if h.MsgType == protocol.MsgTypeException {
			done(nil, errors.New(string(body)))
		} else {
			done(string(body), nil)
		}
		if f.twice {
			done("again", nil)
		}
		return nil
	}, true
}

func (f *fakeService) Complete(seq uint32, reply any, err error) bool {
	f.mu.Lock()
	ch, ok := f.pending[seq]
	delete(f.pending, seq)
	if ok {
		f.completed[seq]++
	}
	f.mu.Unlock()
	if !ok {
		return false
	}
	ch <- result{reply: reply, err: err}
	return true
}

func frame(t *testing.T, typ protocol.MsgType, seq uint32, name, body string) []byte {
	t.Helper()
	b, err := protocol.AppendFrame(nil, &protocol.Header{MsgType: typ, Seq: seq, Name: name}, []byte(body))
	require.NoError(t, err)
	return b
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func await(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
		return result{}
	}
}

func assertPending(t *testing.T, ch <-chan result) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("unexpected completion: %+v", r)
	default:
	}
}
