// Copyright 2026 A-yon Lee <the@ayon.li>
// SPDX-License-Identifier: MIT

package parallel

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// startTestWorker runs a Worker over an in-memory pipe and returns the
// caller-side conn, with the online signal already consumed.
func startTestWorker(t *testing.T, resolver ModuleResolver) MessageConn {
	t.Helper()
	local, remote := Pipe()
	w := NewWorker(remote, resolver)
	go func() { _ = w.Serve(context.Background()) }()
	t.Cleanup(func() { _ = local.Close() })

	msg := recvMsg(t, local)
	if msg.Type != typeOnline {
		t.Fatalf("expected online signal, got %q", msg.Type)
	}
	return local
}

func recvMsg(t *testing.T, conn MessageConn) *Message {
	t.Helper()
	type result struct {
		msg *Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := conn.Recv()
		ch <- result{msg, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("recv failed: %v", r.err)
		}
		return r.msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func testRegistry() *FuncRegistry {
	reg := NewFuncRegistry()
	reg.Register("math", Module{
		"add": func(ctx context.Context, args []any) (any, error) {
			return args[0].(int) + args[1].(int), nil
		},
		"panics": func(ctx context.Context, args []any) (any, error) {
			panic("kaboom")
		},
		"fails": func(ctx context.Context, args []any) (any, error) {
			return nil, &RemoteError{Name: "TypeError", Message: "bad arg"}
		},
	})
	reg.Register("seq", Module{
		"countTo": func(ctx context.Context, args []any) (any, error) {
			n := args[0].(int)
			return Generate(func(ctx context.Context, yield func(any) error) (any, error) {
				for i := 1; i <= n; i++ {
					if err := yield(i); err != nil {
						return nil, err
					}
				}
				return "finished", nil
			}), nil
		},
	})
	return reg
}

func TestWorker_CallReturnsValue(t *testing.T) {
	conn := startTestWorker(t, testRegistry())

	if err := conn.Send(&Message{Type: typeCall, Script: "math", Fn: "add", Args: []any{2, 3}, TaskID: 1}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	resp := recvMsg(t, conn)
	if resp.Type != typeReturn || resp.TaskID != 1 || resp.Value != 5 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestWorker_UnknownModuleAndFunction(t *testing.T) {
	conn := startTestWorker(t, testRegistry())

	_ = conn.Send(&Message{Type: typeCall, Script: "nope", Fn: "add", TaskID: 1})
	resp := recvMsg(t, conn)
	if resp.Type != typeError || resp.Error == nil {
		t.Fatalf("expected error response for unknown module, got %+v", resp)
	}

	_ = conn.Send(&Message{Type: typeCall, Script: "math", Fn: "nope", TaskID: 2})
	resp = recvMsg(t, conn)
	if resp.Type != typeError || resp.TaskID != 2 {
		t.Fatalf("expected error response for unknown function, got %+v", resp)
	}
}

func TestWorker_ErrorKeepsNameAndMessage(t *testing.T) {
	conn := startTestWorker(t, testRegistry())

	_ = conn.Send(&Message{Type: typeCall, Script: "math", Fn: "fails", TaskID: 1})
	resp := recvMsg(t, conn)
	if resp.Type != typeError {
		t.Fatalf("expected error response, got %+v", resp)
	}
	if resp.Error.Name != "TypeError" || resp.Error.Message != "bad arg" {
		t.Fatalf("error shape lost in transit: %+v", resp.Error)
	}
}

func TestWorker_PanicBecomesErrorResponse(t *testing.T) {
	conn := startTestWorker(t, testRegistry())

	_ = conn.Send(&Message{Type: typeCall, Script: "math", Fn: "panics", TaskID: 1})
	resp := recvMsg(t, conn)
	if resp.Type != typeError || resp.Error == nil {
		t.Fatalf("expected error response after panic, got %+v", resp)
	}

	// The serve loop survived the panic.
	_ = conn.Send(&Message{Type: typeCall, Script: "math", Fn: "add", Args: []any{1, 1}, TaskID: 2})
	resp = recvMsg(t, conn)
	if resp.Type != typeReturn || resp.Value != 2 {
		t.Fatalf("worker did not survive the panic: %+v", resp)
	}
}

func TestWorker_GeneratorProtocol(t *testing.T) {
	conn := startTestWorker(t, testRegistry())

	_ = conn.Send(&Message{Type: typeCall, Script: "seq", Fn: "countTo", Args: []any{2}, TaskID: 1})
	if resp := recvMsg(t, conn); resp.Type != typeGen || resp.TaskID != 1 {
		t.Fatalf("expected gen acknowledgment first, got %+v", resp)
	}

	for i := 1; i <= 2; i++ {
		_ = conn.Send(&Message{Type: typeNext, TaskID: 1})
		resp := recvMsg(t, conn)
		if resp.Type != typeYield || resp.Done || resp.Value != i {
			t.Fatalf("step %d: unexpected response %+v", i, resp)
		}
	}

	_ = conn.Send(&Message{Type: typeNext, TaskID: 1})
	resp := recvMsg(t, conn)
	if resp.Type != typeYield || !resp.Done || resp.Value != "finished" {
		t.Fatalf("expected terminal yield with the return value, got %+v", resp)
	}
}

func TestWorker_GeneratorEarlyReturn(t *testing.T) {
	conn := startTestWorker(t, testRegistry())

	_ = conn.Send(&Message{Type: typeCall, Script: "seq", Fn: "countTo", Args: []any{100}, TaskID: 1})
	if resp := recvMsg(t, conn); resp.Type != typeGen {
		t.Fatalf("expected gen acknowledgment, got %+v", resp)
	}

	_ = conn.Send(&Message{Type: typeReturn, TaskID: 1, Args: []any{"stopped"}})
	resp := recvMsg(t, conn)
	if resp.Type != typeYield || !resp.Done || resp.Value != "stopped" {
		t.Fatalf("expected terminal yield carrying the return value, got %+v", resp)
	}
}

func TestWorker_GeneratorThrow(t *testing.T) {
	conn := startTestWorker(t, testRegistry())

	_ = conn.Send(&Message{Type: typeCall, Script: "seq", Fn: "countTo", Args: []any{100}, TaskID: 1})
	if resp := recvMsg(t, conn); resp.Type != typeGen {
		t.Fatalf("expected gen acknowledgment, got %+v", resp)
	}

	_ = conn.Send(&Message{Type: typeThrow, TaskID: 1, Args: []any{&ErrorObject{Name: "Error", Message: "aborted"}}})
	resp := recvMsg(t, conn)
	if resp.Type != typeError || resp.Error == nil || resp.Error.Message != "aborted" {
		t.Fatalf("expected error response from throw, got %+v", resp)
	}
}

func TestWorker_GeneratorRequestBurstIsNotDropped(t *testing.T) {
	gate := make(chan struct{})
	reg := NewFuncRegistry()
	reg.Register("slow", Module{
		"numbers": func(ctx context.Context, args []any) (any, error) {
			return Generate(func(ctx context.Context, yield func(any) error) (any, error) {
				<-gate
				for i := 1; i <= 100; i++ {
					if err := yield(i); err != nil {
						return nil, err
					}
				}
				return nil, nil
			}), nil
		},
	})
	conn := startTestWorker(t, reg)

	_ = conn.Send(&Message{Type: typeCall, Script: "slow", Fn: "numbers", TaskID: 1})
	if resp := recvMsg(t, conn); resp.Type != typeGen {
		t.Fatalf("expected gen acknowledgment, got %+v", resp)
	}

	// Queue a burst of requests while the generator is stuck on its first
	// value; every one of them must eventually be answered.
	const burst = 40
	for i := 0; i < burst; i++ {
		_ = conn.Send(&Message{Type: typeNext, TaskID: 1})
	}
	close(gate)

	for i := 1; i <= burst; i++ {
		resp := recvMsg(t, conn)
		if resp.Type != typeYield || resp.Done || resp.Value != i {
			t.Fatalf("request %d: unexpected response %+v", i, resp)
		}
	}
}

func TestWorker_LateGeneratorRequestIsIgnored(t *testing.T) {
	conn := startTestWorker(t, testRegistry())

	// No generator is registered under this task id; the request must be
	// dropped without a response.
	_ = conn.Send(&Message{Type: typeNext, TaskID: 999})
	_ = conn.Send(&Message{Type: typeCall, Script: "math", Fn: "add", Args: []any{1, 2}, TaskID: 1})
	resp := recvMsg(t, conn)
	if resp.Type != typeReturn || resp.TaskID != 1 {
		t.Fatalf("late request leaked a response: %+v", resp)
	}
}

func TestWorker_AdoptedChannelForwardsPushes(t *testing.T) {
	reg := NewFuncRegistry()
	reg.Register("chan", Module{
		"produce": func(ctx context.Context, args []any) (any, error) {
			ch := args[0].(*Channel)
			for i := 1; i <= 3; i++ {
				if err := ch.Push(ctx, i); err != nil {
					return nil, err
				}
			}
			ch.Close()
			return nil, nil
		},
	})
	conn := startTestWorker(t, reg)

	proxy := &channelProxy{Type: channelProxyType, ID: 42, Capacity: 0}
	_ = conn.Send(&Message{Type: typeCall, Script: "chan", Fn: "produce", Args: []any{proxy}, TaskID: 1})

	var values []any
	sawClose := false
	sawReturn := false
	for !sawClose || !sawReturn {
		msg := recvMsg(t, conn)
		switch msg.Type {
		case typePush:
			if msg.ChannelID != 42 {
				t.Fatalf("push for wrong channel: %+v", msg)
			}
			values = append(values, msg.Value)
		case typeClose:
			sawClose = true
		case typeReturn:
			sawReturn = true
		default:
			t.Fatalf("unexpected message %+v", msg)
		}
	}
	if fmt.Sprint(values) != "[1 2 3]" {
		t.Fatalf("expected pushes [1 2 3], got %v", values)
	}
}

func TestWorker_IncomingPushReachesAdoptedChannel(t *testing.T) {
	reg := NewFuncRegistry()
	reg.Register("chan", Module{
		"sum": func(ctx context.Context, args []any) (any, error) {
			ch := args[0].(*Channel)
			total := 0
			for {
				v, ok, err := ch.Pop(ctx)
				if err != nil {
					return nil, err
				}
				if !ok {
					return total, nil
				}
				total += v.(int)
			}
		},
	})
	conn := startTestWorker(t, reg)

	proxy := &channelProxy{Type: channelProxyType, ID: 7, Capacity: 0}
	_ = conn.Send(&Message{Type: typeCall, Script: "chan", Fn: "sum", Args: []any{proxy}, TaskID: 1})
	for i := 1; i <= 3; i++ {
		_ = conn.Send(&Message{Type: typePush, ChannelID: 7, Value: i})
	}
	_ = conn.Send(&Message{Type: typeClose, ChannelID: 7})

	resp := recvMsg(t, conn)
	if resp.Type != typeReturn || resp.Value != 6 {
		t.Fatalf("expected sum 6, got %+v", resp)
	}
}

func TestWorker_CloseWithErrorSurfacesInFunction(t *testing.T) {
	reg := NewFuncRegistry()
	reg.Register("chan", Module{
		"drain": func(ctx context.Context, args []any) (any, error) {
			ch := args[0].(*Channel)
			_, _, err := ch.Pop(ctx)
			return nil, err
		},
	})
	conn := startTestWorker(t, reg)

	proxy := &channelProxy{Type: channelProxyType, ID: 9, Capacity: 0}
	_ = conn.Send(&Message{Type: typeCall, Script: "chan", Fn: "drain", Args: []any{proxy}, TaskID: 1})
	_ = conn.Send(&Message{Type: typeClose, ChannelID: 9, Error: &ErrorObject{Name: "Error", Message: "producer died"}})

	resp := recvMsg(t, conn)
	if resp.Type != typeError || resp.Error == nil || resp.Error.Message != "producer died" {
		t.Fatalf("expected the close error to surface, got %+v", resp)
	}
}
