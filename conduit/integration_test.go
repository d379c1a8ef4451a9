// Copyright 2025 The Conduit Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package conduit_test exercises the session/stream/dispatch layers
// end-to-end over transport/inmem, covering several of spec.md §8's seed
// scenarios. It lives in an external test package (not package conduit)
// because transport/inmem imports conduit, and a same-package test file
// would create an import cycle.
package conduit_test

import (
	"context"
	"testing"
	"time"

	"github.com/conduitrpc/conduit/conduit"
	"github.com/conduitrpc/conduit/transport/inmem"
)

type addInit struct {
	N int `json:"n"`
}

type addResult struct {
	Result int `json:"result"`
}

type divideInit struct {
	A int `json:"a"`
	B int `json:"b"`
}

type divideResult struct {
	Quotient int `json:"quotient"`
}

type echoMessage struct {
	Msg    string `json:"msg"`
	Ignore bool   `json:"ignore"`
}

type echoResponse struct {
	Response string `json:"response"`
}

type tickMessage struct {
	N int `json:"n"`
}

func newTestServer(t *testing.T) *conduit.Server {
	t.Helper()
	srv := conduit.NewServer(conduit.JSONCodec{})

	addInitSchema, err := conduit.SchemaFor[addInit]()
	if err != nil {
		t.Fatalf("schema for addInit: %v", err)
	}
	addResultSchema, err := conduit.SchemaFor[addResult]()
	if err != nil {
		t.Fatalf("schema for addResult: %v", err)
	}
	var total int
	srv.AddProcedure("test", "add.rpc", conduit.RPCProcedure(addInitSchema, addResultSchema,
		func(hctx *conduit.HandlerContext, init addInit) conduit.Result[addResult] {
			total += init.N
			return conduit.OkResult(addResult{Result: total})
		}))

	divideInitSchema, err := conduit.SchemaFor[divideInit]()
	if err != nil {
		t.Fatalf("schema for divideInit: %v", err)
	}
	divideResultSchema, err := conduit.SchemaFor[divideResult]()
	if err != nil {
		t.Fatalf("schema for divideResult: %v", err)
	}
	srv.AddProcedure("fallible", "divide.rpc", conduit.RPCProcedure(divideInitSchema, divideResultSchema,
		func(hctx *conduit.HandlerContext, init divideInit) conduit.Result[divideResult] {
			if init.B == 0 {
				return conduit.ErrResult[divideResult]("DIV_BY_ZERO", "Cannot divide by zero")
			}
			return conduit.OkResult(divideResult{Quotient: init.A / init.B})
		}))

	echoMessageSchema, err := conduit.SchemaFor[echoMessage]()
	if err != nil {
		t.Fatalf("schema for echoMessage: %v", err)
	}
	echoResponseSchema, err := conduit.SchemaFor[echoResponse]()
	if err != nil {
		t.Fatalf("schema for echoResponse: %v", err)
	}
	emptyInitSchema, err := conduit.SchemaFor[struct{}]()
	if err != nil {
		t.Fatalf("schema for empty init: %v", err)
	}
	srv.AddProcedure("test", "echo.stream", conduit.StreamProcedure(emptyInitSchema, echoMessageSchema, echoResponseSchema,
		func(hctx *conduit.HandlerContext, init struct{}, req *conduit.TypedReadable[echoMessage], res *conduit.TypedWritable[echoResponse]) {
			it, err := req.Iterate()
			if err != nil {
				return
			}
			for {
				v, ok, err := it.Next(hctx.Context())
				if err != nil || !ok {
					return
				}
				if !v.Ok || v.Payload.Ignore {
					continue
				}
				if err := res.Write(echoResponse{Response: v.Payload.Msg}); err != nil {
					return
				}
			}
		}))

	tickMessageSchema, err := conduit.SchemaFor[tickMessage]()
	if err != nil {
		t.Fatalf("schema for tickMessage: %v", err)
	}
	srv.AddProcedure("test", "ticks.subscription", conduit.SubscriptionProcedure(emptyInitSchema, tickMessageSchema,
		func(hctx *conduit.HandlerContext, init struct{}, res *conduit.TypedWritable[tickMessage]) {
			// Hands res to a background producer and returns immediately,
			// exercising the handler-return-vs-writer-close contract: resData
			// must stay open after Handler returns here.
			go func() {
				for n := 1; n <= 3; n++ {
					if err := res.Write(tickMessage{N: n}); err != nil {
						return
					}
				}
				res.Close()
			}()
		}))

	return srv
}

func dialTestClient(t *testing.T, network *inmem.Network, srv *conduit.Server) *conduit.Client {
	t.Helper()
	listener := network.Listen("server")
	registry := conduit.NewSessionRegistry()
	go func() {
		conn, err := listener.Accept(context.Background())
		if err != nil {
			return
		}
		_ = srv.Accept(context.Background(), conn, "v1", "server", registry, conduit.SessionConfig{}, nil)
	}()

	client := conduit.NewClient(network.Dialer(), conduit.JSONCodec{}, "client", "server", "v1", conduit.SessionConfig{}, conduit.ReconnectOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return client
}

// TestRPCAddAccumulatesAcrossCalls covers spec.md §8 seed scenario 1.
func TestRPCAddAccumulatesAcrossCalls(t *testing.T) {
	network := inmem.NewNetwork()
	client := dialTestClient(t, network, newTestServer(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r1, err := conduit.RPCCall[addInit, addResult](ctx, client, "test", "add.rpc", addInit{N: 3})
	if err != nil {
		t.Fatalf("RPCCall #1: %v", err)
	}
	if !r1.Ok || r1.Payload.Result != 3 {
		t.Fatalf("RPCCall #1 = %+v, want {Ok:true Payload:{Result:3}}", r1)
	}

	r2, err := conduit.RPCCall[addInit, addResult](ctx, client, "test", "add.rpc", addInit{N: 3})
	if err != nil {
		t.Fatalf("RPCCall #2: %v", err)
	}
	if !r2.Ok || r2.Payload.Result != 6 {
		t.Fatalf("RPCCall #2 = %+v, want {Ok:true Payload:{Result:6}}", r2)
	}
}

// TestFallibleDivideReturnsTypedError covers spec.md §8 seed scenario 3.
func TestFallibleDivideReturnsTypedError(t *testing.T) {
	network := inmem.NewNetwork()
	client := dialTestClient(t, network, newTestServer(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r, err := conduit.RPCCall[divideInit, divideResult](ctx, client, "fallible", "divide.rpc", divideInit{A: 10, B: 0})
	if err != nil {
		t.Fatalf("RPCCall: %v", err)
	}
	if r.Ok {
		t.Fatalf("RPCCall = %+v, want a failed Result", r)
	}
	if r.Err.Code != "DIV_BY_ZERO" {
		t.Fatalf("Err.Code = %q, want DIV_BY_ZERO", r.Err.Code)
	}
}

// TestSessionSnapshotReflectsStreamLifecycle exercises spec.md §8's
// quantified invariant: a finished stream is absent from the session's
// stream table by the time the call returns.
func TestSessionSnapshotReflectsStreamLifecycle(t *testing.T) {
	network := inmem.NewNetwork()
	client := dialTestClient(t, network, newTestServer(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := conduit.RPCCall[addInit, addResult](ctx, client, "test", "add.rpc", addInit{N: 1}); err != nil {
		t.Fatalf("RPCCall: %v", err)
	}

	snap := client.Session().Snapshot()
	if snap.StreamCount != 0 {
		t.Fatalf("Snapshot().StreamCount = %d, want 0 after the rpc completed", snap.StreamCount)
	}
}

// TestUnknownProcedureRejectsOpen covers the INVALID_REQUEST path for an
// open frame naming an unregistered service/procedure.
func TestUnknownProcedureRejectsOpen(t *testing.T) {
	network := inmem.NewNetwork()
	client := dialTestClient(t, network, newTestServer(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r, err := conduit.RPCCall[addInit, addResult](ctx, client, "test", "missing.rpc", addInit{N: 1})
	if err != nil {
		t.Fatalf("RPCCall: %v", err)
	}
	if r.Ok || r.Err.Code != conduit.CodeInvalidRequest {
		t.Fatalf("RPCCall = %+v, want a failed Result with code %s", r, conduit.CodeInvalidRequest)
	}
}

// TestEchoStreamDropsIgnoredMessages covers spec.md §8 seed scenario 2.
func TestEchoStreamDropsIgnoredMessages(t *testing.T) {
	network := inmem.NewNetwork()
	client := dialTestClient(t, network, newTestServer(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handle, err := conduit.StreamCall[struct{}, echoMessage, echoResponse](ctx, client, "test", "echo.stream", struct{}{})
	if err != nil {
		t.Fatalf("StreamCall: %v", err)
	}
	if err := handle.Req.Write(echoMessage{Msg: "abc"}); err != nil {
		t.Fatalf("Write abc: %v", err)
	}
	if err := handle.Req.Write(echoMessage{Msg: "def", Ignore: true}); err != nil {
		t.Fatalf("Write def: %v", err)
	}
	if err := handle.Req.Write(echoMessage{Msg: "ghi"}); err != nil {
		t.Fatalf("Write ghi: %v", err)
	}
	handle.Req.Close()

	it, err := handle.Res.Iterate()
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	var got []string
	for {
		v, ok, err := it.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		if !v.Ok {
			t.Fatalf("Next() = %+v, want a successful Result", v)
		}
		got = append(got, v.Payload.Response)
	}
	if len(got) != 2 || got[0] != "abc" || got[1] != "ghi" {
		t.Fatalf("responses = %v, want [abc ghi]", got)
	}
}

// TestClientAbortMidStreamEndsReaderWithAbortResult covers spec.md §8 seed
// scenario 4.
func TestClientAbortMidStreamEndsReaderWithAbortResult(t *testing.T) {
	network := inmem.NewNetwork()
	client := dialTestClient(t, network, newTestServer(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle, err := conduit.StreamCall[struct{}, echoMessage, echoResponse](ctx, client, "test", "echo.stream", struct{}{})
	if err != nil {
		t.Fatalf("StreamCall: %v", err)
	}
	if err := handle.Req.Write(echoMessage{Msg: "abc"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	it, err := handle.Res.Iterate()
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	firstCtx, firstCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer firstCancel()
	if _, ok, err := it.Next(firstCtx); err != nil || !ok {
		t.Fatalf("Next() first message = %v, %v, want one echoed response", ok, err)
	}

	cancel() // simulate the client firing its abort signal mid-stream

	termCtx, termCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer termCancel()
	v, ok, err := it.Next(termCtx)
	if err != nil {
		t.Fatalf("Next() after abort: %v", err)
	}
	if !ok || v.Ok || v.Err.Code != conduit.CodeAbort {
		t.Fatalf("Next() after abort = %+v, %v, want a terminal ABORT Result", v, ok)
	}
	if _, ok, err := it.Next(termCtx); err != nil || ok {
		t.Fatalf("Next() after the abort terminal = %v, %v, want ok=false", ok, err)
	}
}

// TestSubscriptionBackgroundProducerOutlivesHandlerReturn covers spec.md's
// "Handler return vs. writer close" contract: a subscription handler that
// spawns a background producer and returns immediately must not have its
// writer force-closed out from under that producer.
func TestSubscriptionBackgroundProducerOutlivesHandlerReturn(t *testing.T) {
	network := inmem.NewNetwork()
	client := dialTestClient(t, network, newTestServer(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reader, err := conduit.SubscribeCall[struct{}, tickMessage](ctx, client, "test", "ticks.subscription", struct{}{})
	if err != nil {
		t.Fatalf("SubscribeCall: %v", err)
	}
	it, err := reader.Iterate()
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	var got []int
	for {
		v, ok, err := it.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		if !v.Ok {
			t.Fatalf("Next() = %+v, want a successful Result", v)
		}
		got = append(got, v.Payload.N)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("ticks = %v, want [1 2 3]", got)
	}
}
