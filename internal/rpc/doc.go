// Package rpc implements the bidirectional capability transport between
// agents and the gateway.
//
// # Overview
//
// One Session wraps one transport (a gRPC bidi stream or a raw TCP
// connection). Each side exports capabilities (Local) and calls the
// capabilities the other side exported (Client). Export 0 is the
// bootstrap capability: the gateway publishes its registry service there
// and agents reach it with Session.Bootstrap.
//
// Capabilities travel as call parameters and results. Passing a Local in
// a call or return exports it on the session; the receiver sees it as a
// Client bound to the same session.
//
// # Confinement
//
// Every session owns a single executor goroutine. Inbound calls run on it
// in arrival order, so calls on one capability are processed in the order
// the peer issued them. Client.Call only accepts the Scope handed to code
// running on the owning executor:
//
//	err := sess.Do(ctx, func(s rpc.Scope) error {
//	    promise = gateway.Call(s, "register", params, callback)
//	    return nil
//	})
//	answer, err := promise.Await(ctx)
//
// Await from any goroutine except the executor. Answers are resolved by the
// session's reader, so awaiting on the executor only stalls inbound calls.
//
// # Teardown
//
// When the transport fails, the peer aborts, or Close is called, the
// session fails every outstanding promise with ErrDisconnected, stops the
// executor, then runs the release hook of every capability it exported
// exactly once. Done is closed after the hooks return.
package rpc
