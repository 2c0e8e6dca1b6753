// Package agent tracks the agents connected to the gateway.
//
// # Overview
//
// The Registry maps an agent identifier to an ActiveClient, the gateway's
// record of one live registration. It is safe for concurrent use from any
// goroutine and publishes an immutable Snapshot after every mutation.
//
// # Registry
//
//	reg := agent.NewRegistry(1024, logger)
//	client := reg.NewActiveClient(token, callback)
//	reg.Insert(client)
//
// Key operations:
//
//   - Insert(client): add or replace the entry for client.ID()
//   - Remove(id): drop the entry and clear its callback
//   - Snapshot(): lock-free point-in-time view
//   - Subscribe(ctx): change feed of snapshots
//
// Mutation and publication happen in one critical section, so the feed
// delivers snapshots in mutation order and each one equals what Snapshot
// returned right after that mutation.
//
// # Change Feed
//
// Each subscriber gets a bounded channel. The first value is the snapshot
// current at subscription time. When a subscriber falls behind, the
// oldest queued snapshot is dropped; a jump in Snapshot.Version tells the
// subscriber it missed intermediate states, and the newest snapshot is
// always a complete view to resynchronize from.
//
// # ActiveClient
//
// An ActiveClient wraps the agent's callback capability. The capability is
// confined to its rpc session, so it is never handed out directly:
//
//	err := client.Invoke(ctx, func(s rpc.Scope, cb protocol.AgentCallback) error {
//	    p = cb.RequestSystemInfo(s)
//	    return nil
//	})
//
// Invoke runs the function on the session's executor and returns
// ErrDisconnected once the client has been disconnected or its session
// has died. Disconnect is idempotent.
package agent
