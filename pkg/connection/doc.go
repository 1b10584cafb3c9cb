// Package connection keeps outbound links alive.
//
// The core session layer never reconnects on its own. Callers that want a
// persistent link to a peer, such as a node's bootnodes, wrap their dial in
// a Manager:
//
//	m := connection.NewManager(func(ctx context.Context) (connection.Link, error) {
//		return svc.Dial(ctx, addr, opts)
//	}, connection.ManagerConfig{})
//	m.Start()
//	defer m.Close()
//
// After a failed dial or a lost link the Manager waits using exponential
// backoff with jitter:
//
//	delay = base + random(0, base * Jitter)
//
// where base starts at Initial, is multiplied after every attempt, and is
// capped at Max. A successful dial resets the backoff.
package connection
