// Package gateway talks to an agent gateway over one persistent websocket.
//
// Transport turns fire-and-forget frames into correlated request/response
// calls: every Call allocates a fresh integer id, registers a pending entry,
// writes `{id, method, params}` and waits for the frame carrying the same id.
// Responses may arrive in any order. Many goroutines may call concurrently;
// they only contend on the short critical section that registers or removes
// their own pending entry.
//
//	t, err := gateway.NewTransport(gateway.Options{
//	    Dialer: gateway.WebsocketDialer{URL: "ws://localhost:3001", Token: token},
//	})
//	if err != nil { log.Fatal(err) }
//	defer t.Close()
//	raw, err := t.Call(ctx, api.MethodConfigGet, nil)
//
// The connection is opened lazily by the first call. Concurrent calls made
// while a connect is in flight share that attempt. Losing the connection (or
// calling Disconnect) fails every outstanding call with ErrConnectionClosed;
// the next call reconnects.
//
// A call that exceeds the request timeout fails locally with a *TimeoutError.
// Server-side work is not cancelled and a late response for the id is dropped.
//
// Client layers typed methods (config.get, config.patch, chat.send,
// chat.history, sessions.list) on top of a Transport.
package gateway
