// Package gateway bridges a backend AMQP topic exchange to untrusted browser
// clients.
//
// Each client connection gets one Session, which exclusively owns a bus
// Subscription and a Transport. The session validates bind requests, forwards
// bus messages as discrete JSON frames, answers the keepalive sweep, and
// guarantees that the subscription close, the stats report and the transport
// close each happen exactly once, regardless of which trigger ends the
// connection (client close, transport error, bus error, missed heartbeats,
// protocol failure, or server shutdown).
//
// Two transports are provided:
//
//   - WSHandler: a persistent duplex WebSocket at /v1/socket. Clients send
//     {method, options, id} requests (bind, pong) and receive
//     {event, id, payload} frames (ready, bound, message, error, ping).
//     Liveness is enforced by the Keepalive scheduler sweeping the Registry.
//
//   - SSEHandler: a server-push event stream at /v1/connect. The whole
//     binding set arrives urlencoded in the "bindings" query parameter;
//     validation and bus failures are rejected before the stream starts.
//
// Typical wiring:
//
//	registry := gateway.NewRegistry()
//	keepalive := gateway.NewKeepalive(registry, 30*time.Second, logger)
//	keepalive.Start()
//	defer keepalive.Stop()
//
//	ws := gateway.NewWSHandler(connector, registry, reporter, logger)
//	router.Handle("/v1/socket", ws)
package gateway
