// Package api is devgate's inbound HTTP API and realtime WebSocket server.
//
// Routes live under /api/v1:
//
//	GET    /health, /metrics                     unauthenticated
//	POST   /devices                              register a device
//	GET    /devices?status=a,b                   list devices
//	GET    /devices/{hash}                       device record + live worker view
//	DELETE /devices/{hash}                       stop the worker and remove the device
//	POST   /devices/{hash}/start|stop|restart    lifecycle (stop takes ?graceful=false)
//	GET    /login                                QR for X-Device-Hash, inlined as base64
//	*      /worker/*                             passthrough to the worker of X-Device-Hash
//	POST   /webhooks/verify                      check a status webhook signature
//	GET    /ws                                   realtime channels
//
// When security.jwt.secret is set every other route requires an HS256
// bearer token (see package auth). Browsers that cannot set headers on a
// WebSocket handshake may pass the token as ?token= on /ws.
//
// Errors are written as {"status","code","message"} with stable
// upper-snake codes.
package api
