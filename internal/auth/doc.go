// Package auth verifies the bearer tokens presented to the gateway API.
//
// Tokens are HS256 JWTs issued by the operator's identity service and
// shared-secret signed; devgate never stores users or sessions. A token
// carries a subject and a role, and each role maps to a fixed set of
// permissions checked by the API middleware.
package auth
