// Package logging builds the gateway's slog logger.
//
// Three formats are supported: "json" (the default, one object per line),
// "text" (slog's key=value handler) and "console" (coloured output via
// tint, for a terminal). Every entry carries the service name and build
// version; Component scopes a logger to one subsystem so lines from the
// controller, mirror, proxy and webhook dispatcher can be told apart.
//
// Webhook secrets, worker credentials and bearer tokens must never be
// passed as log attributes.
package logging
