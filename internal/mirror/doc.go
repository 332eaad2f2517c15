// Package mirror follows the event stream of every running worker.
//
// For each attached worker a reader goroutine owns one gorilla/websocket
// client connection and pushes frames into a bounded per-device channel.
// A dispatcher goroutine per device drains that channel: it relays frames
// to the realtime hub (global worker-message and the device room), hands
// them to an optional event sink (MQTT) and asks the worker controller for
// the status change a frame implies. A slow or noisy device only ever
// blocks its own pair of goroutines.
package mirror
