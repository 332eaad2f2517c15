// Package proxy forwards API calls to the worker that serves a device.
//
// Routing consults the worker controller for the device status and live
// port. Only devices in a routable status are forwarded; the login path
// additionally accepts waiting_qr so an expired QR can be refreshed. The
// caller's credentials never reach a worker: every forwarded call carries
// the gateway's Basic credentials.
//
// Each device has a FIFO slot pool of proxy.max_in_flight. A request that
// cannot get a slot within proxy.queue_timeout fails with DEVICE_BUSY.
package proxy
