// Package influxdb records gateway measurements in InfluxDB v2.
//
// It wraps influxdb-client-go with the gateway's connection handling and a
// fixed set of measurements: worker health probes, restart decisions,
// status webhook attempts and a periodic gateway snapshot. The Client
// method set matches the metrics interfaces of the worker controller and
// the webhook dispatcher, so it can be plugged in directly.
//
// Writes are non-blocking and batched per influxdb.batch_size and
// influxdb.flush_interval. Asynchronous write errors reach the callback
// set with SetOnError.
package influxdb
