// Package config loads the gateway configuration.
//
// Load starts from Default, overlays the YAML file and then applies
// DEVGATE_* environment overrides before validating the result. Durations
// in the workers, health, proxy, mirror and webhooks sections use Go
// duration syntax ("30s", "5m"); the older api, mqtt and influxdb sections
// count whole seconds.
//
// Secrets (security.jwt.secret, workers.auth.password, MQTT and InfluxDB
// credentials) are normally supplied through the environment.
package config
