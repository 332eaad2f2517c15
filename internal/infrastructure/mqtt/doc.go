// Package mqtt publishes gateway state to an MQTT broker.
//
// When enabled, every worker frame relayed by the event mirror is copied to
// devgate/events/{hash}, every device status transition is written retained
// to devgate/status/{hash}, and the gateway announces itself on
// devgate/system/status with an offline Last Will so consumers notice a
// crash.
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	controller.AddStatusListener(client.OnStatus)
//	hub.SetEventSink(client)
//
// The connection reconnects automatically with paho's backoff between
// reconnect.initial_delay and reconnect.max_delay seconds. Use TLS
// (broker.tls) for anything other than a local broker.
package mqtt
