// Package mqtt owns the gateway's single broker session.
//
// This package manages:
//   - Connecting with capped exponential backoff (1s doubling to 60s)
//   - Re-subscribing to state and status topics after every connect
//   - Announcing server/status online, and offline on shutdown or via LWT
//   - A single ordered ingress channel for inbound messages
//   - A FIFO publish queue with per-message outcomes
//
// # Architecture
//
// Device nodes publish state and status to the broker; the gateway is one
// subscriber. Manager drives a Transport (PahoTransport in production) and
// never lets it reconnect on its own.
//
//	Nodes ↔ MQTT Broker ↔ Transport ↔ Manager → Messages() → ingest
//
// # Usage
//
//	m := mqtt.NewManager(mqtt.NewPahoTransport(cfg.MQTT), mqtt.OptionsFromConfig(cfg.MQTT))
//	m.SetLogger(log.Component("mqtt"))
//	if err := m.Start(ctx); err != nil {
//	    return err
//	}
//	defer m.Stop(context.Background())
//
//	for msg := range m.Messages() {
//	    handle(msg)
//	}
//
//	out := m.Publish("home/1/node_1/light/lamp/set", []byte(`{"value":"ON"}`), 1, false)
//	if err := out.Wait(ctx); err != nil {
//	    ...
//	}
package mqtt
