// Package mqtt provides the MQTT client the bus bridges of vdcd talk
// through.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Publishing with topic, QoS and size validation
//   - Subscriptions that survive reconnects
//   - Last Will and Testament (LWT) on the daemon status topic
//
// Bridge topics use the flat scheme graylogic/{category}/{protocol}/{address}:
//
//	graylogic/command/dali/light-hall   commands in
//	graylogic/ack/dali/light-hall       command acknowledgements out
//	graylogic/state/dali/light-hall     device state out (retained)
//	graylogic/health/dali               bridge health out (retained)
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.BridgeCommands("dali"), 1,
//	    func(topic string, payload []byte) error {
//	        return handle(topic, payload)
//	    })
package mqtt
