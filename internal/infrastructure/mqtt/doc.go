// Package mqtt connects the Drag:on driver to an MQTT broker.
//
// It owns the paho client: broker URL and credentials, auto-reconnect,
// subscription tracking across reconnects, and the offline Last Will on
// the device health topic.
//
// Topic layout (one device per daemon):
//
//	dragon/command/{device_id}         inbound commands
//	dragon/ack/{device_id}             command acknowledgements
//	dragon/state/{device_id}           retained fan and button state
//	dragon/transformation/{device_id}  issued transformations
//	dragon/health/{device_id}          retained health, Last Will
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT, cfg.Device.ID)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.Command(cfg.Device.ID), 1, handle)
package mqtt
