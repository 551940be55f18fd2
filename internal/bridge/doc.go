// Package bridge connects a Drag:on device to MQTT.
//
// Commands arrive as JSON on dragon/command/{device_id} and are answered on
// dragon/ack/{device_id}. Decoded device events are published retained on
// dragon/state/{device_id}, every issued transformation on
// dragon/transformation/{device_id}, and a HealthReporter keeps
// dragon/health/{device_id} current.
//
// The Bridge is a dragon.Observer. Register it with the device (or the
// supervisor standing in for one) so state flows out:
//
//	br, err := bridge.New(bridge.Config{DeviceID: "dragon-01"}, mqttClient, sup)
//	if err != nil {
//		return err
//	}
//	sup.AddObserver(br)
//	if err := br.Start(ctx); err != nil {
//		return err
//	}
//	defer br.Stop()
package bridge
