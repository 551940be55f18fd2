// Package influxdb writes driver telemetry to InfluxDB v2.
//
// Three measurements are produced:
//
//	actuator_position  tags: device_id, actuator  fields: percent
//	button             tags: device_id            fields: pressed, position_a, position_b
//	transformation     tags: device_id, kind      fields: target_a, target_b, duration_a_ms, duration_b_ms, decoy
//
// Writes are non-blocking and batched per the batch_size and flush_interval
// settings. Asynchronous write errors arrive through SetOnError.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteActuatorPosition("dragon-01", "A", 40, time.Now())
package influxdb
