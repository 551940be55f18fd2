// Package dragon drives the Drag:on two-fan haptic device over its serial
// line protocol.
//
// The device exposes two independently timed actuators (fans A and B) and a
// single push button. It is commanded with newline-terminated ASCII lines and
// reports its state the same way.
//
// # Architecture
//
//	┌────────────┐  Transform   ┌────────┐  FANS/STATE  ┌───────────┐
//	│   caller   │─────────────►│ Engine │─────────────►│ Transport │──► serial
//	└────────────┘◄─────────────└────────┘              └───────────┘
//	       Transformation                                     │
//	                         ┌─────────────┐   Decode   ┌─────┴─────┐
//	                         │ DeviceState │◄───────────│ read loop │
//	                         └─────────────┘            └───────────┘
//
// # Wire Protocol
//
// Outbound:
//
//	FANS <a> <b>   move both fans to percent a and b; "X" leaves a fan unchanged
//	STATE          ask the device to report its positions
//
// Inbound:
//
//	FAN-A <a> FAN-B <b>   state report
//	BUTTON PRESSED        button went down
//	BUTTON RELEASED       button went up
//
// Anything else is logged and ignored.
//
// # Transformations
//
// The device never acknowledges motion. Every command instead returns a
// [Transformation], a closed-form timing model derived from the configured
// full-travel duration of each fan. Callers query it at any later instant:
//
//	t, err := dev.Transform(100, 0)
//	if err != nil {
//	    return err
//	}
//	for !t.Complete(time.Now()) {
//	    fmt.Printf("A at %.0f%%\n", t.Percent(dragon.ActuatorA, time.Now()))
//	    time.Sleep(50 * time.Millisecond)
//	}
//
// # Obfuscation
//
// [Device.TransformObfuscated] first drives both fans to random decoy
// positions and only then to the real target, so an observer cannot infer the
// target from the initial motion. The second command is a deferred action held
// by a [Scheduler] and fired from the read loop's tick.
//
// # Link Loss
//
// A read failure closes the transport and stops the read loop. The driver does
// not reconnect; [Device.Done] and [Device.Err] let the owning process decide.
package dragon
