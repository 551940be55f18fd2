// Package supervisor keeps a Drag:on device open for the life of the
// daemon.
//
// The driver never reconnects by itself: when the link is lost the Device
// shuts down and reports why. The Supervisor owns the reopen policy. It
// opens the device with exponential backoff, waits for it to finish, and
// opens a fresh one after link loss when reconnect is enabled.
//
// Supervisor implements dragon.Controller by delegating to whichever
// device is current, so the API and the MQTT bridge hold one stable
// reference across reconnects. Between devices, commands fail with
// dragon.ErrNotConnected and queries return the last known values.
package supervisor
