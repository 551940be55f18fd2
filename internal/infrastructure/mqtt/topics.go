package mqtt

import "fmt"

// TopicPrefix is the root of every topic the driver publishes or consumes.
//
// Flat scheme: dragon/{category}/{device_id}
const TopicPrefix = "dragon"

// Topics provides builders for Drag:on MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.State("dragon-01") // "dragon/state/dragon-01"
type Topics struct{}

// Command returns the topic a device consumes commands from.
//
// Example: dragon/command/dragon-01
func (Topics) Command(deviceID string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefix, deviceID)
}

// Ack returns the topic command acknowledgements are published on.
//
// Example: dragon/ack/dragon-01
func (Topics) Ack(deviceID string) string {
	return fmt.Sprintf("%s/ack/%s", TopicPrefix, deviceID)
}

// State returns the retained actuator/button state topic.
//
// Example: dragon/state/dragon-01
func (Topics) State(deviceID string) string {
	return fmt.Sprintf("%s/state/%s", TopicPrefix, deviceID)
}

// Transformation returns the topic issued transformations are announced on.
//
// Example: dragon/transformation/dragon-01
func (Topics) Transformation(deviceID string) string {
	return fmt.Sprintf("%s/transformation/%s", TopicPrefix, deviceID)
}

// Health returns the retained health topic. The broker publishes the
// Last Will here when the driver vanishes.
//
// Example: dragon/health/dragon-01
func (Topics) Health(deviceID string) string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, deviceID)
}

// AllCommands matches commands for every device.
//
// Pattern: dragon/command/+
func (Topics) AllCommands() string {
	return TopicPrefix + "/command/+"
}

// AllStates matches state updates for every device.
//
// Pattern: dragon/state/+
func (Topics) AllStates() string {
	return TopicPrefix + "/state/+"
}

// AllHealth matches health updates for every device.
//
// Pattern: dragon/health/+
func (Topics) AllHealth() string {
	return TopicPrefix + "/health/+"
}

// AllTopics matches all Drag:on traffic.
//
// Pattern: dragon/#
func (Topics) AllTopics() string {
	return TopicPrefix + "/#"
}
