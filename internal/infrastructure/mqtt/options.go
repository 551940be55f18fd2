package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/dragon-core/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is in milliseconds.
	defaultDisconnectQuiesce = 1000

	defaultKeepAlive = 60 * time.Second
	maxQoS           = 2
	tlsMinVersion    = tls.VersionTLS12
)

// Link status values carried in the connection status payload.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// StatusPayload is the body of the connection status messages the client
// publishes on the health topic itself: online after every (re)connect,
// offline on graceful close, and the broker-held Last Will.
type StatusPayload struct {
	Status    string    `json:"status"`
	DeviceID  string    `json:"device_id"`
	ClientID  string    `json:"client_id"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func brokerURL(b config.MQTTBrokerConfig) string {
	scheme := "tcp"
	if b.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, b.Host, b.Port)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// buildClientOptions maps the mqtt config section onto paho. Sessions are
// clean: the bridge re-subscribes itself on every connect.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions().
		AddBroker(brokerURL(cfg.Broker)).
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(seconds(cfg.Reconnect.InitialDelay)).
		SetMaxReconnectInterval(seconds(cfg.Reconnect.MaxDelay)).
		SetConnectTimeout(defaultConnectTimeout).
		SetKeepAlive(defaultKeepAlive)

	if u := cfg.Auth.Username; u != "" {
		opts.SetUsername(u).SetPassword(cfg.Auth.Password)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}
	return opts
}

// configureLWT registers the offline Last Will on the device health topic.
// QoS 1, retained, so late subscribers still see a dead driver.
func configureLWT(opts *pahomqtt.ClientOptions, clientID, deviceID string) {
	payload := statusPayload(StatusOffline, clientID, deviceID, "unexpected_disconnect", time.Now())
	opts.SetBinaryWill(Topics{}.Health(deviceID), payload, 1, true)
}

func statusPayload(status, clientID, deviceID, reason string, now time.Time) []byte {
	data, err := json.Marshal(StatusPayload{
		Status:    status,
		DeviceID:  deviceID,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: now.UTC(),
	})
	if err != nil {
		// StatusPayload only holds strings and a time; Marshal cannot fail.
		return nil
	}
	return data
}
