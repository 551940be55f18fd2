package mqtt

import "fmt"

// Subscribe registers handler for topic, which may contain + and #
// wildcards. The subscription is remembered and restored after each
// reconnect. Handlers run on paho goroutines and must not block.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := checkTopic(topic, qos); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler for %s", ErrSubscribeFailed, topic)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.remember(topic, subscription{qos: qos, handler: handler})
	if err := wait(c.client.Subscribe(topic, qos, c.wrapHandler(handler)), defaultPublishTimeout); err != nil {
		c.forget(topic)
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
	}
	return nil
}

// Unsubscribe drops topic. In-flight messages may still arrive.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	c.forget(topic)
	if err := wait(c.client.Unsubscribe(topic), defaultPublishTimeout); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnsubscribeFailed, topic, err)
	}
	return nil
}

func (c *Client) remember(topic string, s subscription) {
	c.subMu.Lock()
	c.subscriptions[topic] = s
	c.subMu.Unlock()
}

func (c *Client) forget(topic string) {
	c.subMu.Lock()
	delete(c.subscriptions, topic)
	c.subMu.Unlock()
}

// SubscriptionCount is the number of remembered subscriptions.
func (c *Client) SubscriptionCount() int {
	c.subMu.RLock()
	n := len(c.subscriptions)
	c.subMu.RUnlock()
	return n
}

// HasSubscription matches topic literally; wildcards are not expanded.
func (c *Client) HasSubscription(topic string) bool {
	c.subMu.RLock()
	_, ok := c.subscriptions[topic]
	c.subMu.RUnlock()
	return ok
}
