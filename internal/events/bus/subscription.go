package bus

import "github.com/nats-io/nats.go"

// natsSubscription adapts *nats.Subscription to the bus Subscription
// interface. A nil inner subscription behaves as already unsubscribed.
type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub != nil && s.sub.IsValid()
}
