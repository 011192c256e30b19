package store

// AlertDelivery is one pending/attempted webhook delivery of an alert event.
type AlertDelivery struct {
	ID             string
	SubscriptionID string
	EventType      string
	URL            string
	Secret         string
	Payload        []byte
	Status         string
	Attempts       int
}
