package events

const (
	TopicOrders        = "storefront.orders"
	TopicPayments      = "storefront.payments"
	TopicPaymentReview = "storefront.payments.review"
)

// TopicFor routes an event type to its topic.
func TopicFor(eventType string) string {
	switch eventType {
	case EventOrderPlaced, EventOrderPaid, EventOrderCancelled, EventOrderDelivered, EventOrderDeleted:
		return TopicOrders
	case EventPaymentCreated, EventPaymentFailed, EventPaymentExpired:
		return TopicPayments
	case EventPaymentReviewRequired:
		return TopicPaymentReview
	}
	return TopicOrders
}

// PartitionKey is the order id, so every event of one order keeps its order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
