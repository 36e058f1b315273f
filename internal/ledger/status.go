package ledger

import "strconv"

// Status encodes the order lifecycle as an integer code. Codes are ordered:
// a transition is only ever forward except for the review/cancel escape
// hatches (800/900).
type Status int

const (
	StatusInitiated        Status = 100
	StatusPaymentConfirmed Status = 200
	StatusSettled          Status = 250
	StatusRiderAssigned    Status = 310
	StatusPickupEnRoute    Status = 320
	StatusPickedUp         Status = 330
	StatusDeliveryEnRoute  Status = 340
	StatusKeyVerified      Status = 350
	StatusDelivered        Status = 400
	StatusReceiptConfirmed Status = 500
	StatusGratitudeSent    Status = 600
	StatusCompleted        Status = 700
	StatusHeldForReview    Status = 800
	StatusCancelled        Status = 900
)

var statusNames = map[Status]string{
	StatusInitiated:        "Gift Created",
	StatusPaymentConfirmed: "Payment Confirmed",
	StatusSettled:          "Settled",
	StatusRiderAssigned:    "Rider Assigned",
	StatusPickupEnRoute:    "Rider En Route to Shop",
	StatusPickedUp:         "Gift Picked Up",
	StatusDeliveryEnRoute:  "Rider En Route to Receiver",
	StatusKeyVerified:      "Collection Verified",
	StatusDelivered:        "Gift Delivered",
	StatusReceiptConfirmed: "Receipt Confirmed",
	StatusGratitudeSent:    "Gratitude Sent",
	StatusCompleted:        "Completed",
	StatusHeldForReview:    "Held for Review",
	StatusCancelled:        "Cancelled",
}

// String returns the human-readable name of the status.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "Unknown (" + strconv.Itoa(int(s)) + ")"
}

// Terminal reports whether the status is final. Terminal orders are never
// mutated again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Cancellable reports whether an order in this status may still be
// cancelled. Only pre-delivery states qualify; held orders need an explicit
// review resolution instead.
func (s Status) Cancellable() bool {
	return s < StatusDelivered && s != StatusHeldForReview
}
