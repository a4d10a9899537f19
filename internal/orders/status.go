package orders

type Status string

const (
	StatusCreated        Status = "CREATED"
	StatusPaymentPending Status = "PAYMENT_PENDING"
	StatusPaid           Status = "PAID"
	StatusFulfilled      Status = "FULFILLED"
	StatusCancelled      Status = "CANCELLED"
	StatusFailed         Status = "FAILED"
)

// allStatuses keeps NextStates output in a stable order.
var allStatuses = []Status{
	StatusCreated,
	StatusPaymentPending,
	StatusPaid,
	StatusFulfilled,
	StatusCancelled,
	StatusFailed,
}

// validNext is the single source of truth for status writes. Every caller
// that changes an order's status goes through ValidateTransition first.
var validNext = map[Status]map[Status]bool{
	StatusCreated:        {StatusPaymentPending: true, StatusCancelled: true},
	StatusPaymentPending: {StatusPaid: true, StatusFailed: true},
	StatusPaid:           {StatusFulfilled: true},
	StatusFulfilled:      {},
	StatusCancelled:      {},
	StatusFailed:         {},
}

func KnownStatus(s Status) bool {
	_, ok := validNext[s]
	return ok
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// NextStates returns the allowed targets from a status, possibly empty.
func NextStates(from Status) []Status {
	var out []Status
	for _, s := range allStatuses {
		if validNext[from][s] {
			out = append(out, s)
		}
	}
	return out
}

func IsTerminal(s Status) bool {
	next, ok := validNext[s]
	return ok && len(next) == 0
}

func CanCancel(s Status) bool {
	return CanTransition(s, StatusCancelled)
}
