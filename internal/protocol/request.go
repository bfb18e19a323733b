package protocol

// RequestKey is the opaque venue-assigned identifier for an asynchronous
// request. The core never inspects its contents; it only uses it to pair a
// submission with its later settlement callback.
type RequestKey string

// Category partitions the pending-request ledger by venue operation kind.
type Category int32

const (
	CategoryDeposit Category = iota
	CategoryWithdrawal
	CategoryOrder
)

func (c Category) String() string {
	switch c {
	case CategoryDeposit:
		return "Deposit"
	case CategoryWithdrawal:
		return "Withdrawal"
	case CategoryOrder:
		return "Order"
	default:
		return "Unknown"
	}
}

// Categories returns all ledger categories in declaration order.
func Categories() []Category {
	return []Category{CategoryDeposit, CategoryWithdrawal, CategoryOrder}
}

// Status is the vault's protocol status. Pending gates acceptance of new
// withdrawal requests while a prior withdrawal settlement is outstanding.
type Status int32

const (
	StatusNormal Status = iota
	StatusPending
)

func (s Status) String() string {
	if s == StatusPending {
		return "Pending"
	}
	return "Normal"
}
