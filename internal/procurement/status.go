package procurement

const (
	StatusDraft     = "DRAFT"
	StatusSent      = "SENT"
	StatusConfirmed = "CONFIRMED"
	StatusPartial   = "PARTIAL"
	StatusReceived  = "RECEIVED"
	StatusCancelled = "CANCELLED"
)

const (
	SendViaEmail  = "EMAIL"
	SendViaManual = "MANUAL"
)

// Audit actions written by the purchase order workflow.
const (
	AuditCreated            = "BC_CREATED"
	AuditSent               = "BC_SENT"
	AuditConfirmed          = "BC_CONFIRMED"
	AuditCancelled          = "BC_CANCELLED"
	AuditReceived           = "BC_RECEIVED"
	AuditReceptionValidated = "RECEPTION_VALIDATED"

	entityPurchaseOrder = "PurchaseOrder"
	entityReception     = "Reception"
)

var transitions = map[string][]string{
	StatusDraft:     {StatusSent, StatusCancelled},
	StatusSent:      {StatusConfirmed, StatusPartial, StatusReceived, StatusCancelled},
	StatusConfirmed: {StatusPartial, StatusReceived, StatusCancelled},
	StatusPartial:   {StatusPartial, StatusReceived},
}

var (
	receivableStatuses  = []string{StatusSent, StatusConfirmed, StatusPartial}
	cancellableStatuses = []string{StatusDraft, StatusSent, StatusConfirmed}
	activeStatuses      = receivableStatuses
)

// CanTransition reports whether a purchase order may move from one status to
// another. RECEIVED and CANCELLED are terminal.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func contains(list []string, status string) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}
