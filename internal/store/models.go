package store

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	ID                  int64      `json:"id"`
	Email               string     `json:"email"`
	FirstName           string     `json:"firstName"`
	LastName            string     `json:"lastName"`
	PasswordHash        string     `json:"-"`
	Role                string     `json:"role"`
	IsActive            bool       `json:"isActive"`
	FailedLoginAttempts int        `json:"-"`
	LastFailedLoginAt   *time.Time `json:"-"`
	LastLoginAt         *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

func (u User) DisplayName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	case u.LastName != "":
		return u.LastName
	}
	return u.Email
}

// Security log actions. Login failures and access denials feed the
// monitoring checks.
const (
	SecurityLoginSuccess = "LOGIN_SUCCESS"
	SecurityLoginFailed  = "LOGIN_FAILED"
	SecurityAccessDenied = "ACCESS_DENIED"
	SecurityLogout       = "LOGOUT"
	SecurityUserUpdated  = "USER_UPDATED"
	SecurityUserEnabled  = "USER_ENABLED"
	SecurityUserDisabled = "USER_DISABLED"
	SecurityPasswordSet  = "PASSWORD_RESET"
)

type SecurityLog struct {
	ID        int64          `json:"id"`
	Action    string         `json:"action"`
	UserID    *int64         `json:"userId,omitempty"`
	Email     string         `json:"email,omitempty"`
	IPAddress string         `json:"ipAddress,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

type Device struct {
	ID            int64      `json:"id"`
	DeviceID      string     `json:"deviceId"`
	Name          string     `json:"name"`
	UserID        *int64     `json:"userId,omitempty"`
	IsActive      bool       `json:"isActive"`
	PendingEvents int        `json:"pendingEvents"`
	LastSyncAt    *time.Time `json:"lastSyncAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

type AuditEntry struct {
	ID             int64           `json:"id"`
	ActorID        *int64          `json:"actorId,omitempty"`
	ActorRole      string          `json:"actorRole"`
	Action         string          `json:"action"`
	EntityType     string          `json:"entityType"`
	EntityID       string          `json:"entityId"`
	Before         json.RawMessage `json:"before,omitempty"`
	After          json.RawMessage `json:"after,omitempty"`
	RequestID      string          `json:"requestId,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

type Supplier struct {
	ID           int64     `json:"id"`
	Code         string    `json:"code"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Phone        string    `json:"phone"`
	Address      string    `json:"address"`
	NIF          string    `json:"nif"`
	LeadTimeDays int       `json:"leadTimeDays"`
	IsActive     bool      `json:"isActive"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Client struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	NIF       string    `json:"nif"`
	Address   string    `json:"address"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type ProductMP struct {
	ID                  int64               `json:"id"`
	Code                string              `json:"code"`
	Name                string              `json:"name"`
	Unit                string              `json:"unit"`
	Category            string              `json:"category"`
	MinStock            decimal.Decimal     `json:"minStock"`
	SeuilSecurite       decimal.NullDecimal `json:"seuilSecurite"`
	SeuilCommande       decimal.NullDecimal `json:"seuilCommande"`
	LeadTimeDays        int                 `json:"leadTimeDays"`
	Criticite           string              `json:"criticite"`
	ConsommationMoyJour decimal.NullDecimal `json:"consommationMoyJour"`
	MainSupplierID      *int64              `json:"mainSupplierId,omitempty"`
	DefaultTVARate      int                 `json:"defaultTvaRate"`
	IsActive            bool                `json:"isActive"`
	CreatedAt           time.Time           `json:"createdAt"`
	UpdatedAt           time.Time           `json:"updatedAt"`
}

type ProductPF struct {
	ID        int64           `json:"id"`
	Code      string          `json:"code"`
	Name      string          `json:"name"`
	Unit      string          `json:"unit"`
	PriceHT   int64           `json:"priceHt"`
	MinStock  decimal.Decimal `json:"minStock"`
	IsActive  bool            `json:"isActive"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type Recipe struct {
	ID             int64           `json:"id"`
	ProductPFID    int64           `json:"productPfId"`
	ProductPFCode  string          `json:"productPfCode"`
	ProductPFName  string          `json:"productPfName"`
	Name           string          `json:"name"`
	BatchWeight    decimal.Decimal `json:"batchWeight"`
	OutputQuantity decimal.Decimal `json:"outputQuantity"`
	LossTolerance  decimal.Decimal `json:"lossTolerance"`
	ShelfLifeDays  int             `json:"shelfLifeDays"`
	IsActive       bool            `json:"isActive"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	Items          []RecipeItem    `json:"items"`
}

type RecipeItem struct {
	ID            int64           `json:"id"`
	RecipeID      int64           `json:"recipeId"`
	ProductMPID   int64           `json:"productMpId"`
	ProductMPCode string          `json:"productMpCode"`
	ProductMPName string          `json:"productMpName"`
	Criticite     string          `json:"criticite"`
	Quantity      decimal.Decimal `json:"quantity"`
	Unit          string          `json:"unit"`
	IsMandatory   bool            `json:"isMandatory"`
	AffectsStock  bool            `json:"affectsStock"`
	SortOrder     int             `json:"sortOrder"`
}

type Lot struct {
	ID                int64           `json:"id"`
	ProductType       string          `json:"productType"`
	ProductID         int64           `json:"productId"`
	LotNumber         string          `json:"lotNumber"`
	InitialQuantity   decimal.Decimal `json:"initialQuantity"`
	QuantityRemaining decimal.Decimal `json:"quantityRemaining"`
	UnitCost          int64           `json:"unitCost"`
	ManufactureDate   *time.Time      `json:"manufactureDate,omitempty"`
	ExpiryDate        *time.Time      `json:"expiryDate,omitempty"`
	Status            string          `json:"status"`
	SupplierID        *int64          `json:"supplierId,omitempty"`
	ReceptionID       *int64          `json:"receptionId,omitempty"`
	ProductionOrderID *int64          `json:"productionOrderId,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
}

type StockMovement struct {
	ID             int64           `json:"id"`
	MovementType   string          `json:"movementType"`
	Origin         string          `json:"origin"`
	ProductType    string          `json:"productType"`
	ProductID      int64           `json:"productId"`
	LotID          *int64          `json:"lotId,omitempty"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitCost       int64           `json:"unitCost"`
	ReferenceType  string          `json:"referenceType"`
	ReferenceID    *int64          `json:"referenceId,omitempty"`
	Reference      string          `json:"reference"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	CreatedBy      *int64          `json:"createdBy,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

type PurchaseOrder struct {
	ID               int64               `json:"id"`
	Reference        string              `json:"reference"`
	SupplierID       int64               `json:"supplierId"`
	SupplierName     string              `json:"supplierName"`
	SupplierEmail    string              `json:"supplierEmail"`
	DemandeID        *int64              `json:"demandeId,omitempty"`
	Status           string              `json:"status"`
	TotalHT          int64               `json:"totalHt"`
	ExpectedDelivery *time.Time          `json:"expectedDelivery,omitempty"`
	DeliveryAddress  string              `json:"deliveryAddress"`
	Notes            string              `json:"notes"`
	SentAt           *time.Time          `json:"sentAt,omitempty"`
	SentBy           *int64              `json:"sentBy,omitempty"`
	SentVia          string              `json:"sentVia,omitempty"`
	EmailStatus      string              `json:"emailStatus,omitempty"` // outcome of the delivery attempted by Send
	ConfirmedAt      *time.Time          `json:"confirmedAt,omitempty"`
	ConfirmedBy      *int64              `json:"confirmedBy,omitempty"`
	ReceivedAt       *time.Time          `json:"receivedAt,omitempty"`
	CancelledAt      *time.Time          `json:"cancelledAt,omitempty"`
	CancelledBy      *int64              `json:"cancelledBy,omitempty"`
	CancelReason     string              `json:"cancelReason,omitempty"`
	Version          int                 `json:"version"`
	LockedByID       *int64              `json:"lockedById,omitempty"`
	LockedAt         *time.Time          `json:"lockedAt,omitempty"`
	LockExpiresAt    *time.Time          `json:"lockExpiresAt,omitempty"`
	CreatedBy        int64               `json:"createdBy"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
	Items            []PurchaseOrderItem `json:"items"`
}

type PurchaseOrderItem struct {
	ID               int64           `json:"id"`
	PurchaseOrderID  int64           `json:"purchaseOrderId"`
	ProductMPID      int64           `json:"productMpId"`
	ProductMPCode    string          `json:"productMpCode"`
	ProductMPName    string          `json:"productMpName"`
	Unit             string          `json:"unit"`
	Criticite        string          `json:"criticite"`
	Quantity         decimal.Decimal `json:"quantity"`
	QuantityReceived decimal.Decimal `json:"quantityReceived"`
	UnitPrice        int64           `json:"unitPrice"`
	TVARate          int             `json:"tvaRate"`
	TotalHT          int64           `json:"totalHt"`
}

// Remaining is the quantity still expected from the supplier.
func (i PurchaseOrderItem) Remaining() decimal.Decimal {
	return i.Quantity.Sub(i.QuantityReceived)
}

// PurchaseOrderUpdate is a guarded status change. The row is only written if
// its status is one of FromStatuses and, when Version is non-zero, its
// version still matches.
type PurchaseOrderUpdate struct {
	ID               int64
	FromStatuses     []string
	Version          int
	Status           string
	At               time.Time
	UserID           int64
	SentVia          string
	ExpectedDelivery *time.Time
	CancelReason     string
}

// Outbox states of a purchase order email.
const (
	EmailPending = "PENDING"
	EmailSending = "SENDING"
	EmailSent    = "SENT"
	EmailFailed  = "FAILED"
)

// PurchaseOrderEmail is a queued delivery of a BC to its supplier. Rows are
// written in the transaction that marks the order SENT and delivered after
// commit.
type PurchaseOrderEmail struct {
	ID              int64      `json:"id"`
	PurchaseOrderID int64      `json:"purchaseOrderId"`
	Recipient       string     `json:"recipient"`
	Status          string     `json:"status"`
	Attempts        int        `json:"attempts"`
	LastError       string     `json:"lastError,omitempty"`
	SentAt          *time.Time `json:"sentAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

type Reception struct {
	ID              int64           `json:"id"`
	Reference       string          `json:"reference"`
	SupplierID      *int64          `json:"supplierId,omitempty"`
	PurchaseOrderID *int64          `json:"purchaseOrderId,omitempty"`
	DemandeID       *int64          `json:"demandeId,omitempty"`
	Source          string          `json:"source"`
	Status          string          `json:"status"`
	BLNumber        string          `json:"blNumber"`
	ReceptionDate   time.Time       `json:"receptionDate"`
	CreatedBy       int64           `json:"createdBy"`
	ValidatedAt     *time.Time      `json:"validatedAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	Lines           []ReceptionLine `json:"lines"`
}

type ReceptionLine struct {
	ID                  int64           `json:"id"`
	ReceptionID         int64           `json:"receptionId"`
	ProductMPID         int64           `json:"productMpId"`
	PurchaseOrderItemID *int64          `json:"purchaseOrderItemId,omitempty"`
	LotID               *int64          `json:"lotId,omitempty"`
	Quantity            decimal.Decimal `json:"quantity"`
	UnitPrice           int64           `json:"unitPrice"`
	TVARate             int             `json:"tvaRate"`
}

type Demande struct {
	ID              int64         `json:"id"`
	Reference       string        `json:"reference"`
	Status          string        `json:"status"`
	Priority        string        `json:"priority"`
	Commentaire     string        `json:"commentaire"`
	MotifRejet      string        `json:"motifRejet,omitempty"`
	CreatedBy       int64         `json:"createdBy"`
	CreatedByName   string        `json:"createdByName"`
	ValidatedBy     *int64        `json:"validatedBy,omitempty"`
	ValidatedByName string        `json:"validatedByName,omitempty"`
	ValidatedAt     *time.Time    `json:"validatedAt,omitempty"`
	RejectedAt      *time.Time    `json:"rejectedAt,omitempty"`
	ReceptionID     *int64        `json:"receptionId,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
	Lines           []DemandeLine `json:"lines"`
}

type DemandeLine struct {
	ID               int64               `json:"id"`
	DemandeID        int64               `json:"demandeId"`
	ProductMPID      int64               `json:"productMpId"`
	ProductMPCode    string              `json:"productMpCode"`
	ProductMPName    string              `json:"productMpName"`
	Unit             string              `json:"unit"`
	QuantiteDemandee decimal.Decimal     `json:"quantiteDemandee"`
	QuantiteValidee  decimal.NullDecimal `json:"quantiteValidee"`
	Commentaire      string              `json:"commentaire"`
}

// DemandeUpdate is a guarded status change on a demande.
type DemandeUpdate struct {
	ID         int64
	FromStatus string
	Status     string
	At         time.Time
	UserID     int64
	MotifRejet string
}

type DemandeFilter struct {
	Status    string
	CreatedBy *int64
}

type DemandeStats struct {
	Brouillons      int `json:"brouillons"`
	Soumises        int `json:"soumises"`
	Validees        int `json:"validees"`
	Rejetees        int `json:"rejetees"`
	EnCoursCommande int `json:"enCoursCommande"`
	Total           int `json:"total"`
}

type ProductionOrder struct {
	ID               int64               `json:"id"`
	Reference        string              `json:"reference"`
	ProductPFID      int64               `json:"productPfId"`
	ProductPFCode    string              `json:"productPfCode"`
	ProductPFName    string              `json:"productPfName"`
	RecipeID         int64               `json:"recipeId"`
	BatchCount       int                 `json:"batchCount"`
	TargetQuantity   decimal.Decimal     `json:"targetQuantity"`
	QuantityProduced decimal.NullDecimal `json:"quantityProduced"`
	YieldPercentage  decimal.NullDecimal `json:"yieldPercentage"`
	Status           string              `json:"status"`
	ScheduledDate    *time.Time          `json:"scheduledDate,omitempty"`
	Notes            string              `json:"notes"`
	StartedAt        *time.Time          `json:"startedAt,omitempty"`
	StartedBy        *int64              `json:"startedBy,omitempty"`
	CompletedAt      *time.Time          `json:"completedAt,omitempty"`
	CompletedBy      *int64              `json:"completedBy,omitempty"`
	CancelledAt      *time.Time          `json:"cancelledAt,omitempty"`
	CancelledBy      *int64              `json:"cancelledBy,omitempty"`
	CancelReason     string              `json:"cancelReason,omitempty"`
	OutputLotID      *int64              `json:"outputLotId,omitempty"`
	CreatedBy        int64               `json:"createdBy"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
}

// ProductionOrderUpdate is a guarded status change on a production order.
type ProductionOrderUpdate struct {
	ID               int64
	FromStatuses     []string
	Status           string
	At               time.Time
	UserID           int64
	QuantityProduced decimal.NullDecimal
	YieldPercentage  decimal.NullDecimal
	OutputLotID      *int64
	CancelReason     string
}

type ProductionConsumption struct {
	ID                int64           `json:"id"`
	ProductionOrderID int64           `json:"productionOrderId"`
	ProductMPID       int64           `json:"productMpId"`
	LotID             int64           `json:"lotId"`
	LotNumber         string          `json:"lotNumber"`
	QuantityPlanned   decimal.Decimal `json:"quantityPlanned"`
	QuantityConsumed  decimal.Decimal `json:"quantityConsumed"`
	UnitCost          int64           `json:"unitCost"`
	IsReversed        bool            `json:"isReversed"`
	CreatedAt         time.Time       `json:"createdAt"`
}

type Invoice struct {
	ID            int64           `json:"id"`
	Reference     string          `json:"reference"`
	ClientID      int64           `json:"clientId"`
	ClientName    string          `json:"clientName"`
	ClientNIF     string          `json:"clientNif"`
	ClientAddress string          `json:"clientAddress"`
	InvoiceDate   time.Time       `json:"invoiceDate"`
	PaymentMethod string          `json:"paymentMethod"`
	TotalHT       int64           `json:"totalHt"`
	TotalTVA      int64           `json:"totalTva"`
	TotalTTC      int64           `json:"totalTtc"`
	TimbreRate    decimal.Decimal `json:"timbreRate"`
	TimbreFiscal  int64           `json:"timbreFiscal"`
	NetToPay      int64           `json:"netToPay"`
	Status        string          `json:"status"`
	CreatedBy     int64           `json:"createdBy"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	Lines         []InvoiceLine   `json:"lines"`
}

type InvoiceLine struct {
	ID            int64           `json:"id"`
	InvoiceID     int64           `json:"invoiceId"`
	ProductPFID   int64           `json:"productPfId"`
	ProductPFCode string          `json:"productPfCode"`
	ProductPFName string          `json:"productPfName"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitPriceHT   int64           `json:"unitPriceHt"`
	LineHT        int64           `json:"lineHt"`
}

type Alert struct {
	ID             int64               `json:"id"`
	Type           string              `json:"type"`
	Severity       string              `json:"severity"`
	Status         string              `json:"status"`
	Title          string              `json:"title"`
	Message        string              `json:"message"`
	EntityType     string              `json:"entityType,omitempty"`
	EntityID       string              `json:"entityId,omitempty"`
	Value          decimal.NullDecimal `json:"value"`
	Threshold      decimal.NullDecimal `json:"threshold"`
	Metadata       map[string]any      `json:"metadata,omitempty"`
	ExpiresAt      *time.Time          `json:"expiresAt,omitempty"`
	AcknowledgedBy *int64              `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time          `json:"acknowledgedAt,omitempty"`
	ClosedBy       *int64              `json:"closedBy,omitempty"`
	ClosedAt       *time.Time          `json:"closedAt,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

type AlertHistory struct {
	ID         int64     `json:"id"`
	AlertID    int64     `json:"alertId"`
	Action     string    `json:"action"`
	FromStatus string    `json:"fromStatus,omitempty"`
	ToStatus   string    `json:"toStatus"`
	UserID     *int64    `json:"userId,omitempty"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

type AlertFilter struct {
	Status   string
	Severity string
	Type     string
}

// StockLevel is the movement-derived stock of one product.
type StockLevel struct {
	ProductType string          `json:"productType"`
	ProductID   int64           `json:"productId"`
	Code        string          `json:"code"`
	Name        string          `json:"name"`
	MinStock    decimal.Decimal `json:"minStock"`
	Quantity    decimal.Decimal `json:"quantity"`
}

// MPStockRow is one raw material with everything the risk dashboard needs.
type MPStockRow struct {
	Product           ProductMP
	Stock             decimal.Decimal
	ActiveRecipes     int
	MainSupplierName  string
	OpenPurchaseOrder bool
}

type ExpiringLot struct {
	Lot
	ProductCode string `json:"productCode"`
	ProductName string `json:"productName"`
}

type SyncStats struct {
	Total         int        `json:"total"`
	Active        int        `json:"active"`
	Offline       int        `json:"offline"`
	PendingEvents int        `json:"pendingEvents"`
	LastSyncAt    *time.Time `json:"lastSyncAt,omitempty"`
}

type FiscalStats struct {
	InvoiceCount int   `json:"invoiceCount"`
	TotalTTC     int64 `json:"totalTtc"`
	TotalTVA     int64 `json:"totalTva"`
	TotalTimbre  int64 `json:"totalTimbre"`
	CashTTC      int64 `json:"cashTtc"`
}
