package rbac

type Role string
type Action string

const (
	RoleAdmin      Role = "ADMIN"
	RoleAppro      Role = "APPRO"
	RoleProduction Role = "PRODUCTION"
	RoleCommercial Role = "COMMERCIAL"
)

const (
	ActionViewCatalog       Action = "catalog.view"
	ActionManageCatalog     Action = "catalog.manage"
	ActionViewStock         Action = "stock.view"
	ActionAdjustStock       Action = "stock.adjust"
	ActionViewPurchasing    Action = "purchasing.view"
	ActionManagePurchasing  Action = "purchasing.manage"
	ActionCancelPurchasing  Action = "purchasing.cancel"
	ActionViewDemandes      Action = "demandes.view"
	ActionCreateDemande     Action = "demandes.create"
	ActionValidateDemande   Action = "demandes.validate"
	ActionViewProduction    Action = "production.view"
	ActionManageProduction  Action = "production.manage"
	ActionViewInvoices      Action = "invoices.view"
	ActionManageInvoices    Action = "invoices.manage"
	ActionViewAppro         Action = "appro.view"
	ActionManageThresholds  Action = "appro.thresholds"
	ActionViewMonitoring    Action = "monitoring.view"
	ActionManageAlerts      Action = "monitoring.alerts"
	ActionReportDeviceState Action = "devices.heartbeat"
	ActionAdmin             Action = "admin"
)

var grants = map[Role]map[Action]bool{
	RoleAppro: {
		ActionViewCatalog:       true,
		ActionManageCatalog:     true,
		ActionViewStock:         true,
		ActionViewPurchasing:    true,
		ActionManagePurchasing:  true,
		ActionViewDemandes:      true,
		ActionValidateDemande:   true,
		ActionViewProduction:    true,
		ActionViewAppro:         true,
		ActionManageThresholds:  true,
		ActionViewMonitoring:    true,
		ActionManageAlerts:      true,
		ActionReportDeviceState: true,
	},
	RoleProduction: {
		ActionViewCatalog:       true,
		ActionViewStock:         true,
		ActionViewDemandes:      true,
		ActionCreateDemande:     true,
		ActionViewProduction:    true,
		ActionManageProduction:  true,
		ActionReportDeviceState: true,
	},
	RoleCommercial: {
		ActionViewCatalog:       true,
		ActionViewStock:         true,
		ActionViewInvoices:      true,
		ActionManageInvoices:    true,
		ActionReportDeviceState: true,
	},
}

func Can(role Role, action Action) bool {
	if role == RoleAdmin {
		return true
	}
	return grants[role][action]
}

// Normalize maps unknown or legacy role names to the least privileged role.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleAdmin, RoleAppro, RoleProduction, RoleCommercial:
		return Role(role)
	default:
		return RoleCommercial
	}
}

// Principal is the authenticated caller of a service operation.
type Principal struct {
	UserID int64
	Name   string
	Role   Role
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

func (p Principal) Can(action Action) bool {
	return Can(p.Role, action)
}
