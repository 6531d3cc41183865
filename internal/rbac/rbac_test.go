package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "admin anything", role: RoleAdmin, action: ActionCancelPurchasing, allow: true},
		{name: "appro manages purchasing", role: RoleAppro, action: ActionManagePurchasing, allow: true},
		{name: "appro cannot cancel purchasing", role: RoleAppro, action: ActionCancelPurchasing, allow: false},
		{name: "appro handles alerts", role: RoleAppro, action: ActionManageAlerts, allow: true},
		{name: "appro validates demandes", role: RoleAppro, action: ActionValidateDemande, allow: true},
		{name: "appro cannot create demandes", role: RoleAppro, action: ActionCreateDemande, allow: false},
		{name: "production creates demandes", role: RoleProduction, action: ActionCreateDemande, allow: true},
		{name: "production cannot validate", role: RoleProduction, action: ActionValidateDemande, allow: false},
		{name: "production runs orders", role: RoleProduction, action: ActionManageProduction, allow: true},
		{name: "admin adjusts stock", role: RoleAdmin, action: ActionAdjustStock, allow: true},
		{name: "appro cannot adjust stock", role: RoleAppro, action: ActionAdjustStock, allow: false},
		{name: "commercial invoices", role: RoleCommercial, action: ActionManageInvoices, allow: true},
		{name: "commercial no purchasing", role: RoleCommercial, action: ActionViewPurchasing, allow: false},
		{name: "unknown role", role: Role("viewer"), action: ActionViewCatalog, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("APPRO"); got != RoleAppro {
		t.Fatalf("Normalize(APPRO) = %q", got)
	}
	if got := Normalize("editor"); got != RoleCommercial {
		t.Fatalf("Normalize(editor) = %q, want least privileged role", got)
	}
}
