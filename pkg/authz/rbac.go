package authz

import (
	"sync"

	"github.com/vireo-systems/opctl/pkg/contracts"
)

// SuperadminRole bypasses every {role, type} check in RBACTable.
const SuperadminRole = "superadmin"

// RBACTable is the flat {role, intent type} -> allow/deny grant used by the
// intent service's submit path. It is intentionally simpler than Engine's
// relationship graph: intent permissions are a fixed, auditable grant list
// rather than a derived relation.
type RBACTable struct {
	mu            sync.RWMutex
	grants        map[string]map[contracts.IntentType]bool
	criticalRoles map[string]bool
}

// NewRBACTable builds an empty table; grants must be added with Grant.
func NewRBACTable() *RBACTable {
	return &RBACTable{grants: make(map[string]map[contracts.IntentType]bool)}
}

// GrantCritical additionally clears role to submit DangerCritical-rated
// intents. Once any role holds critical clearance, a flat type grant alone
// no longer suffices for a critical intent for roles that lack it; an
// empty clearance set (the default) imposes no extra restriction, so
// tables that never call GrantCritical behave exactly as before.
func (t *RBACTable) GrantCritical(role string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.criticalRoles == nil {
		t.criticalRoles = make(map[string]bool)
	}
	t.criticalRoles[role] = true
}

// RevokeCritical removes a previously granted critical clearance.
func (t *RBACTable) RevokeCritical(role string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.criticalRoles, role)
}

// Grant allows role to submit intents of the given type.
func (t *RBACTable) Grant(role string, intentType contracts.IntentType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.grants[role] == nil {
		t.grants[role] = make(map[contracts.IntentType]bool)
	}
	t.grants[role][intentType] = true
}

// Revoke removes a previously granted role/type pair.
func (t *RBACTable) Revoke(role string, intentType contracts.IntentType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.grants[role], intentType)
}

// Allowed reports whether role may submit an intent of intentType rated at
// the given danger level. SuperadminRole always passes. A DangerCritical
// intent additionally requires role to hold critical clearance whenever
// the table has at least one such clearance configured.
func (t *RBACTable) Allowed(role string, intentType contracts.IntentType, danger contracts.DangerLevel) bool {
	if role == SuperadminRole {
		return true
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.grants[role][intentType] {
		return false
	}
	if danger == contracts.DangerCritical && len(t.criticalRoles) > 0 && !t.criticalRoles[role] {
		return false
	}
	return true
}
