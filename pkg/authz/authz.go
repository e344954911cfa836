// Package authz enforces the kernel access model: role check AND tier
// visibility check. A caller may invoke a syscall only when its role permits
// the action and its tier may see the target tier.
package authz

import (
	"fmt"
)

// Role is a kernel access role.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleMaintainer Role = "maintainer"
	RoleAuditor    Role = "auditor"
	RoleReader     Role = "reader"
)

// Syscall enumerates service invocations from a lower tier to higher-tier
// infrastructure.
type Syscall string

const (
	SyscallLLMGatewayCall Syscall = "LLM_GATEWAY_CALL"
	SyscallLedgerWrite    Syscall = "LEDGER_WRITE"
	SyscallLedgerRead     Syscall = "LEDGER_READ"
	SyscallSchemaValidate Syscall = "SCHEMA_VALIDATE"
	SyscallBudgetCheck    Syscall = "BUDGET_CHECK"
	SyscallBudgetDebit    Syscall = "BUDGET_DEBIT"
	SyscallPolicyLookup   Syscall = "POLICY_LOOKUP"
)

// Tier mirrors layout.Tier; a local alias keeps this package leaf-level.
type Tier string

const (
	TierHOT Tier = "hot"
	TierHO2 Tier = "ho2"
	TierHO1 Tier = "ho1"
)

func tierRank(t Tier) int {
	switch t {
	case TierHOT:
		return 3
	case TierHO2:
		return 2
	case TierHO1:
		return 1
	}
	return 0
}

// Identity is an authenticated caller.
type Identity struct {
	ID    string
	Roles []Role
	Tier  Tier
}

// HasRole reports whether the identity carries the role (admin implies all).
func (id *Identity) HasRole(r Role) bool {
	for _, have := range id.Roles {
		if have == RoleAdmin || have == r {
			return true
		}
	}
	return false
}

// DeniedError is returned when access is rejected; the code is stable.
type DeniedError struct {
	Code    string
	Message string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

const (
	CodeRoleDenied = "ROLE_DENIED"
	CodeTierDenied = "TIER_DENIED"
)

// roleFor maps each syscall to the minimum role that may invoke it.
var roleFor = map[Syscall]Role{
	SyscallLLMGatewayCall: RoleMaintainer,
	SyscallLedgerWrite:    RoleMaintainer,
	SyscallLedgerRead:     RoleReader,
	SyscallSchemaValidate: RoleReader,
	SyscallBudgetCheck:    RoleReader,
	SyscallBudgetDebit:    RoleMaintainer,
	SyscallPolicyLookup:   RoleReader,
}

// readOnly marks syscalls an auditor may always invoke.
var readOnly = map[Syscall]bool{
	SyscallLedgerRead:     true,
	SyscallSchemaValidate: true,
	SyscallBudgetCheck:    true,
	SyscallPolicyLookup:   true,
}

// Authorize applies role_check(identity, syscall) AND
// tier_check(callerTier, targetTier, syscall).
func Authorize(id *Identity, callerTier, targetTier Tier, call Syscall) error {
	required, ok := roleFor[call]
	if !ok {
		return &DeniedError{Code: CodeRoleDenied, Message: fmt.Sprintf("unknown syscall %s", call)}
	}
	if !id.HasRole(required) && !(id.HasRole(RoleAuditor) && readOnly[call]) {
		return &DeniedError{
			Code:    CodeRoleDenied,
			Message: fmt.Sprintf("identity %s lacks role %s for %s", id.ID, required, call),
		}
	}
	return CheckTier(callerTier, targetTier, call)
}

// CheckTier enforces the visibility matrix: a tier may call into its own tier
// or any higher tier's infrastructure; reaching down is forbidden. Writes to
// another tier's ledger are always forbidden.
func CheckTier(caller, target Tier, call Syscall) error {
	cr, tr := tierRank(caller), tierRank(target)
	if cr == 0 || tr == 0 {
		return &DeniedError{Code: CodeTierDenied, Message: fmt.Sprintf("unknown tier %q or %q", caller, target)}
	}
	if tr < cr {
		return &DeniedError{
			Code:    CodeTierDenied,
			Message: fmt.Sprintf("tier %s may not reach down into %s", caller, target),
		}
	}
	if call == SyscallLedgerWrite && caller != target {
		return &DeniedError{
			Code:    CodeTierDenied,
			Message: fmt.Sprintf("tier %s may only write its own ledger, not %s", caller, target),
		}
	}
	return nil
}
