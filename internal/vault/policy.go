package vault

// AccessDecision is the outcome of the access policy.
type AccessDecision string

const (
	// DecisionAllow grants the caller direct access to the resource.
	DecisionAllow AccessDecision = "allow"
	// DecisionRequireApproval routes the caller through the approval engine.
	DecisionRequireApproval AccessDecision = "require_approval"
)

// Decide is the access policy: owners and guardians get direct access, every
// other authenticated identity must go through approval. Authenticated callers
// are never denied outright since they can always request approval. Pure
// function of its arguments; no side effects.
func Decide(actor string, guardians []*Guardian) AccessDecision {
	for _, g := range guardians {
		if g.Identity == actor {
			return DecisionAllow
		}
	}
	return DecisionRequireApproval
}

// IsGuardian reports whether actor has any guardian binding in the set.
func IsGuardian(actor string, guardians []*Guardian) bool {
	return Decide(actor, guardians) == DecisionAllow
}

// IsOwner reports whether actor is bound with the OWNER role.
func IsOwner(actor string, guardians []*Guardian) bool {
	for _, g := range guardians {
		if g.Identity == actor && g.Role == RoleOwner {
			return true
		}
	}
	return false
}
