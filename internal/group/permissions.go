package group

// Resolve decides whether the membership may perform the action. A set
// override wins over the role default in both directions. A nil membership
// means the user is not in the group and is always denied.
func Resolve(m *Membership, a Action) bool {
	if m == nil {
		if !a.Valid() {
			panic("group: unknown action " + string(a))
		}
		return false
	}
	if v := m.Overrides.For(a); v != nil {
		return *v
	}
	return DefaultAllows(m.Role, a)
}

// Effective resolves every action for the membership.
func Effective(m *Membership) map[Action]bool {
	out := make(map[Action]bool, len(Actions))
	for _, a := range Actions {
		out[a] = Resolve(m, a)
	}
	return out
}
