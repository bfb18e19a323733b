package protocol

// AccessControl holds the current owner and master identities. Components
// receive a copy (or a pointer shared at setup) instead of relying on
// implicit global state; every mutating entry point checks against it
// explicitly.
type AccessControl struct {
	Owner  string
	Master string
}

// IsOwner reports whether caller is the configured owner.
func (a AccessControl) IsOwner(caller string) bool {
	return caller != "" && caller == a.Owner
}

// CanOperate reports whether caller may drive capital operations
// (owner or master).
func (a AccessControl) CanOperate(caller string) bool {
	return a.IsOwner(caller) || (caller != "" && caller == a.Master)
}
