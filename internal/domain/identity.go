package domain

// IdentityKind distinguishes locally generated identities from server-assigned ones.
type IdentityKind uint8

const (
	Provisional IdentityKind = iota + 1
	Confirmed
)

// Identity is the identity of a message: either Provisional(localID) while a send
// is in flight, or Confirmed(serverID) once the remote store acknowledged it.
type Identity struct {
	Kind  IdentityKind
	Value string
}

func ProvisionalID(localID string) Identity {
	return Identity{Kind: Provisional, Value: localID}
}

func ConfirmedID(serverID string) Identity {
	return Identity{Kind: Confirmed, Value: serverID}
}

func (id Identity) IsZero() bool {
	return id.Value == ""
}

func (id Identity) IsProvisional() bool {
	return id.Kind == Provisional
}

func (id Identity) IsConfirmed() bool {
	return id.Kind == Confirmed
}

// Valid reports whether the identity has a known kind and a non-empty value.
func (id Identity) Valid() bool {
	return (id.Kind == Provisional || id.Kind == Confirmed) && id.Value != ""
}

// Key is a map key that keeps provisional and confirmed namespaces apart.
func (id Identity) Key() string {
	if id.Kind == Provisional {
		return "p:" + id.Value
	}
	return "c:" + id.Value
}

func (id Identity) String() string {
	switch id.Kind {
	case Provisional:
		return "provisional(" + id.Value + ")"
	case Confirmed:
		return id.Value
	}
	return "invalid(" + id.Value + ")"
}
