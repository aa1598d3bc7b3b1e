package device

import (
	"fmt"
	"strings"
)

// Identity is the stable key for one physical camera or DVR/NVR: network
// address, port and vendor tag. It is a value type and is never mutated, so
// it can be used directly as a map key.
type Identity struct {
	Address string
	Port    uint16
	Vendor  string
}

func (id Identity) String() string {
	return fmt.Sprintf("%s://%s:%d", id.Vendor, id.Address, id.Port)
}

// IsZero reports whether the identity is empty.
func (id Identity) IsZero() bool {
	return id.Address == "" && id.Port == 0 && id.Vendor == ""
}

// Credential is the username/secret pair for one device. The secret must
// never end up in logs or journal rows; String and GoString make sure the
// default formatting verbs cannot leak it.
type Credential struct {
	Username string
	Secret   string
}

func (c Credential) String() string {
	return c.Username + ":<redacted>"
}

func (c Credential) GoString() string {
	return c.String()
}

// Normalize lowercases the vendor tag and trims whitespace so identities
// built from config and identities built from API paths compare equal.
func Normalize(id Identity) Identity {
	id.Address = strings.TrimSpace(id.Address)
	id.Vendor = strings.ToLower(strings.TrimSpace(id.Vendor))
	return id
}
