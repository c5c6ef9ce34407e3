package device

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// PeripheralID is the opaque, stable identifier of a remote peripheral
// (platform address or UUID string).
type PeripheralID string

func (id PeripheralID) String() string {
	return string(id)
}

// UnnamedPeripheral is assigned to peripherals that advertise no local name.
const UnnamedPeripheral = "NO NAME"

// ConnectionState is the state of the per-peripheral connection state machine.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	DiscoveringServices
	Ready
	Disconnecting
)

var connectionStateNames = map[ConnectionState]string{
	Disconnected:        "disconnected",
	Connecting:          "connecting",
	Connected:           "connected",
	DiscoveringServices: "discovering_services",
	Ready:               "ready",
	Disconnecting:       "disconnecting",
}

func (s ConnectionState) String() string {
	if name, ok := connectionStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText renders the state by name in JSON and YAML output.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// RadioState is the state of the host radio as reported by the native stack.
type RadioState int

const (
	RadioUnknown RadioState = iota
	RadioOff
	RadioOn
	RadioUnauthorized
	RadioUnsupported
)

var radioStateNames = map[RadioState]string{
	RadioUnknown:      "unknown",
	RadioOff:          "off",
	RadioOn:           "on",
	RadioUnauthorized: "unauthorized",
	RadioUnsupported:  "unsupported",
}

func (s RadioState) String() string {
	if name, ok := radioStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText renders the state by name in JSON and YAML output.
func (s RadioState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Advertisement is the advertising payload of a single sighting.
type Advertisement struct {
	LocalName        string            `json:"local_name,omitempty"`
	TxPower          *int              `json:"tx_power,omitempty"`
	ServiceUUIDs     []string          `json:"service_uuids,omitempty"`
	ManufacturerData []byte            `json:"manufacturer_data,omitempty"`
	ServiceData      map[string][]byte `json:"service_data,omitempty"`
	Connectable      bool              `json:"connectable"`
}

// Clone returns a deep copy of the advertisement.
func (a Advertisement) Clone() Advertisement {
	c := a
	if a.TxPower != nil {
		tx := *a.TxPower
		c.TxPower = &tx
	}
	if a.ServiceUUIDs != nil {
		c.ServiceUUIDs = append([]string(nil), a.ServiceUUIDs...)
	}
	if a.ManufacturerData != nil {
		c.ManufacturerData = append([]byte(nil), a.ManufacturerData...)
	}
	if a.ServiceData != nil {
		c.ServiceData = make(map[string][]byte, len(a.ServiceData))
		for k, v := range a.ServiceData {
			c.ServiceData[k] = append([]byte(nil), v...)
		}
	}
	return c
}

// HasService reports whether the advertisement lists the given service UUID.
// The UUID is normalized before comparison.
func (a Advertisement) HasService(u string) bool {
	n := NormalizeUUID(u)
	for _, s := range a.ServiceUUIDs {
		if NormalizeUUID(s) == n {
			return true
		}
	}
	return false
}

// Sighting is one discovery report from the native stack.
type Sighting struct {
	ID            PeripheralID
	RSSI          int
	Advertisement Advertisement
}

// Peripheral is an immutable snapshot of a discovered or connected device.
// Holders of a Peripheral never observe later mutations.
type Peripheral struct {
	ID            PeripheralID    `json:"id"`
	Name          string          `json:"name"`
	RSSI          int             `json:"rssi"`
	Advertisement Advertisement   `json:"advertising"`
	State         ConnectionState `json:"state"`
	LastSeen      time.Time       `json:"last_seen"`
}

// NewPeripheral builds a snapshot from a sighting, substituting
// UnnamedPeripheral for an absent name.
func NewPeripheral(s Sighting, seen time.Time) Peripheral {
	name := s.Advertisement.LocalName
	if name == "" {
		name = UnnamedPeripheral
	}
	return Peripheral{
		ID:            s.ID,
		Name:          name,
		RSSI:          s.RSSI,
		Advertisement: s.Advertisement.Clone(),
		LastSeen:      seen,
	}
}

// Clone returns a deep copy of the peripheral.
func (p Peripheral) Clone() Peripheral {
	c := p
	c.Advertisement = p.Advertisement.Clone()
	return c
}

// SortPeripherals orders peripherals by descending RSSI, then by ID.
func SortPeripherals(ps []Peripheral) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].RSSI != ps[j].RSSI {
			return ps[i].RSSI > ps[j].RSSI
		}
		return ps[i].ID < ps[j].ID
	})
}

// Property is a characteristic property bit as defined by the GATT
// characteristic declaration.
type Property uint8

const (
	PropBroadcast Property = 1 << iota
	PropRead
	PropWriteWithoutResponse
	PropWrite
	PropNotify
	PropIndicate
	PropSignedWrite
	PropExtended
)

var propertyNames = []struct {
	p    Property
	name string
}{
	{PropBroadcast, "broadcast"},
	{PropRead, "read"},
	{PropWriteWithoutResponse, "write-without-response"},
	{PropWrite, "write"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
	{PropSignedWrite, "signed-write"},
	{PropExtended, "extended"},
}

// Has reports whether all bits of p are set.
func (p Property) Has(flag Property) bool {
	return p&flag == flag
}

// CanNotify reports whether the characteristic supports notify or indicate.
func (p Property) CanNotify() bool {
	return p&(PropNotify|PropIndicate) != 0
}

// Names returns the property names in declaration bit order.
func (p Property) Names() []string {
	var names []string
	for _, pn := range propertyNames {
		if p&pn.p != 0 {
			names = append(names, pn.name)
		}
	}
	return names
}

// ParseProperties parses a comma separated list such as "read,notify".
// Unknown names are ignored.
func ParseProperties(s string) Property {
	var p Property
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		for _, pn := range propertyNames {
			if pn.name == part {
				p |= pn.p
			}
		}
	}
	return p
}

// MarshalJSON renders properties as a list of names.
func (p Property) MarshalJSON() ([]byte, error) {
	names := p.Names()
	if names == nil {
		names = []string{}
	}
	return json.Marshal(names)
}

// UnmarshalJSON accepts a list of names, a comma separated string or the raw bit mask.
func (p *Property) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err == nil {
		*p = ParseProperties(strings.Join(names, ","))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*p = ParseProperties(s)
		return nil
	}
	var bits uint8
	if err := json.Unmarshal(data, &bits); err != nil {
		return fmt.Errorf("invalid characteristic properties %s: %w", data, err)
	}
	*p = Property(bits)
	return nil
}
