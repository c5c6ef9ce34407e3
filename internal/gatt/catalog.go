// Package gatt holds the enumerated Service -> Characteristic -> Descriptor
// hierarchy of a connected peripheral, kept in enumeration order.
package gatt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/srg/blecentral/internal/bledb"
	"github.com/srg/blecentral/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Service is a snapshot of an enumerated service.
type Service struct {
	UUID            string           `json:"uuid"`
	Name            string           `json:"name,omitempty"`
	Characteristics []Characteristic `json:"characteristics"`
}

// Characteristic is a snapshot of an enumerated characteristic.
type Characteristic struct {
	UUID        string          `json:"uuid"`
	ServiceUUID string          `json:"-"`
	Name        string          `json:"name,omitempty"`
	Properties  device.Property `json:"properties"`
	Descriptors []Descriptor    `json:"descriptors"`
}

// Descriptor is a snapshot of an enumerated descriptor. Value stays nil until
// read; Error holds the last read failure.
type Descriptor struct {
	UUID               string `json:"uuid"`
	ServiceUUID        string `json:"-"`
	CharacteristicUUID string `json:"-"`
	Name               string `json:"name,omitempty"`
	Value              []byte `json:"value,omitempty"`
	Error              string `json:"error,omitempty"`
}

type serviceEntry struct {
	uuid            string
	characteristics *orderedmap.OrderedMap[string, *charEntry]
}

type charEntry struct {
	uuid        string
	service     string
	properties  device.Property
	descriptors *orderedmap.OrderedMap[string, *descEntry]
}

type descEntry struct {
	uuid    string
	value   []byte
	readErr error
}

// Catalog is the enumerated GATT hierarchy of one connection. It is safe for
// concurrent use; every accessor returns copies.
type Catalog struct {
	mu       sync.RWMutex
	services *orderedmap.OrderedMap[string, *serviceEntry]
}

// ErrInvalidProfile is wrapped by Build when the enumeration result is malformed.
var ErrInvalidProfile = errors.New("invalid GATT profile")

// Build creates a catalog from a native enumeration result. The whole tree is
// validated first; nothing is returned unless every UUID is present and unique
// among its siblings.
func Build(p *device.Profile) (*Catalog, error) {
	if p == nil {
		return nil, invalid("empty enumeration result")
	}

	services := orderedmap.New[string, *serviceEntry]()
	for i, s := range p.Services {
		svcUUID := device.NormalizeUUID(s.UUID)
		if svcUUID == "" {
			return nil, invalid("service %d has no UUID", i)
		}
		if _, dup := services.Get(svcUUID); dup {
			return nil, invalid("duplicate service %s", svcUUID)
		}

		svc := &serviceEntry{uuid: svcUUID, characteristics: orderedmap.New[string, *charEntry]()}
		for j, c := range s.Characteristics {
			charUUID := device.NormalizeUUID(c.UUID)
			if charUUID == "" {
				return nil, invalid("characteristic %d of service %s has no UUID", j, svcUUID)
			}
			if _, dup := svc.characteristics.Get(charUUID); dup {
				return nil, invalid("duplicate characteristic %s in service %s", charUUID, svcUUID)
			}

			char := &charEntry{
				uuid:        charUUID,
				service:     svcUUID,
				properties:  c.Properties,
				descriptors: orderedmap.New[string, *descEntry](),
			}
			for _, d := range c.Descriptors {
				descUUID := device.NormalizeUUID(d)
				if descUUID == "" {
					return nil, invalid("descriptor of characteristic %s has no UUID", charUUID)
				}
				if _, dup := char.descriptors.Get(descUUID); dup {
					return nil, invalid("duplicate descriptor %s in characteristic %s", descUUID, charUUID)
				}
				char.descriptors.Set(descUUID, &descEntry{uuid: descUUID})
			}
			svc.characteristics.Set(charUUID, char)
		}
		services.Set(svcUUID, svc)
	}

	return &Catalog{services: services}, nil
}

func invalid(format string, args ...any) error {
	return &device.NativeError{
		Op:   "enumerate",
		Code: "invalid_profile",
		Err:  fmt.Errorf("%w: %s", ErrInvalidProfile, fmt.Sprintf(format, args...)),
	}
}

// Len returns the number of services.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.services.Len()
}

// CharacteristicCount returns the number of characteristics across all services.
func (c *Catalog) CharacteristicCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for pair := c.services.Oldest(); pair != nil; pair = pair.Next() {
		n += pair.Value.characteristics.Len()
	}
	return n
}

// Services returns all services in enumeration order.
func (c *Catalog) Services() []Service {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Service, 0, c.services.Len())
	for pair := c.services.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value.view())
	}
	return out
}

// Service looks up a service by UUID in any notation.
func (c *Catalog) Service(uuid string) (Service, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	svc, err := c.service(device.NormalizeUUID(uuid))
	if err != nil {
		return Service{}, err
	}
	return svc.view(), nil
}

// Characteristic looks up a characteristic by service and characteristic UUID.
func (c *Catalog) Characteristic(service, uuid string) (Characteristic, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	char, err := c.characteristic(device.NormalizeUUID(service), device.NormalizeUUID(uuid))
	if err != nil {
		return Characteristic{}, err
	}
	return char.view(), nil
}

// Descriptor looks up a descriptor by its full path.
func (c *Catalog) Descriptor(service, characteristic, uuid string) (Descriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, char, err := c.descriptor(device.NormalizeUUID(service), device.NormalizeUUID(characteristic), device.NormalizeUUID(uuid))
	if err != nil {
		return Descriptor{}, err
	}
	return d.view(char), nil
}

// Descriptors returns every descriptor in enumeration order.
func (c *Catalog) Descriptors() []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Descriptor
	for s := c.services.Oldest(); s != nil; s = s.Next() {
		for ch := s.Value.characteristics.Oldest(); ch != nil; ch = ch.Next() {
			for d := ch.Value.descriptors.Oldest(); d != nil; d = d.Next() {
				out = append(out, d.Value.view(ch.Value))
			}
		}
	}
	return out
}

// SetDescriptorValue records a descriptor value and clears its read error.
func (c *Catalog) SetDescriptorValue(service, characteristic, uuid string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, _, err := c.descriptor(device.NormalizeUUID(service), device.NormalizeUUID(characteristic), device.NormalizeUUID(uuid))
	if err != nil {
		return err
	}
	d.value = append([]byte{}, value...)
	d.readErr = nil
	return nil
}

// SetDescriptorError records a descriptor read failure.
func (c *Catalog) SetDescriptorError(service, characteristic, uuid string, readErr error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, _, err := c.descriptor(device.NormalizeUUID(service), device.NormalizeUUID(characteristic), device.NormalizeUUID(uuid))
	if err != nil {
		return err
	}
	d.readErr = readErr
	return nil
}

// Snapshot returns a deep copy that later mutations do not affect.
func (c *Catalog) Snapshot() *Catalog {
	c.mu.RLock()
	defer c.mu.RUnlock()

	services := orderedmap.New[string, *serviceEntry]()
	for s := c.services.Oldest(); s != nil; s = s.Next() {
		svc := &serviceEntry{uuid: s.Value.uuid, characteristics: orderedmap.New[string, *charEntry]()}
		for ch := s.Value.characteristics.Oldest(); ch != nil; ch = ch.Next() {
			char := &charEntry{
				uuid:        ch.Value.uuid,
				service:     ch.Value.service,
				properties:  ch.Value.properties,
				descriptors: orderedmap.New[string, *descEntry](),
			}
			for d := ch.Value.descriptors.Oldest(); d != nil; d = d.Next() {
				dc := *d.Value
				if d.Value.value != nil {
					dc.value = append([]byte{}, d.Value.value...)
				}
				char.descriptors.Set(d.Key, &dc)
			}
			svc.characteristics.Set(ch.Key, char)
		}
		services.Set(s.Key, svc)
	}
	return &Catalog{services: services}
}

// Profile converts the catalog back to an enumeration result.
func (c *Catalog) Profile() *device.Profile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p := &device.Profile{}
	for s := c.services.Oldest(); s != nil; s = s.Next() {
		ps := device.ProfileService{UUID: s.Key}
		for ch := s.Value.characteristics.Oldest(); ch != nil; ch = ch.Next() {
			pc := device.ProfileCharacteristic{UUID: ch.Key, Properties: ch.Value.properties}
			for d := ch.Value.descriptors.Oldest(); d != nil; d = d.Next() {
				pc.Descriptors = append(pc.Descriptors, d.Key)
			}
			ps.Characteristics = append(ps.Characteristics, pc)
		}
		p.Services = append(p.Services, ps)
	}
	return p
}

// MarshalJSON renders the catalog as an ordered list of services.
func (c *Catalog) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Services())
}

func (c *Catalog) service(uuid string) (*serviceEntry, error) {
	svc, ok := c.services.Get(uuid)
	if !ok {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{uuid}}
	}
	return svc, nil
}

func (c *Catalog) characteristic(service, uuid string) (*charEntry, error) {
	svc, err := c.service(service)
	if err != nil {
		return nil, err
	}
	char, ok := svc.characteristics.Get(uuid)
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, uuid}}
	}
	return char, nil
}

func (c *Catalog) descriptor(service, characteristic, uuid string) (*descEntry, *charEntry, error) {
	char, err := c.characteristic(service, characteristic)
	if err != nil {
		return nil, nil, err
	}
	d, ok := char.descriptors.Get(uuid)
	if !ok {
		return nil, nil, &device.NotFoundError{Resource: "descriptor", UUIDs: []string{service, characteristic, uuid}}
	}
	return d, char, nil
}

func (s *serviceEntry) view() Service {
	out := Service{
		UUID:            s.uuid,
		Name:            bledb.LookupService(s.uuid),
		Characteristics: make([]Characteristic, 0, s.characteristics.Len()),
	}
	for ch := s.characteristics.Oldest(); ch != nil; ch = ch.Next() {
		out.Characteristics = append(out.Characteristics, ch.Value.view())
	}
	return out
}

func (ch *charEntry) view() Characteristic {
	out := Characteristic{
		UUID:        ch.uuid,
		ServiceUUID: ch.service,
		Name:        bledb.LookupCharacteristic(ch.uuid),
		Properties:  ch.properties,
		Descriptors: make([]Descriptor, 0, ch.descriptors.Len()),
	}
	for d := ch.descriptors.Oldest(); d != nil; d = d.Next() {
		out.Descriptors = append(out.Descriptors, d.Value.view(ch))
	}
	return out
}

func (d *descEntry) view(ch *charEntry) Descriptor {
	out := Descriptor{
		UUID:               d.uuid,
		ServiceUUID:        ch.service,
		CharacteristicUUID: ch.uuid,
		Name:               bledb.LookupDescriptor(d.uuid),
	}
	if d.value != nil {
		out.Value = append([]byte{}, d.value...)
	}
	if d.readErr != nil {
		out.Error = d.readErr.Error()
	}
	return out
}
