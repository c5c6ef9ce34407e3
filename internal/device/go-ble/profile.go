package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/blecentral/internal/device"
)

var propertyFlags = []struct {
	ble ble.Property
	dev device.Property
}{
	{ble.CharBroadcast, device.PropBroadcast},
	{ble.CharRead, device.PropRead},
	{ble.CharWriteNR, device.PropWriteWithoutResponse},
	{ble.CharWrite, device.PropWrite},
	{ble.CharNotify, device.PropNotify},
	{ble.CharIndicate, device.PropIndicate},
	{ble.CharSignedWrite, device.PropSignedWrite},
	{ble.CharExtended, device.PropExtended},
}

// newProperties converts go-ble characteristic property flags.
func newProperties(p ble.Property) device.Property {
	var props device.Property
	for _, f := range propertyFlags {
		if p&f.ble != 0 {
			props |= f.dev
		}
	}
	return props
}

// newProfile converts a discovered go-ble profile into the enumeration result
// handed to the session manager. UUIDs are normalized; order is kept.
func newProfile(p *ble.Profile) *device.Profile {
	out := &device.Profile{}
	if p == nil {
		return out
	}
	for _, s := range p.Services {
		svc := device.ProfileService{UUID: device.NormalizeUUID(s.UUID.String())}
		for _, c := range s.Characteristics {
			char := device.ProfileCharacteristic{
				UUID:       device.NormalizeUUID(c.UUID.String()),
				Properties: newProperties(c.Property),
			}
			for _, d := range c.Descriptors {
				char.Descriptors = append(char.Descriptors, device.NormalizeUUID(d.UUID.String()))
			}
			svc.Characteristics = append(svc.Characteristics, char)
		}
		out.Services = append(out.Services, svc)
	}
	return out
}

// findCharacteristic resolves a normalized service/characteristic pair in a
// discovered go-ble profile.
func findCharacteristic(p *ble.Profile, service, characteristic string) (*ble.Characteristic, error) {
	if p == nil {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
	}
	for _, s := range p.Services {
		if device.NormalizeUUID(s.UUID.String()) != service {
			continue
		}
		for _, c := range s.Characteristics {
			if device.NormalizeUUID(c.UUID.String()) == characteristic {
				return c, nil
			}
		}
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, characteristic}}
	}
	return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
}

// findDescriptor resolves a descriptor reference in a discovered go-ble profile.
func findDescriptor(p *ble.Profile, ref device.AttributeRef) (*ble.Descriptor, error) {
	c, err := findCharacteristic(p, ref.Service, ref.Characteristic)
	if err != nil {
		return nil, err
	}
	for _, d := range c.Descriptors {
		if device.NormalizeUUID(d.UUID.String()) == ref.Descriptor {
			return d, nil
		}
	}
	return nil, &device.NotFoundError{Resource: "descriptor", UUIDs: []string{ref.Service, ref.Characteristic, ref.Descriptor}}
}

// rebind finds the characteristic of next that has the service and UUID c had
// in prev.
func rebind(prev, next *ble.Profile, c *ble.Characteristic) *ble.Characteristic {
	if prev == nil || next == nil {
		return nil
	}
	for _, svc := range prev.Services {
		for _, pc := range svc.Characteristics {
			if pc != c {
				continue
			}
			found, err := findCharacteristic(next,
				device.NormalizeUUID(svc.UUID.String()), device.NormalizeUUID(c.UUID.String()))
			if err != nil {
				return nil
			}
			return found
		}
	}
	return nil
}
