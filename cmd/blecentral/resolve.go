package main

import (
	"fmt"
	"strings"

	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/gatt"
)

// target is a resolved characteristic, or descriptor when descriptor is set.
type target struct {
	service        string
	characteristic string
	descriptor     string
	properties     device.Property
}

func (t target) String() string {
	if t.descriptor != "" {
		return t.service + "/" + t.characteristic + "/" + t.descriptor
	}
	return t.service + "/" + t.characteristic
}

// resolveTarget finds the characteristic or descriptor named by targetUUID
// and the optional --service/--char/--desc flags.
//
// Resolution cases:
//  1. Explicit service: direct lookup of the characteristic (and descriptor)
//  2. Auto-resolve: search every service; ambiguous matches are errors
func resolveTarget(catalog *gatt.Catalog, targetUUID, serviceUUID, charUUID, descUUID string) (target, error) {
	normalizedTarget := device.NormalizeUUID(targetUUID)
	isDescriptor := descUUID != ""

	// Case 1: Explicit service provided
	if serviceUUID != "" {
		charToFind := charUUID
		if charToFind == "" {
			charToFind = targetUUID
		}
		ch, err := catalog.Characteristic(serviceUUID, charToFind)
		if err != nil {
			return target{}, err
		}
		t := target{service: ch.ServiceUUID, characteristic: ch.UUID, properties: ch.Properties}
		if isDescriptor {
			d, err := catalog.Descriptor(serviceUUID, ch.UUID, descUUID)
			if err != nil {
				return target{}, err
			}
			t.descriptor = d.UUID
		}
		return t, nil
	}

	// Case 2: Auto-resolve by searching all services
	var found []target
	for _, svc := range catalog.Services() {
		for _, ch := range svc.Characteristics {
			if isDescriptor {
				if charUUID != "" && ch.UUID != device.NormalizeUUID(charUUID) {
					continue
				}
				for _, d := range ch.Descriptors {
					if d.UUID == device.NormalizeUUID(descUUID) {
						found = append(found, target{service: svc.UUID, characteristic: ch.UUID, descriptor: d.UUID, properties: ch.Properties})
					}
				}
				continue
			}
			if ch.UUID == normalizedTarget {
				found = append(found, target{service: svc.UUID, characteristic: ch.UUID, properties: ch.Properties})
			}
		}
	}

	kind, hint := "characteristic", "specify --service"
	lookup := normalizedTarget
	if isDescriptor {
		kind, hint = "descriptor", "specify --service and --char"
		lookup = device.NormalizeUUID(descUUID)
	}
	switch len(found) {
	case 0:
		return target{}, &device.NotFoundError{Resource: kind, UUIDs: []string{lookup}}
	case 1:
		return found[0], nil
	default:
		return target{}, fmt.Errorf("%s %s found in %d places, %s", kind, lookup, len(found), hint)
	}
}

// resolveCharacteristics resolves a comma-separated UUID list. An empty list
// with a service selects every characteristic of that service.
func resolveCharacteristics(catalog *gatt.Catalog, charUUIDsCSV, serviceUUID string) ([]target, error) {
	charUUIDs := parseCSVUUIDs(charUUIDsCSV)

	if len(charUUIDs) == 0 {
		if serviceUUID == "" {
			return nil, fmt.Errorf("no UUIDs provided")
		}
		svc, err := catalog.Service(serviceUUID)
		if err != nil {
			return nil, err
		}
		if len(svc.Characteristics) == 0 {
			return nil, fmt.Errorf("no characteristics found in service %s", svc.UUID)
		}
		targets := make([]target, 0, len(svc.Characteristics))
		for _, ch := range svc.Characteristics {
			targets = append(targets, target{service: svc.UUID, characteristic: ch.UUID, properties: ch.Properties})
		}
		return targets, nil
	}

	targets := make([]target, 0, len(charUUIDs))
	for _, u := range charUUIDs {
		t, err := resolveTarget(catalog, u, serviceUUID, "", "")
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// parseCSVUUIDs parses a comma-separated string of UUIDs into a slice.
// Handles whitespace and filters empty elements.
//
// Examples:
//
//	"2a37" -> []string{"2a37"}
//	"2a37, 2a38, 2a19" -> []string{"2a37", "2a38", "2a19"}
func parseCSVUUIDs(input string) []string {
	var result []string
	for _, u := range strings.Split(input, ",") {
		u = strings.TrimSpace(u)
		if u != "" {
			result = append(result, u)
		}
	}
	return result
}
