package device

import (
	"fmt"

	"github.com/srg/blecentral/internal/bledb"
)

// NormalizeUUID returns the catalog key of a UUID: lower case without dashes,
// with Bluetooth SIG base UUIDs reduced to their 16-bit alias.
func NormalizeUUID(uuid string) string {
	return bledb.NormalizeUUID(uuid)
}

// NormalizeUUIDs normalizes every UUID of a list.
func NormalizeUUIDs(uuids []string) []string {
	return bledb.NormalizeUUIDs(uuids)
}

// ShortUUID is the display form of a UUID: the 16-bit alias of SIG UUIDs,
// the first 32 bits of vendor ones.
func ShortUUID(uuid string) string {
	key := NormalizeUUID(uuid)
	if len(key) > 8 {
		return key[:8]
	}
	return key
}

// ValidateUUID checks user supplied UUIDs and returns their catalog keys in
// input order. Repeated UUIDs are reported once.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	seen := make(map[string]bool, len(uuids))
	result := make([]string, 0, len(uuids))
	for i, uuid := range uuids {
		switch {
		case uuid == "":
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		case !bledb.IsValidUUID(uuid):
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, uuid)
		}
		key := NormalizeUUID(uuid)
		if !seen[key] {
			seen[key] = true
			result = append(result, key)
		}
	}
	return result, nil
}
