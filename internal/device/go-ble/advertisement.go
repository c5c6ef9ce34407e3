package goble

import (
	"strings"
	"unicode"

	"github.com/go-ble/ble"
	"github.com/srg/blecentral/internal/device"
)

// txPowerUnavailable is the value go-ble reports when the advertisement
// carries no TX power level.
const txPowerUnavailable = 127

// advertisement is the subset of ble.Advertisement used to build sightings.
type advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	ServiceData() []ble.ServiceData
	Services() []ble.UUID
	TxPowerLevel() int
	Connectable() bool
	RSSI() int
	Addr() ble.Addr
}

// newSighting converts a go-ble advertisement into a discovery report.
func newSighting(adv advertisement) device.Sighting {
	a := device.Advertisement{
		LocalName:        adv.LocalName(),
		ManufacturerData: append([]byte(nil), adv.ManufacturerData()...),
		Connectable:      adv.Connectable(),
	}
	if len(a.ManufacturerData) == 0 {
		a.ManufacturerData = nil
	}

	for _, u := range adv.Services() {
		a.ServiceUUIDs = append(a.ServiceUUIDs, device.NormalizeUUID(u.String()))
	}

	if sd := adv.ServiceData(); len(sd) > 0 {
		a.ServiceData = make(map[string][]byte, len(sd))
		for _, d := range sd {
			a.ServiceData[device.NormalizeUUID(d.UUID.String())] = append([]byte(nil), d.Data...)
		}
	}

	if tx := adv.TxPowerLevel(); tx != txPowerUnavailable {
		a.TxPower = &tx
	}

	// Try to extract name from manufacturer data if no local name
	if a.LocalName == "" {
		a.LocalName = nameFromManufacturerData(a.ManufacturerData)
	}

	var id device.PeripheralID
	if addr := adv.Addr(); addr != nil {
		id = device.PeripheralID(addr.String())
	}

	return device.Sighting{
		ID:            id,
		RSSI:          adv.RSSI(),
		Advertisement: a,
	}
}

// nameFromManufacturerData looks for a readable ASCII run that looks like a
// device name. Many devices embed their name as text in manufacturer data.
func nameFromManufacturerData(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	for i := 0; i < len(data)-3; i++ {
		if !isReadableASCII(data[i]) {
			continue
		}
		var nameBytes []byte
		for j := i; j < len(data) && j < i+32; j++ {
			if !isReadableASCII(data[j]) {
				break
			}
			nameBytes = append(nameBytes, data[j])
		}
		if name := strings.TrimSpace(string(nameBytes)); isValidDeviceName(name) {
			return name
		}
	}
	return ""
}

func isReadableASCII(b byte) bool {
	return b >= 32 && b <= 126 && unicode.IsPrint(rune(b))
}

// isValidDeviceName checks if a string looks like a valid device name
func isValidDeviceName(name string) bool {
	if len(name) < 3 || len(name) > 32 {
		return false
	}
	for _, r := range name {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
