package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/blecentral/internal/device"
)

// SightingBuilder builds device.Sighting values for discovery tests.
type SightingBuilder struct {
	sighting device.Sighting
}

// NewSightingBuilder starts a connectable sighting at -50 dBm.
func NewSightingBuilder() *SightingBuilder {
	return &SightingBuilder{
		sighting: device.Sighting{
			RSSI:          -50,
			Advertisement: device.Advertisement{Connectable: true},
		},
	}
}

func (b *SightingBuilder) WithAddress(addr string) *SightingBuilder {
	b.sighting.ID = device.PeripheralID(addr)
	return b
}

func (b *SightingBuilder) WithName(name string) *SightingBuilder {
	b.sighting.Advertisement.LocalName = name
	return b
}

func (b *SightingBuilder) WithRSSI(rssi int) *SightingBuilder {
	b.sighting.RSSI = rssi
	return b
}

// WithServices sets the advertised service UUIDs, normalized.
func (b *SightingBuilder) WithServices(uuids ...string) *SightingBuilder {
	b.sighting.Advertisement.ServiceUUIDs = device.NormalizeUUIDs(uuids)
	return b
}

func (b *SightingBuilder) WithManufacturerData(data []byte) *SightingBuilder {
	b.sighting.Advertisement.ManufacturerData = data
	return b
}

func (b *SightingBuilder) WithServiceData(uuid string, data []byte) *SightingBuilder {
	if b.sighting.Advertisement.ServiceData == nil {
		b.sighting.Advertisement.ServiceData = make(map[string][]byte)
	}
	b.sighting.Advertisement.ServiceData[device.NormalizeUUID(uuid)] = data
	return b
}

func (b *SightingBuilder) WithTxPower(power int) *SightingBuilder {
	b.sighting.Advertisement.TxPower = &power
	return b
}

func (b *SightingBuilder) WithConnectable(c bool) *SightingBuilder {
	b.sighting.Advertisement.Connectable = c
	return b
}

// FromJSON fills the sighting from a JSON document such as
//
//	{"address": "AA:BB", "name": "HRM", "rssi": -40, "services": ["180d"]}
func (b *SightingBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *SightingBuilder {
	var doc struct {
		Address          string            `json:"address"`
		Name             string            `json:"name"`
		RSSI             *int              `json:"rssi"`
		Services         []string          `json:"services"`
		ManufacturerData []byte            `json:"manufacturer_data"`
		ServiceData      map[string][]byte `json:"service_data"`
		TxPower          *int              `json:"tx_power"`
		Connectable      *bool             `json:"connectable"`
	}
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &doc); err != nil {
		panic(fmt.Sprintf("SightingBuilder.FromJSON: failed to unmarshal: %v", err))
	}

	b.WithAddress(doc.Address).WithName(doc.Name)
	if doc.RSSI != nil {
		b.WithRSSI(*doc.RSSI)
	}
	if len(doc.Services) > 0 {
		b.WithServices(doc.Services...)
	}
	if doc.ManufacturerData != nil {
		b.WithManufacturerData(doc.ManufacturerData)
	}
	for u, d := range doc.ServiceData {
		b.WithServiceData(u, d)
	}
	if doc.TxPower != nil {
		b.WithTxPower(*doc.TxPower)
	}
	if doc.Connectable != nil {
		b.WithConnectable(*doc.Connectable)
	}
	return b
}

// Build returns a copy of the configured sighting.
func (b *SightingBuilder) Build() device.Sighting {
	s := b.sighting
	s.Advertisement = s.Advertisement.Clone()
	return s
}
