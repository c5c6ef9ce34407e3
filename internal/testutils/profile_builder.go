package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/blecentral/internal/device"
)

// DescriptorConfig is a descriptor of a mocked peripheral.
type DescriptorConfig struct {
	UUID  string `json:"uuid"`
	Value []int  `json:"value,omitempty"`
}

// CharacteristicConfig is a characteristic of a mocked peripheral.
type CharacteristicConfig struct {
	UUID        string             `json:"uuid"`
	Properties  string             `json:"properties,omitempty"` // e.g., "read,write,notify"
	Value       []int              `json:"value,omitempty"`
	Descriptors []DescriptorConfig `json:"descriptors,omitempty"`
}

// ServiceConfig is a service of a mocked peripheral.
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// ProfileConfig is the complete GATT profile of a mocked peripheral.
type ProfileConfig struct {
	Services []ServiceConfig `json:"services"`
}

// ProfileBuilder builds the enumeration result and initial attribute values
// that FakeNative serves for one peripheral.
type ProfileBuilder struct {
	config ProfileConfig
	rssi   int
}

func NewProfileBuilder() *ProfileBuilder {
	return &ProfileBuilder{rssi: -60}
}

// WithService adds a service to the profile
func (b *ProfileBuilder) WithService(uuid string) *ProfileBuilder {
	b.config.Services = append(b.config.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *ProfileBuilder) WithCharacteristic(uuid, properties string, value ...byte) *ProfileBuilder {
	if len(b.config.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	svc := &b.config.Services[len(b.config.Services)-1]
	svc.Characteristics = append(svc.Characteristics, CharacteristicConfig{
		UUID:       uuid,
		Properties: properties,
		Value:      toInts(value),
	})
	return b
}

// WithDescriptor adds a descriptor to the last added characteristic
func (b *ProfileBuilder) WithDescriptor(uuid string, value ...byte) *ProfileBuilder {
	if len(b.config.Services) == 0 {
		panic("WithDescriptor: no service added yet, call WithService first")
	}
	svc := &b.config.Services[len(b.config.Services)-1]
	if len(svc.Characteristics) == 0 {
		panic("WithDescriptor: no characteristic added yet, call WithCharacteristic first")
	}
	char := &svc.Characteristics[len(svc.Characteristics)-1]
	char.Descriptors = append(char.Descriptors, DescriptorConfig{UUID: uuid, Value: toInts(value)})
	return b
}

// WithRSSI sets the RSSI reported for a connected peripheral.
func (b *ProfileBuilder) WithRSSI(rssi int) *ProfileBuilder {
	b.rssi = rssi
	return b
}

// FromJSON replaces the profile with a JSON document such as
//
//	{"services": [{"uuid": "180F", "characteristics": [
//	    {"uuid": "2A19", "properties": "read,notify", "value": [50]}]}]}
func (b *ProfileBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *ProfileBuilder {
	var config ProfileConfig
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &config); err != nil {
		panic(fmt.Sprintf("ProfileBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	b.config = config
	return b
}

// Build returns the native enumeration result with normalized UUIDs.
func (b *ProfileBuilder) Build() *device.Profile {
	p := &device.Profile{}
	for _, s := range b.config.Services {
		ps := device.ProfileService{UUID: device.NormalizeUUID(s.UUID)}
		for _, c := range s.Characteristics {
			pc := device.ProfileCharacteristic{
				UUID:       device.NormalizeUUID(c.UUID),
				Properties: device.ParseProperties(c.Properties),
			}
			for _, d := range c.Descriptors {
				pc.Descriptors = append(pc.Descriptors, device.NormalizeUUID(d.UUID))
			}
			ps.Characteristics = append(ps.Characteristics, pc)
		}
		p.Services = append(p.Services, ps)
	}
	return p
}

// Values returns the initial attribute values keyed by attribute reference
// (Peripheral left empty).
func (b *ProfileBuilder) Values() map[device.AttributeRef][]byte {
	values := make(map[device.AttributeRef][]byte)
	for _, s := range b.config.Services {
		for _, c := range s.Characteristics {
			ref := device.AttributeRef{
				Service:        device.NormalizeUUID(s.UUID),
				Characteristic: device.NormalizeUUID(c.UUID),
			}
			if c.Value != nil {
				values[ref] = toBytes(c.Value)
			}
			for _, d := range c.Descriptors {
				dref := ref
				dref.Descriptor = device.NormalizeUUID(d.UUID)
				if d.Value != nil {
					values[dref] = toBytes(d.Value)
				}
			}
		}
	}
	return values
}

func toInts(data []byte) []int {
	if data == nil {
		return nil
	}
	out := make([]int, len(data))
	for i, v := range data {
		out[i] = int(v)
	}
	return out
}

func toBytes(values []int) []byte {
	out := make([]byte, len(values))
	for i, v := range values {
		out[i] = byte(v)
	}
	return out
}

// BatteryProfile is a Battery Service (180F) with a readable, notifying
// Battery Level (2A19) at 50% and its CCCD.
func BatteryProfile() *ProfileBuilder {
	return NewProfileBuilder().FromJSON(`
	{
		"services": [
			{
				"uuid": "180F",
				"characteristics": [
					{ "uuid": "2A19", "properties": "read,notify", "value": [50],
					  "descriptors": [ { "uuid": "2902", "value": [0, 0] } ] }
				]
			}
		]
	}`)
}

// HeartRateProfile is a Heart Rate service (180D) plus a Nordic UART service
// with a write-without-response RX characteristic.
func HeartRateProfile() *ProfileBuilder {
	return NewProfileBuilder().FromJSON(`
	{
		"services": [
			{
				"uuid": "180D",
				"characteristics": [
					{ "uuid": "2A37", "properties": "notify",
					  "descriptors": [ { "uuid": "2902", "value": [0, 0] } ] },
					{ "uuid": "2A38", "properties": "read", "value": [1],
					  "descriptors": [ { "uuid": "2901" } ] }
				]
			},
			{
				"uuid": "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
				"characteristics": [
					{ "uuid": "6e400002-b5a3-f393-e0a9-e50e24dcca9e", "properties": "write,write-without-response" },
					{ "uuid": "6e400003-b5a3-f393-e0a9-e50e24dcca9e", "properties": "notify" }
				]
			}
		]
	}`)
}
