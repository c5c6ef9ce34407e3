package testutils

import (
	"testing"

	"github.com/srg/blecentral/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfileBuilder_FluentAPI(t *testing.T) {
	b := NewProfileBuilder().
		WithService("180F").
		WithCharacteristic("2A19", "read,notify", 80).
		WithDescriptor("2902", 0, 0).
		WithService("0000180A-0000-1000-8000-00805F9B34FB").
		WithCharacteristic("2A29", "read")

	NewJSONAsserter(t).AssertValue(b.Build(), `{
		"services": [
			{"uuid": "180f", "characteristics": [
				{"uuid": "2a19", "properties": ["read", "notify"], "descriptors": ["2902"]}
			]},
			{"uuid": "180a", "characteristics": [
				{"uuid": "2a29", "properties": ["read"]}
			]}
		]
	}`)

	values := b.Values()
	assert.Equal(t, []byte{80}, values[device.AttributeRef{Service: "180f", Characteristic: "2a19"}])
	assert.Equal(t, []byte{0, 0}, values[device.AttributeRef{Service: "180f", Characteristic: "2a19", Descriptor: "2902"}])
	_, ok := values[device.AttributeRef{Service: "180a", Characteristic: "2a29"}]
	assert.False(t, ok, "characteristics without a value MUST have no entry")
}

func TestProfileBuilder_PanicsOutOfOrder(t *testing.T) {
	assert.Panics(t, func() { NewProfileBuilder().WithCharacteristic("2A19", "read") })
	assert.Panics(t, func() { NewProfileBuilder().WithService("180F").WithDescriptor("2902") })
	assert.Panics(t, func() { NewProfileBuilder().FromJSON(`{"services": [`) })
}

func TestProfileBuilder_FromJSONFormatsArguments(t *testing.T) {
	p := NewProfileBuilder().FromJSON(`{"services": [{"uuid": "%s"}]}`, "180D").Build()
	require.Len(t, p.Services, 1)
	assert.Equal(t, "180d", p.Services[0].UUID)
}

func TestHeartRateProfile(t *testing.T) {
	p := HeartRateProfile().Build()
	require.Len(t, p.Services, 2)

	hr := p.Services[0]
	assert.Equal(t, "180d", hr.UUID)
	require.Len(t, hr.Characteristics, 2)
	assert.True(t, hr.Characteristics[0].Properties.CanNotify())
	assert.Equal(t, []string{"2901"}, hr.Characteristics[1].Descriptors)

	uart := p.Services[1]
	assert.Equal(t, "6e400001b5a3f393e0a9e50e24dcca9e", uart.UUID)
	assert.True(t, uart.Characteristics[0].Properties.Has(device.PropWrite|device.PropWriteWithoutResponse))
}

func TestSightingBuilder(t *testing.T) {
	s := NewSightingBuilder().
		WithAddress("AA:BB:CC:DD:EE:FF").
		WithName("Sensor").
		WithServices("180D").
		WithServiceData("0000180D-0000-1000-8000-00805F9B34FB", []byte{1}).
		WithTxPower(4).
		Build()

	assert.Equal(t, device.PeripheralID("AA:BB:CC:DD:EE:FF"), s.ID)
	assert.Equal(t, -50, s.RSSI)
	assert.True(t, s.Advertisement.Connectable)
	assert.Equal(t, []string{"180d"}, s.Advertisement.ServiceUUIDs)
	assert.Equal(t, []byte{1}, s.Advertisement.ServiceData["180d"])
	require.NotNil(t, s.Advertisement.TxPower)
	assert.Equal(t, 4, *s.Advertisement.TxPower)

	fromJSON := NewSightingBuilder().FromJSON(`{"address": "%s", "rssi": -70, "services": ["180F"]}`, "11:22:33:44:55:66").Build()
	assert.Equal(t, device.PeripheralID("11:22:33:44:55:66"), fromJSON.ID)
	assert.Equal(t, -70, fromJSON.RSSI)
	assert.True(t, fromJSON.Advertisement.HasService("180f"))
}
