package device

import (
	"context"
	"time"
)

// ScanRequest carries the parameters of one native discovery pass.
type ScanRequest struct {
	ServiceUUIDs    []string
	Duration        time.Duration // 0 scans until StopScan
	AllowDuplicates bool
	Parameters      map[string]string // platform scan parameters (scan mode, match mode, ...)
}

// AttributeRef addresses a characteristic, or one of its descriptors when
// Descriptor is set. UUIDs are normalized.
type AttributeRef struct {
	Peripheral     PeripheralID
	Service        string
	Characteristic string
	Descriptor     string
}

// IsDescriptor reports whether the reference targets a descriptor.
func (r AttributeRef) IsDescriptor() bool {
	return r.Descriptor != ""
}

func (r AttributeRef) String() string {
	s := string(r.Peripheral) + "/" + r.Service + "/" + r.Characteristic
	if r.Descriptor != "" {
		s += "/" + r.Descriptor
	}
	return s
}

// Profile is the raw enumeration result returned by the native stack in one
// batch: the whole Service -> Characteristic -> Descriptor tree.
type Profile struct {
	Services []ProfileService `json:"services"`
}

// ProfileService is a service in a native enumeration result.
type ProfileService struct {
	UUID            string                  `json:"uuid"`
	Characteristics []ProfileCharacteristic `json:"characteristics,omitempty"`
}

// ProfileCharacteristic is a characteristic in a native enumeration result.
type ProfileCharacteristic struct {
	UUID        string   `json:"uuid"`
	Properties  Property `json:"properties"`
	Descriptors []string `json:"descriptors,omitempty"`
}

// Capability names an optional native primitive.
type Capability string

const (
	CapRequestMTU   Capability = "request_mtu"
	CapEnableRadio  Capability = "enable_radio"
	CapRefreshCache Capability = "refresh_cache"

	// CapServiceFilter means Scan only reports advertisements listing one of
	// the requested services.
	CapServiceFilter Capability = "service_filter"
)

// CapabilitySet is the set of optional primitives a native stack supports.
type CapabilitySet map[Capability]bool

// Has reports whether the capability is present.
func (c CapabilitySet) Has(capability Capability) bool {
	return c[capability]
}

// Native is the primitive radio/driver stack the session manager drives.
// Every method may fail; implementations report asynchronous hardware events
// on the Events channel, in hardware order.
type Native interface {
	Start(ctx context.Context) error
	RadioState() RadioState

	Scan(ctx context.Context, req ScanRequest) error
	StopScan() error

	Connect(ctx context.Context, id PeripheralID) error
	Disconnect(ctx context.Context, id PeripheralID) error
	Enumerate(ctx context.Context, id PeripheralID) (*Profile, error)
	ReadRSSI(ctx context.Context, id PeripheralID) (int, error)
	ReadAttribute(ctx context.Context, ref AttributeRef) ([]byte, error)
	WriteAttribute(ctx context.Context, ref AttributeRef, data []byte, acknowledged bool) error
	SetNotify(ctx context.Context, id PeripheralID, service, characteristic string, enabled bool) error

	Events() <-chan Event
	Capabilities() CapabilitySet
}

// MTUNegotiator is implemented by stacks that can exchange the ATT MTU.
type MTUNegotiator interface {
	RequestMTU(ctx context.Context, id PeripheralID, mtu int) (int, error)
}

// RadioEnabler is implemented by stacks that can power the radio on.
type RadioEnabler interface {
	EnableRadio(ctx context.Context) error
}

// CacheRefresher is implemented by stacks that keep their own GATT cache.
type CacheRefresher interface {
	RefreshCache(ctx context.Context, id PeripheralID) error
}

// PermissionGate is the platform permission collaborator. The session manager
// only queries it; prompting is the caller's decision.
type PermissionGate interface {
	HasRequiredPermissions() bool
	RequestPermissions() bool
}

// GrantedPermissions is a PermissionGate for platforms without runtime
// permissions.
type GrantedPermissions struct{}

func (GrantedPermissions) HasRequiredPermissions() bool { return true }
func (GrantedPermissions) RequestPermissions() bool     { return true }

// EventKind classifies native and session events.
type EventKind string

const (
	EventDiscover             EventKind = "discover"
	EventScanStopped          EventKind = "scan_stopped"
	EventConnect              EventKind = "connect"
	EventDisconnect           EventKind = "disconnect"
	EventConnectFailed        EventKind = "connect_failed"
	EventUnexpectedDisconnect EventKind = "unexpected_disconnect"
	EventConnectionState      EventKind = "connection_state"
	EventRadioState           EventKind = "radio_state"
	EventNotification         EventKind = "notification"
)

// Event is the envelope carried by the native event channel and the EventBus.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind       EventKind    `json:"kind"`
	Time       time.Time    `json:"time"`
	Peripheral PeripheralID `json:"peripheral,omitempty"`

	Sighting     *Sighting         `json:"sighting,omitempty"`
	Discovered   *Peripheral       `json:"discovered,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	Err          error             `json:"-"`
	Radio        RadioState        `json:"radio,omitempty"`
	State        ConnectionState   `json:"state,omitempty"`
	Notification *NotificationData `json:"notification,omitempty"`
}

// NotificationData is a characteristic value update. Seq is monotonic per
// connection so consumers can detect gaps.
type NotificationData struct {
	Service        string `json:"service"`
	Characteristic string `json:"characteristic"`
	Data           []byte `json:"data"`
	Seq            uint64 `json:"seq"`
	Flags          uint32 `json:"flags,omitempty"`
}

// Notification flags.
const (
	FlagDropped uint32 = 1 << iota
)
