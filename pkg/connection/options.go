package connection

import (
	"time"

	"github.com/mcuadros/go-defaults"
)

// Options tunes per-connection timeouts and write pacing. Zero fields take
// the defaults below, except WritePacing where zero turns pacing off.
type Options struct {
	ConnectTimeout    time.Duration `default:"30s" yaml:"connect_timeout"`
	EnumerateTimeout  time.Duration `default:"20s" yaml:"enumerate_timeout"`
	AttributeTimeout  time.Duration `default:"5s" yaml:"attribute_timeout"`
	DisconnectTimeout time.Duration `default:"5s" yaml:"disconnect_timeout"`

	// MaxWriteChunk is the payload size of one ATT write until an MTU exchange
	// succeeds; afterwards MTU-3 is used.
	MaxWriteChunk int `default:"20" yaml:"max_write_chunk"`
	// WritePacing separates consecutive write-without-response chunks.
	// DefaultOptions sets it; NewManager keeps whatever the caller passed.
	WritePacing time.Duration `default:"10ms" yaml:"write_pacing"`

	// StreamBuffer is the default capacity of a notification Stream.
	StreamBuffer int `default:"256" yaml:"stream_buffer"`
}

// DefaultOptions returns Options with every default applied.
func DefaultOptions() Options {
	var o Options
	defaults.SetDefaults(&o)
	return o
}

// withDefaults fills the zero timeouts and sizes. WritePacing is left alone
// so an explicit zero survives.
func (o Options) withDefaults() Options {
	pacing := o.WritePacing
	defaults.SetDefaults(&o)
	o.WritePacing = pacing
	return o
}
