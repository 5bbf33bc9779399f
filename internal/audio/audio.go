package audio

import "context"

// Kind classifies a device returned by a platform query
type Kind int

const (
	KindOther Kind = iota
	KindAudioInput
)

func (k Kind) String() string {
	if k == KindAudioInput {
		return "audio-input"
	}
	return "other"
}

// Device is an immutable snapshot of a platform device
type Device struct {
	ID    string
	Label string
	Kind  Kind
}

// Selector picks the capture device: the system default or one specific id.
// The zero value selects the default device.
type Selector struct {
	id string
}

// Default selects the system default input device
func Default() Selector {
	return Selector{}
}

// Specific selects the device with the given id. An empty id is Default.
func Specific(id string) Selector {
	return Selector{id: id}
}

// IsDefault reports whether the selector follows the system default
func (s Selector) IsDefault() bool {
	return s.id == ""
}

// ID returns the selected device id, or "" for Default
func (s Selector) ID() string {
	return s.id
}

func (s Selector) String() string {
	if s.IsDefault() {
		return "default"
	}
	return s.id
}

// ChunkFunc receives hardware-sized chunks of mono samples. It runs on the
// platform's real-time callback context and must not block.
type ChunkFunc func(samples []float32)

// Stream is a live capture stream opened on one device
type Stream interface {
	DeviceID() string
	SampleRate() int
	// Connect routes captured chunks to fn until Disconnect is called.
	Connect(fn ChunkFunc) error
	// Disconnect stops routing chunks. After it returns fn is not called again.
	Disconnect()
	// Close releases the underlying device. Safe to call more than once.
	Close() error
}

// Platform is the host capture subsystem
type Platform interface {
	// Devices lists every device the platform knows about, of any kind.
	Devices(ctx context.Context) ([]Device, error)
	// Open opens a capture stream on deviceID, or on the default input when
	// deviceID is empty. It may block, e.g. on a permission prompt.
	Open(ctx context.Context, deviceID string) (Stream, error)
	// Changes returns a channel that receives a value whenever the device set
	// changes, and a function that releases it.
	Changes() (<-chan struct{}, func())
	Close() error
}
