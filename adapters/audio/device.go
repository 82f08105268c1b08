package audio

// DataCallback receives interleaved signed 16-bit little-endian PCM
type DataCallback func(data []byte)

// CaptureConfig describes the PCM format requested from a capture device
type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
}

// CaptureDevice is a running PCM source. The callback may be invoked from a device thread.
type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
}
