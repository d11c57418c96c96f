package audio

import (
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"

	apperrors "github.com/GriffinCanCode/vorify-live/internal/errors"
)

// PortAudioSource opens microphone streams through PortAudio. The host API is
// initialised per stream and terminated when the stream closes, so the device
// indicator goes dark as soon as a session is released.
type PortAudioSource struct{}

// NewPortAudioSource creates a PortAudio-backed capture source.
func NewPortAudioSource() *PortAudioSource { return &PortAudioSource{} }

// Open acquires the configured input device and starts streaming.
func (p *PortAudioSource) Open(c Constraints) (InputStream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.DeviceUnavailable, "audio host initialisation failed")
	}

	dev, err := pickDevice(c)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}

	if c.EchoCancellation {
		slog.Debug("echo cancellation requested; capture has no playback path to cancel", "device", dev.Name)
	}

	frames := c.FrameSamples()
	buf := make([]int16, frames)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(c.SampleRate),
		FramesPerBuffer: frames,
	}

	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, classifyOpenError(err, dev.Name)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, classifyOpenError(err, dev.Name)
	}

	slog.Info("started audio capture", "device", dev.Name, "sample_rate", c.SampleRate, "frames", frames)
	return &paStream{stream: stream, buf: buf, device: dev.Name}, nil
}

// classifyOpenError maps PortAudio failures onto the capture error taxonomy.
// Host errors are what OS-level permission denials surface as.
func classifyOpenError(err error, device string) error {
	var paErr portaudio.Error
	if errors.As(err, &paErr) && paErr == portaudio.UnanticipatedHostError {
		return apperrors.Wrap(err, apperrors.PermissionDenied, "microphone access denied").WithMetadata("device", device)
	}
	return apperrors.Wrap(err, apperrors.DeviceUnavailable, "microphone unavailable").WithMetadata("device", device)
}

func pickDevice(c Constraints) (*portaudio.DeviceInfo, error) {
	if c.DeviceName == "" {
		if dev, err := portaudio.DefaultInputDevice(); err == nil && dev != nil && !isExcluded(dev.Name, c.ExcludedDevices) {
			return dev, nil
		}
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.DeviceUnavailable, "cannot enumerate audio devices")
	}
	candidates := make([]deviceCandidate, 0, len(devices))
	for _, d := range devices {
		candidates = append(candidates, deviceCandidate{name: d.Name, inputs: d.MaxInputChannels})
	}

	idx := selectDevice(candidates, c.DeviceName, c.ExcludedDevices)
	if idx < 0 {
		if c.DeviceName != "" {
			return nil, apperrors.Newf(apperrors.DeviceUnavailable, "no input device matching %q", c.DeviceName)
		}
		return nil, apperrors.New(apperrors.DeviceUnavailable, "no audio input device found")
	}
	return devices[idx], nil
}

type deviceCandidate struct {
	name   string
	inputs int
}

// selectDevice returns the index of the best input device, or -1. A named
// device wins outright; otherwise built-in microphones are preferred over
// external and virtual ones.
func selectDevice(devs []deviceCandidate, want string, excluded []string) int {
	best := -1
	for i, d := range devs {
		if d.inputs < 1 || isExcluded(d.name, excluded) {
			continue
		}
		if want != "" {
			if containsFold(d.name, want) {
				return i
			}
			continue
		}
		if !isMicrophone(d.name) {
			continue
		}
		if best < 0 || preferDevice(d.name, devs[best].name) {
			best = i
		}
	}
	return best
}

func isMicrophone(name string) bool {
	for _, kw := range []string{"blackhole", "vb-cable", "loopback", "monitor", "soundflower"} {
		if containsFold(name, kw) {
			return false
		}
	}
	for _, kw := range []string{"microphone", "input", "mic", "built-in"} {
		if containsFold(name, kw) {
			return true
		}
	}
	return false
}

func isExcluded(name string, excluded []string) bool {
	for _, ex := range excluded {
		if containsFold(name, ex) {
			return true
		}
	}
	return false
}

func preferDevice(name, current string) bool {
	for _, p := range []string{"macbook", "built-in"} {
		if containsFold(name, p) && !containsFold(current, p) {
			return true
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

type paStream struct {
	stream    *portaudio.Stream
	buf       []int16
	device    string
	closeOnce sync.Once
	closeErr  error
}

func (s *paStream) Read() ([]int16, error) {
	if err := s.stream.Read(); err != nil {
		// Overflowed input still fills the buffer; the frame is usable.
		if !errors.Is(err, portaudio.InputOverflowed) {
			return nil, err
		}
		slog.Debug("audio input overflowed", "device", s.device)
	}
	return append([]int16(nil), s.buf...), nil
}

func (s *paStream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.stream.Stop()
		s.closeErr = s.stream.Close()
		_ = portaudio.Terminate()
	})
	return s.closeErr
}
