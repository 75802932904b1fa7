package sync

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
	"github.com/rs/zerolog"
)

// capture streams mono 16-bit PCM from the configured USB microphone
// source for one sync cycle, replacing ultrasonic_sync.py's arecord
// subprocess with rbright-sotto/pulse.go's Capture pattern (chunked
// recording into an in-memory buffer, stop-and-flush on cancellation).
type capture struct {
	client *pulse.Client
	stream *pulse.RecordStream

	mu      sync.Mutex
	pcm     []byte
	stopped bool
}

// startCapture begins recording from micSource ("" selects the default
// source) at sampleRate mono 16-bit.
func startCapture(ctx context.Context, micSource string, log zerolog.Logger) (*capture, error) {
	client, err := pulse.NewClient(pulse.ClientApplicationName("syncsonicd"))
	if err != nil {
		return nil, fmt.Errorf("sync: connect pulse for capture: %w", err)
	}

	var source *pulse.Source
	if micSource != "" {
		source, err = client.SourceByID(micSource)
	} else {
		source, err = client.DefaultSource()
	}
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("sync: resolve mic source: %w", err)
	}

	c := &capture{client: client}
	writer := pulse.NewWriter(writerFunc(c.onPCM), pulseproto.FormatInt16LE)
	stream, err := client.NewRecord(
		writer,
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(sampleRate),
		pulse.RecordMediaName("syncsonic ultrasonic capture"),
	)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("sync: create record stream: %w", err)
	}
	c.stream = stream
	stream.Start()

	go func() {
		<-ctx.Done()
		c.stop()
	}()

	log.Debug().Str("source", source.ID()).Msg("mic capture started")
	return c, nil
}

func (c *capture) onPCM(buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return 0, io.EOF
	}
	c.pcm = append(c.pcm, buf...)
	return len(buf), nil
}

func (c *capture) stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	if c.stream != nil {
		c.stream.Stop()
		c.stream.Close()
	}
	if c.client != nil {
		c.client.Close()
	}
}

// pcm16 returns the captured samples as a slice of signed 16-bit values.
func (c *capture) pcm16() []int16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.pcm) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(uint16(c.pcm[2*i]) | uint16(c.pcm[2*i+1])<<8)
	}
	return out
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) { return f(b) }
