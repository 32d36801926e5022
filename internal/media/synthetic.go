package media

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/mossy-p/skillswap-signaling/internal/logger"
)

const (
	audioFrame = 20 * time.Millisecond
	videoFrame = 33 * time.Millisecond
)

// Opus TOC byte for a silent 20ms frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticSource stands in for camera and microphone capture on headless
// participants. Each track is fed by a pump goroutine that stops with the
// track.
type SyntheticSource struct {
	// Pump disables sample generation when false; tracks are still created.
	Pump bool
}

var _ Source = SyntheticSource{}

func (s SyntheticSource) Acquire(ctx context.Context, c Constraints) (*LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: no kinds requested", ErrNoDevice)
	}

	streamID := "skillswap-" + uuid.NewString()
	var tracks []*LocalTrack

	if c.Audio {
		raw, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", streamID)
		if err != nil {
			return nil, fmt.Errorf("create audio track: %w", err)
		}
		tracks = append(tracks, NewLocalTrack(KindAudio, raw))
	}
	if c.Video {
		raw, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID)
		if err != nil {
			return nil, fmt.Errorf("create video track: %w", err)
		}
		tracks = append(tracks, NewLocalTrack(KindVideo, raw))
	}

	if s.Pump {
		for _, t := range tracks {
			go pump(t)
		}
	}
	return NewLocalStream(streamID, tracks...), nil
}

// pump writes placeholder samples until the track ends. The video payload is
// not a decodable frame; it only keeps RTP flowing so the peer surfaces the
// track.
func pump(t *LocalTrack) {
	interval, sample := audioFrame, opusSilence
	if t.Kind() == KindVideo {
		interval, sample = videoFrame, make([]byte, 64)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := t.WriteSample(pionmedia.Sample{Data: sample, Duration: interval}); err != nil {
				logger.Debug("synthetic %s track %s: %v", t.Kind(), t.ID(), err)
				return
			}
		case <-t.Done():
			return
		}
	}
}
