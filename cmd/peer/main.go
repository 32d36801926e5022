// Headless SkillSwap participant.
//
// It joins a session room through the signaling server (or straight through
// Redis), sends synthetic audio and video, and reports the negotiation status
// until interrupted. Without -room it prompts interactively.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"

	"github.com/mossy-p/skillswap-signaling/config"
	"github.com/mossy-p/skillswap-signaling/internal/logger"
	"github.com/mossy-p/skillswap-signaling/internal/media"
	"github.com/mossy-p/skillswap-signaling/internal/negotiation"
	"github.com/mossy-p/skillswap-signaling/internal/peer"
	"github.com/mossy-p/skillswap-signaling/internal/redis"
	"github.com/mossy-p/skillswap-signaling/internal/relay"
)

const statsInterval = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	relayKind := flag.String("relay", "ws", "Relay to join through: ws or redis")
	serverURL := flag.String("url", "ws://localhost:"+cfg.Port, "Signaling server URL (ws relay only)")
	room := flag.String("room", "", "Session room id or code")
	token := flag.String("token", "", "Room token issued by POST /api/rooms/:roomId/token")
	participant := flag.String("participant", "", "Participant id (random when empty)")
	grace := flag.Duration("grace", cfg.Negotiation.GracePeriod, "How long to wait for an offer before offering")
	audio := flag.Bool("audio", true, "Send synthetic audio")
	video := flag.Bool("video", true, "Send synthetic video")
	loopback := flag.Bool("loopback", false, "Gather loopback candidates (both peers on one host)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		logger.EnableDebug()
	} else {
		logger.SetLevel(cfg.LogLevel)
	}

	if *room == "" {
		*room = askRoom()
	}

	rl, cleanup, err := dialRelay(*relayKind, *serverURL, *token, cfg.Redis)
	if err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
	defer cleanup()

	api, err := peer.NewAPI(peer.Options{Loopback: *loopback})
	if err != nil {
		logger.Error("failed to set up WebRTC: %v", err)
		os.Exit(1)
	}

	ctrl, err := negotiation.New(negotiation.Config{
		Room:          *room,
		ParticipantID: *participant,
		GracePeriod:   *grace,
		Constraints:   media.Constraints{Audio: *audio, Video: *video},
	}, rl, media.SyntheticSource{Pump: true}, peer.NewFactory(api, cfg.Negotiation.ICEServers))
	if err != nil {
		logger.Error("invalid session: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := ctrl.Close(); err != nil {
			logger.Warn("close: %v", err)
		}
	}()

	pterm.Info.Printfln("Joining room %s as %s", *room, ctrl.ID())

	if err := ctrl.Start(ctx); err != nil {
		logger.Error("failed to start session: %v", err)
		return
	}
	if v := ctrl.View(); v.RelayErr != nil {
		logger.Error("could not reach the room: %v", v.RelayErr)
		return
	}

	status, err := ctrl.WaitFor(ctx, negotiation.StateConnected, negotiation.StateFailed)
	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		logger.Error("%v", err)
		return
	case status == negotiation.StateFailed:
		logger.Error("session failed: %v", ctrl.Err())
		return
	}

	v := ctrl.View()
	pterm.Success.Printfln("Connected to %s", v.Peer)
	if v.MediaErr != nil {
		logger.Warn("sending nothing: %v", v.MediaErr)
	}

	report(ctx, ctrl)
}

// report prints inbound media counters until ctx ends or the session fails.
func report(ctx context.Context, ctrl *negotiation.Controller) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctrl.Status().Terminal() {
				logger.Error("session ended: %v", ctrl.Err())
				return
			}
			var parts []string
			for _, t := range ctrl.RemoteStream().Tracks() {
				if rt, ok := t.(*peer.RemoteTrack); ok {
					parts = append(parts, pterm.Sprintf("%s=%d pkts", rt.Kind(), rt.Packets()))
				}
			}
			logger.Info("%s | remote: %s", ctrl.Status(), strings.Join(parts, ", "))
		}
	}
}

// dialRelay builds the relay client for kind and a cleanup releasing it.
func dialRelay(kind, serverURL, token string, rc config.RedisConfig) (relay.Relay, func(), error) {
	switch kind {
	case "ws":
		ws, err := relay.NewWebSocket(serverURL, token)
		if err != nil {
			return nil, nil, err
		}
		return ws, func() {}, nil
	case "redis":
		if err := redis.Connect(rc); err != nil {
			return nil, nil, err
		}
		r := relay.NewRedis(redis.GetClient())
		return r, func() {
			r.Close()
			redis.Close()
		}, nil
	default:
		return nil, nil, errors.New("invalid -relay: must be 'ws' or 'redis'")
	}
}

// askRoom prompts until a room id or code is entered.
func askRoom() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Session room id or code").
			Show()

		if room := strings.TrimSpace(raw); room != "" {
			pterm.Println()
			return room
		}

		logger.Warn("room must not be empty")
		pterm.Println()
	}
}
