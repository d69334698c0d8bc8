// Command huddle-bot joins a room as a headless participant. It publishes a
// test tone as its microphone and logs what happens in the room.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adityaadpandey/huddle/internals/audiograph"
	"github.com/adityaadpandey/huddle/internals/client"
	"github.com/adityaadpandey/huddle/internals/utils"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	var (
		url         = flag.String("url", "ws://localhost:3000/ws", "signaling endpoint")
		roomID      = flag.String("room", "", "room to join")
		name        = flag.String("name", "huddle-bot", "display name")
		tone        = flag.Float64("tone", 0.2, "amplitude of the 440 Hz microphone tone, 0 for silence")
		suppression = flag.String("suppression", "none", "noise suppression: none, denoise, speex or noisegate")
		muted       = flag.Bool("muted", false, "join muted")
		screen      = flag.Bool("screen", false, "publish a screen share")
		duration    = flag.Duration("duration", 0, "leave after this long, 0 to stay until interrupted")
		logLevel    = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	if err := utils.InitLogger(*logLevel, "console"); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger := utils.Named("bot")
	defer logger.Sync()

	if *roomID == "" {
		logger.Fatal("--room is required")
	}
	mode, err := audiograph.ParseMode(*suppression)
	if err != nil {
		logger.Fatal("Invalid suppression mode", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	conn, err := client.Dial(ctx, *url, client.DefaultDialConfig(), logger.Named("conn"))
	if err != nil {
		logger.Fatal("Failed to connect", zap.Error(err))
	}
	defer conn.Close()

	device, err := client.NewNullDevice()
	if err != nil {
		logger.Fatal("Failed to create device", zap.Error(err))
	}
	device.ToneAmplitude = *tone

	fatal := make(chan error, 1)
	cfg := client.DefaultConfig()
	cfg.Suppression = mode
	call := client.NewCall(conn, device, cfg, client.Handlers{
		OnPeerJoined: func(p client.RemotePeer) {
			logger.Info("Peer joined", zap.String("peerID", p.ID), zap.String("name", p.Name))
		},
		OnPeerLeft: func(peerID string) {
			logger.Info("Peer left", zap.String("peerID", peerID))
		},
		OnPeerUpdated: func(p client.RemotePeer) {
			logger.Info("Peer updated",
				zap.String("peerID", p.ID),
				zap.Bool("muted", p.Muted),
				zap.Bool("audioEnabled", p.AudioEnabled),
				zap.Bool("speaking", p.Speaking),
			)
		},
		OnRemoteVideo: func(peerID, mediaType string, c client.LocalConsumer) {
			logger.Info("Receiving video", zap.String("peerID", peerID), zap.String("mediaType", mediaType))
		},
		OnRemoteVideoClosed: func(peerID, mediaType, consumerID string) {
			logger.Info("Video closed", zap.String("peerID", peerID), zap.String("mediaType", mediaType))
		},
		OnLocalSpeaking: func(speaking bool) {
			logger.Debug("Local speaking", zap.Bool("speaking", speaking))
		},
		OnFatal: func(err error) {
			select {
			case fatal <- err:
			default:
			}
		},
	}, logger)
	defer call.Close()

	if err := call.SetMuted(*muted); err != nil {
		logger.Fatal("Failed to set mute", zap.Error(err))
	}
	if err := call.Join(ctx, *roomID, *name); err != nil {
		logger.Fatal("Failed to join", zap.Error(err))
	}
	if *screen {
		if _, err := call.StartScreenShare(ctx, client.NewVideoTrack()); err != nil {
			logger.Error("Failed to share screen", zap.Error(err))
		}
	}

	select {
	case <-ctx.Done():
	case <-conn.Done():
		logger.Warn("Signaling connection lost", zap.Error(conn.Err()))
	case err := <-fatal:
		logger.Error("Call failed", zap.Error(err))
	}

	leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := call.Leave(leaveCtx); err != nil && !errors.Is(err, client.ErrConnClosed) {
		logger.Warn("Leave failed", zap.Error(err))
	}
}
