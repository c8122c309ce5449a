package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"pickcreator-backend/internal/audio"
	"pickcreator-backend/internal/call"
	"pickcreator-backend/internal/media"
	"pickcreator-backend/internal/rtc"
	"pickcreator-backend/internal/signaling"
	"pickcreator-backend/pkg/config"
	"pickcreator-backend/pkg/logger"
)

const usage = `commands:
  call <user_id>   place a call in the configured conversation
  accept           answer the ringing call
  reject           decline the ringing call
  end              hang up
  mute             toggle the microphone
  reconnect        rebind remote audio to the output
  resume           allow audio playback (stands in for a user gesture)
  status           print the session
  quit             exit`

func main() {
	// 1. Configuration and logging
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   "text",
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		logger.InitDefault()
	}
	defer logger.Sync()
	log := logger.Named("call-client")

	if cfg.Signaling.Token == "" || cfg.Signaling.UserID == "" || cfg.Signaling.ConversationID == "" {
		log.Fatal("SIGNALING_TOKEN, SIGNALING_USER_ID and SIGNALING_CONVERSATION_ID are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Relay connection shared by every conversation
	mux := signaling.NewMux(log)
	client := signaling.NewClient(signaling.ClientConfig{
		URL:               cfg.Signaling.URL,
		Token:             cfg.Signaling.Token,
		ReconnectAttempts: cfg.Signaling.ReconnectAttempts,
		ReconnectMaxDelay: cfg.Signaling.ReconnectMaxDelay,
	}, mux, log)
	adapter := signaling.NewAdapter(client, cfg.Signaling.ConversationID, cfg.Signaling.UserID, log)

	// 3. Media: file-backed microphone and Ogg playback that starts locked
	builder, err := rtc.NewPionBuilder(cfg.Call.ICEServers)
	if err != nil {
		log.Fatal("Failed to build WebRTC engine", zap.Error(err))
	}
	capture := media.NewCapture(&media.FileDevices{Path: cfg.Call.CaptureFile, Log: log}, log)

	output := audio.NewOggOutput(cfg.Call.OutputFile, true, log)
	defer output.Close()
	gestures := &audio.GestureBus{}
	reconnector := audio.NewReconnector(output, gestures, nil, audio.DefaultConfig(), log)

	// 4. Session manager
	callCfg := call.DefaultConfig()
	callCfg.HeartbeatInterval = cfg.Call.HeartbeatInterval
	callCfg.LivenessTimeout = cfg.Call.LivenessTimeout
	callCfg.ICEWarmup = cfg.Call.ICEWarmup
	callCfg.EndedGrace = cfg.Call.EndedGrace

	manager := call.NewManager(callCfg, call.Deps{
		Signaling: adapter,
		Factory:   rtc.NewFactory(builder, log),
		Capture:   capture,
		Audio:     reconnector,
		Observer: call.ObserverFuncs{
			OnSessionChanged: func(s call.Session) {
				fmt.Printf("[%s] remote=%s muted=%t duration=%s\n",
					s.Status, s.RemotePartyID, s.IsMuted, s.Duration())
			},
			OnMediaAccessFailed: func(err *media.AccessError) {
				fmt.Printf("microphone unavailable: %s\n", err.Message())
			},
		},
		Logger: log,
	})
	defer manager.Close()
	mux.Register(cfg.Signaling.ConversationID, manager)

	go func() {
		err := client.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Signaling client stopped", zap.Error(err))
		}
		stop()
	}()

	log.Info("Call client ready",
		zap.String("user_id", cfg.Signaling.UserID),
		zap.String("conversation_id", cfg.Signaling.ConversationID),
		zap.String("relay", cfg.Signaling.URL))
	fmt.Println(usage)

	// 5. Command loop
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !dispatch(manager, output, gestures, strings.Fields(line)) {
				return
			}
		}
	}
}

// dispatch runs one command. It returns false when the client should exit.
func dispatch(m *call.Manager, output *audio.OggOutput, gestures *audio.GestureBus, args []string) bool {
	if len(args) == 0 {
		return true
	}
	switch args[0] {
	case "call":
		if len(args) != 2 {
			fmt.Println("usage: call <user_id>")
			return true
		}
		go m.StartCall(args[1])
	case "accept":
		go m.AcceptCall()
	case "reject":
		m.RejectCall()
	case "end":
		m.EndCall()
	case "mute":
		m.ToggleMute()
	case "reconnect":
		m.ReconnectAudio()
	case "resume":
		output.Unlock()
		fmt.Printf("playback resumed (%d pending)\n", gestures.Fire())
	case "status":
		s := m.Snapshot()
		fmt.Printf("[%s] remote=%s muted=%t duration=%s packets=%d\n",
			s.Status, s.RemotePartyID, s.IsMuted, s.Duration(), output.Packets())
	case "quit", "exit":
		return false
	default:
		fmt.Println(usage)
	}
	return true
}
