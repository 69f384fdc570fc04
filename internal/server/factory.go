package server

import (
	"context"

	"github.com/lanlantech/lanlan/internal/config"
	"github.com/lanlantech/lanlan/internal/realtime"
	"github.com/lanlantech/lanlan/internal/vision"
)

// NewSessionFactory builds the production factory: sessions dial the
// configured upstream over WebSocket, and non-native-image providers get a
// vision describer for screen frames.
func NewSessionFactory(cfg *config.Config) (SessionFactory, error) {
	dialer := realtime.WebSocketDialer{}

	var describer realtime.Describer
	if !cfg.Upstream.Provider.NativeImages() && cfg.Vision.APIKey != "" {
		var visionOpts []vision.Option
		if cfg.Vision.BaseURL != "" {
			visionOpts = append(visionOpts, vision.WithBaseURL(cfg.Vision.BaseURL))
		}
		if cfg.Vision.Model != "" {
			visionOpts = append(visionOpts, vision.WithModel(cfg.Vision.Model))
		}
		client, err := vision.New(cfg.Vision.APIKey, visionOpts...)
		if err != nil {
			return nil, err
		}
		describer = client
	}

	return func(ctx context.Context, char config.CharacterConfig, mode config.InputMode, sink realtime.Sink) (RealtimeSession, error) {
		params := realtime.Params{
			Provider:            cfg.Upstream.Provider,
			APIKey:              cfg.Upstream.APIKey,
			BaseURL:             cfg.Upstream.BaseURL,
			Model:               cfg.Upstream.Model,
			Voice:               char.VoiceID,
			Instructions:        char.Prompt,
			ImageMinInterval:    cfg.Upstream.ImageMinInterval,
			SendWindow:          cfg.Upstream.SendWindow,
			ThrottleWindow:      cfg.Upstream.ThrottleWindow,
			RepetitionThreshold: cfg.Upstream.RepetitionThreshold,
			AudioWorkers:        cfg.Audio.Workers,
			GateThreshold:       cfg.Audio.GateThreshold,
		}
		if char.Model != "" {
			params.Model = char.Model
		}
		// Idle sessions only cost money on some providers; only those get
		// the silence watchdog. Text sessions are idle by nature.
		if cfg.Upstream.SilenceWatchdog() && mode == config.InputAudio {
			params.SilenceTimeout = cfg.Upstream.SilenceTimeout
		}

		var opts []realtime.Option
		if describer != nil {
			opts = append(opts, realtime.WithDescriber(describer))
		}
		return realtime.Connect(ctx, dialer, params, sink, opts...)
	}, nil
}
