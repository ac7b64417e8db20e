package pipeline

import (
	"log/slog"

	"github.com/amillerrr/clipflow/internal/auth"
	"github.com/amillerrr/clipflow/internal/config"
	"github.com/amillerrr/clipflow/internal/transcoder"
)

// NewFFmpegUploader wires an Uploader with the ffmpeg prober and transcoder
// and the request session as the authenticator.
func NewFFmpegUploader(cfg *config.Config, store ObjectStore, repo Repository, log *slog.Logger) *Uploader {
	runner := transcoder.CommandRunner{}
	tc := transcoder.New(transcoder.Config{
		Runner:                runner,
		FFmpegPath:            cfg.Pipeline.FFmpegPath,
		SegmentDuration:       cfg.Pipeline.SegmentDuration,
		SingleQualityFactor:   cfg.Pipeline.SingleQualityFactor,
		SingleQualityConstant: cfg.Pipeline.SingleQualityConstant,
		Logger:                log,
	})

	return NewUploader(Deps{
		Auth:    auth.SessionAuthenticator{},
		Prober:  transcoder.NewProber(runner, cfg.Pipeline.FFprobePath),
		Encoder: tc,
		Store:   store,
		Repo:    repo,
		Config:  ConfigFromSettings(cfg.Pipeline),
		Logger:  log,
	})
}
