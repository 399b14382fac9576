package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/moderation"
)

type striker interface {
	Strike(ctx context.Context, name, reason string) (int, time.Duration, error)
}

type recorder interface {
	Create(ctx context.Context, f moderation.Flagged, text string) error
}

type publisher interface {
	PublishFlagged(v interface{}) error
	PublishMute(m moderation.Mute) error
}

// auditor re-checks relayed messages with the full filter. Each finding is
// published, recorded for review when a database is configured, and counted
// as a strike against the author when Redis is configured.
type auditor struct {
	filter  *moderation.Filter
	pub     publisher
	reports recorder // nil disables flag storage
	strikes striker  // nil disables mutes
	log     zerolog.Logger
}

// review handles one relayed message and returns the mute issued, if any.
func (a *auditor) review(ctx context.Context, ev chat.MessageEvent) (moderation.Mute, bool) {
	flag, ok := a.filter.Review(ev)
	if !ok {
		a.log.Debug().Str("msg", ev.ID).Msg("clean")
		return moderation.Mute{}, false
	}

	metrics.FlaggedTotal.WithLabelValues(flag.Reason).Inc()
	a.log.Warn().
		Str("msg", ev.ID).
		Str("sender", ev.SenderID).
		Str("author", ev.Author).
		Str("reason", flag.Reason).
		Str("term", flag.Term).
		Msg("flagged")

	if err := a.pub.PublishFlagged(flag); err != nil {
		a.log.Error().Err(err).Str("msg", ev.ID).Msg("publish flag failed")
	}

	if a.reports != nil {
		if err := a.reports.Create(ctx, flag, ev.Text); err != nil {
			a.log.Error().Err(err).Str("msg", ev.ID).Msg("store flag failed")
		}
	}

	if a.strikes == nil {
		return moderation.Mute{}, false
	}
	count, d, err := a.strikes.Strike(ctx, ev.Author, flag.Reason)
	if err != nil {
		a.log.Error().Err(err).Str("author", ev.Author).Msg("record strike failed")
		return moderation.Mute{}, false
	}
	if d <= 0 {
		return moderation.Mute{}, false
	}

	mute := moderation.Mute{
		SocketID: ev.SenderID,
		Author:   ev.Author,
		Reason:   flag.Reason,
		Strikes:  count,
		Duration: d,
	}
	if err := a.pub.PublishMute(mute); err != nil {
		a.log.Error().Err(err).Str("author", ev.Author).Msg("publish mute failed")
	}
	a.log.Info().Str("author", ev.Author).Int("strikes", count).Dur("for", d).Msg("muted")
	return mute, true
}
