// Command peer is a headless PeerMatch client: it queues, seeks a partner
// and holds one call with synthetic media before ending the room.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/PeerMatch/internal/adapters/media"
	"github.com/dkeye/PeerMatch/internal/adapters/rtc"
	"github.com/dkeye/PeerMatch/internal/app/match"
	"github.com/dkeye/PeerMatch/internal/call"
	"github.com/dkeye/PeerMatch/internal/client"
	"github.com/dkeye/PeerMatch/internal/config"
	"github.com/dkeye/PeerMatch/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("peer failed")
	}
	log.Info().Msg("peer done")
}

func run(ctx context.Context, cfg *config.Config) error {
	pc := cfg.Peer
	api, err := client.New(pc.Server)
	if err != nil {
		return err
	}
	me, err := api.Rename(ctx, pc.Name)
	if err != nil {
		return err
	}
	logger := log.With().Str("module", "peer").Str("user", string(me.ID)).Logger()

	notes, err := api.Signaler(ctx, "")
	if err != nil {
		return err
	}
	defer notes.Close()
	go func() {
		for n := range notes.Notifications() {
			logger.Info().Str("title", n.Title).Str("body", n.Body).Msg("notification")
		}
	}()

	details := domain.Details{Name: pc.Name, Role: pc.Role, Skills: pc.Skills, Company: pc.Company}
	prefs := domain.Preferences{Roles: pc.Roles, SkipPreviousMatches: pc.SkipPrevious}
	if _, err := api.Join(ctx, details, prefs); err != nil {
		return err
	}
	logger.Info().Str("role", pc.Role).Strs("wants", pc.Roles).Msg("joined queue")

	seeker := match.NewSeeker(api, match.SeekConfig{
		InitialDelay:       cfg.Match.InitialDelay,
		PollInterval:       cfg.Match.PollInterval,
		MaxConflictRetries: cfg.Match.MaxConflictRetries,
		ConflictBackoff:    cfg.Match.ConflictBackoff,
	})
	m, err := seeker.Seek(ctx, me.ID, prefs)
	if err != nil {
		leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if lerr := api.Leave(leaveCtx); lerr != nil {
			logger.Warn().Err(lerr).Msg("leave queue")
		}
		return err
	}
	logger = logger.With().Str("room", string(m.RoomID)).Str("partner", string(m.Partner)).Logger()
	logger.Info().Str("partner_name", m.PartnerDetails.Name).Bool("initiator", m.Initiator).Msg("matched")

	defer func() {
		endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := api.EndRoom(endCtx, m.RoomID); err != nil {
			logger.Warn().Err(err).Msg("end room")
		}
	}()

	sig, err := api.Signaler(ctx, m.RoomID)
	if err != nil {
		return err
	}
	defer sig.Close()

	sess, err := call.NewSession(ctx, call.Config{
		Room:               m.RoomID,
		Self:               me.ID,
		Peer:               m.Partner,
		Video:              pc.Video,
		Audio:              pc.Audio,
		EndedReset:         cfg.Call.EndedReset,
		NegotiationTimeout: cfg.Call.NegotiationTimeout,
	}, sig, media.NewDevices(), rtc.Factory(rtc.Configuration(cfg.WebRTC.ICEServers), pc.Name))
	if err != nil {
		return err
	}
	defer sess.Close()

	if m.Initiator {
		if err := sess.StartCall(ctx); err != nil {
			return err
		}
	} else {
		if _, err := waitFor(ctx, sess, call.StateIncoming); err != nil {
			return err
		}
		if err := sess.AcceptCall(ctx); err != nil {
			return err
		}
	}

	ev, err := waitFor(ctx, sess, call.StateConnected, call.StateEnded, call.StateIdle)
	if err != nil {
		return err
	}
	if ev.State != call.StateConnected {
		return ev.Err
	}
	logger.Info().Int("remote_tracks", len(sess.Remote())).Msg("call connected")

	timer := time.NewTimer(pc.CallDuration)
	defer timer.Stop()
	ended := make(chan call.Event, 1)
	go func() {
		if ev, err := waitFor(ctx, sess, call.StateEnded); err == nil {
			ended <- ev
		}
	}()
	select {
	case <-timer.C:
		logger.Info().Dur("duration", pc.CallDuration).Msg("hanging up")
		return sess.EndCall(ctx)
	case ev := <-ended:
		logger.Info().AnErr("cause", ev.Err).Msg("partner hung up")
		return nil
	case <-ctx.Done():
		return sess.EndCall(context.WithoutCancel(ctx))
	}
}

// waitFor blocks until the session publishes one of states.
func waitFor(ctx context.Context, sess *call.Session, states ...call.State) (call.Event, error) {
	for {
		select {
		case ev, ok := <-sess.Events():
			if !ok {
				return call.Event{}, call.ErrSessionClosed
			}
			if ev.Remote != nil {
				log.Debug().Str("module", "peer").Str("kind", string(ev.Remote.Kind)).Msg("remote track")
			}
			if slices.Contains(states, ev.State) {
				return ev, nil
			}
		case <-ctx.Done():
			return call.Event{}, ctx.Err()
		}
	}
}
