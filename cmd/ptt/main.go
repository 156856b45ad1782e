package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/ptt/internal/audio"
	"github.com/dkeye/ptt/internal/config"
	"github.com/dkeye/ptt/internal/domain"
	"github.com/dkeye/ptt/internal/identity"
	"github.com/dkeye/ptt/internal/logging"
	"github.com/dkeye/ptt/internal/notify"
	"github.com/dkeye/ptt/internal/session"
	"github.com/dkeye/ptt/internal/store/remote"
)

const help = `commands:
  t, talk        take the floor
  o, over        release the floor
  ch NAME        switch channel
  say TEXT       send a chat message
  alert          page the channel
  who            list channel members
  bg | fg        toggle background announcements
  q, quit        leave`

func resolveIdentity(ctx context.Context, cfg config.ClientConfig) (identity.Identity, string, error) {
	if cfg.Token != "" {
		tok, err := identity.NewToken(cfg.Token)
		if err != nil {
			return identity.Identity{}, "", err
		}
		id, err := tok.Identity(ctx)
		return id, tok.Raw(), err
	}
	st, err := identity.NewStatic(cfg.DisplayName)
	if err != nil {
		return identity.Identity{}, "", fmt.Errorf("display name: %w", err)
	}
	id, err := st.Identity(ctx)
	return id, "", err
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "load .env:", err)
	}
	logging.Setup(logging.Config{Level: "warn", Pretty: true})
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Setup(logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	ccfg := cfg.Client

	id, token, err := resolveIdentity(ctx, ccfg)
	if err != nil {
		log.Fatal().Err(err).Msg("identity")
	}

	opts := remote.Options{URL: ccfg.ServerURL, RequestTimeout: ccfg.OpTimeout}
	if token != "" {
		opts.Header = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	client, err := remote.Dial(ctx, opts)
	if err != nil {
		log.Fatal().Err(err).Str("url", ccfg.ServerURL).Msg("connect")
	}
	defer client.Close()

	deps := session.Deps{Store: client, Identity: id, Cues: &console{out: os.Stdout}}

	devices, err := audio.OpenDevices()
	if err != nil {
		log.Warn().Err(err).Msg("audio unavailable, running without microphone or speaker")
	} else {
		defer devices.Close()
		deps.Mic = devices.Mic()
		tl := audio.NewTimeline()
		speaker, err := devices.Speaker(tl)
		if err != nil {
			log.Warn().Err(err).Msg("speaker unavailable")
		} else {
			defer speaker.Close()
			deps.Sink = tl
		}
	}

	notifier, closeNotify, err := notify.New(ccfg.Notify)
	if err != nil {
		log.Warn().Err(err).Str("driver", ccfg.Notify.Driver).Msg("notifier unavailable")
	} else {
		defer closeNotify()
		deps.Notifier = notifier
	}

	sess, err := session.New(deps, session.Config{
		OpTimeout:          ccfg.OpTimeout,
		StaleAfter:         ccfg.StaleAfter,
		PresenceStaleAfter: ccfg.PresenceStaleAfter,
		HeartbeatInterval:  ccfg.HeartbeatInterval,
		BatchInterval:      ccfg.BatchInterval,
		MaxLead:            ccfg.MaxLead,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("session")
	}
	defer func() {
		tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer tcancel()
		sess.Teardown(tctx)
	}()

	if err := sess.Join(ctx, domain.ChannelName(ccfg.Channel)); err != nil {
		log.Error().Err(err).Str("channel", ccfg.Channel).Msg("join")
		return
	}
	fmt.Printf("%s on %s\n%s\n", id.DisplayName, ccfg.Channel, help)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
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
			if !command(ctx, sess, strings.TrimSpace(line)) {
				return
			}
		}
	}
}

// command runs one input line and reports whether to keep going.
func command(ctx context.Context, sess *session.Session, line string) bool {
	verb, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch verb {
	case "":
	case "t", "talk":
		ok, err := sess.StartTransmit(ctx)
		switch {
		case err != nil:
			fmt.Println("cannot transmit:", err)
		case !ok:
			fmt.Println("channel busy")
		}
	case "o", "over":
		if err := sess.StopTransmit(ctx); err != nil {
			fmt.Println("release:", err)
		}
	case "ch":
		if err := sess.SwitchChannel(ctx, domain.ChannelName(arg)); err != nil {
			fmt.Println("switch:", err)
		}
	case "say":
		if _, err := sess.SendChat(ctx, arg); err != nil {
			fmt.Println("chat:", err)
		}
	case "alert":
		if err := sess.SendAlert(ctx); err != nil {
			fmt.Println("alert:", err)
		}
	case "who":
		members, err := sess.Members(ctx)
		if err != nil {
			fmt.Println("who:", err)
			break
		}
		for _, m := range members {
			fmt.Printf("  %s\n", m.DisplayName)
		}
	case "bg", "fg":
		sess.SetBackgrounded(verb == "bg")
	case "q", "quit":
		return false
	default:
		fmt.Println(help)
	}
	return true
}
