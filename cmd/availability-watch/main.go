// Command availability-watch subscribes to course sessions over the
// real-time endpoint and prints every availability change.  It reconnects
// on its own and resubscribes after each reconnect.
//
//	availability-watch --url ws://localhost:8080/v1/ws 1 2 3
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/iliyamo/course-booking/internal/model"
	"github.com/iliyamo/course-booking/internal/realtime"
)

func main() {
	url := pflag.String("url", "ws://localhost:8080/v1/ws", "WebSocket endpoint")
	token := pflag.String("token", "", "optional bearer token")
	asJSON := pflag.Bool("json", false, "print raw JSON frames")
	reconnects := pflag.Int("max-reconnects", 10, "consecutive failed dials before giving up")
	verbose := pflag.BoolP("verbose", "v", false, "log connection state changes")
	pflag.Parse()

	log := logrus.New()
	log.SetOutput(os.Stderr)
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	sessions, err := parseSessions(pflag.Args())
	if err != nil {
		log.Fatal(err)
	}

	header := http.Header{}
	if *token != "" {
		header.Set("Authorization", "Bearer "+*token)
	}
	client := realtime.NewClient(realtime.ClientConfig{URL: *url, Header: header, MaxReconnects: *reconnects}, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, id := range sessions {
		// remembered while disconnected; sent on connect
		if err := client.Subscribe(ctx, id); err != nil && !errors.Is(err, realtime.ErrNotConnected) {
			log.WithError(err).WithField("session_id", id).Warn("subscribe failed")
		}
	}

	go func() {
		for env := range client.Events() {
			if err := render(os.Stdout, env, *asJSON); err != nil {
				log.WithError(err).Warn("bad frame")
			}
		}
	}()

	if err := client.Run(ctx); err != nil {
		log.WithError(err).Fatal("connection lost")
	}
}

func parseSessions(args []string) ([]uint64, error) {
	if len(args) == 0 {
		return nil, errors.New("usage: availability-watch [flags] SESSION_ID...")
	}
	out := make([]uint64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseUint(a, 10, 64)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("invalid session id %q", a)
		}
		out = append(out, id)
	}
	return out, nil
}

func render(w io.Writer, env realtime.Envelope, raw bool) error {
	if raw {
		b, err := json.Marshal(env)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	}
	switch env.Type {
	case realtime.TypeUpdate, realtime.TypeLow, realtime.TypeUrgent, realtime.TypeFull:
		snap, err := realtime.DecodeSnapshot(env)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s session=%d available=%d/%d full=%.1f%% v%d %s\n",
			env.Type, snap.SessionID, snap.AvailableSpots, snap.TotalCapacity, snap.PercentageFull,
			snap.Version, snap.Timestamp.Format("15:04:05"))
		return err
	case realtime.TypeIntentActive:
		var in model.BookingIntent
		if err := json.Unmarshal(env.Data, &in); err != nil {
			return err
		}
		_, err := fmt.Fprintf(w, "%s session=%d spots=%d expires=%s\n", env.Type, in.SessionID, in.Spots, in.ExpiresAt.Format("15:04:05"))
		return err
	case realtime.TypeIntentCancelled:
		var c realtime.IntentCancelled
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return err
		}
		_, err := fmt.Fprintf(w, "%s session=%d spots=%d\n", env.Type, c.SessionID, c.Spots)
		return err
	}
	_, err := fmt.Fprintf(w, "%s %s\n", env.Type, env.Data)
	return err
}
