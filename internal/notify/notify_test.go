package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dkeye/ptt/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestRedisPublishes(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sub := client.Subscribe(ctx, "ptt:test")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatal(err)
	}

	at := time.UnixMilli(1_700_000_000_000).UTC()
	n := NewRedis(client, "ptt:test")
	if err := n.Announce(ctx, Announcement{Channel: "main", Kind: KindAlert, Actor: "Alice", At: at}); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-sub.Channel():
		var got Announcement
		if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatal(err)
		}
		if got.Channel != "main" || got.Kind != KindAlert || got.Actor != "Alice" || !got.At.Equal(at) {
			t.Fatalf("unexpected announcement %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
}

func TestLogAnnounce(t *testing.T) {
	var buf bytes.Buffer
	l := &Log{logger: zerolog.New(&buf)}
	if err := l.Announce(context.Background(), Announcement{Channel: "channel2", Kind: KindSpeakerStarted, Actor: "Bob"}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, `"kind":"speaker_started"`) || !strings.Contains(out, `"actor":"Bob"`) {
		t.Fatalf("unexpected log %q", out)
	}
}

func TestFactory(t *testing.T) {
	d, closer, err := New(config.NotifyConfig{Driver: "none"})
	if err != nil || d != nil {
		t.Fatalf("none driver = %v, %v", d, err)
	}
	_ = closer()

	d, _, err = New(config.NotifyConfig{Driver: "log"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := d.(*Log); !ok {
		t.Fatalf("log driver returned %T", d)
	}

	mr := miniredis.RunT(t)
	d, closer, err = New(config.NotifyConfig{Driver: "redis", Redis: config.RedisConfig{Address: mr.Addr(), Channel: "x"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Announce(context.Background(), Announcement{Channel: "main", Kind: KindAlert}); err != nil {
		t.Fatal(err)
	}
	if err := closer(); err != nil {
		t.Fatal(err)
	}

	if _, _, err := New(config.NotifyConfig{Driver: "carrier-pigeon"}); err == nil {
		t.Fatal("unknown driver accepted")
	}
}
