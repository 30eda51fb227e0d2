package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"guildbridge/internal/model"
)

// fakeGateway extends the REST double with a websocket endpoint that
// performs the HELLO/IDENTIFY handshake and then dispatches one
// MESSAGE_CREATE event.
func installFakeGateway(t *testing.T, f *fakeDiscord, identified chan<- identifyData) {
	t.Helper()

	mux := f.srv.Config.Handler.(*http.ServeMux)
	mux.HandleFunc("/gateway", func(w http.ResponseWriter, r *http.Request) {
		wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/gw"
		writeJSON(w, map[string]string{"url": wsURL})
	})
	mux.HandleFunc("/gw/", func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		go func() {
			defer conn.Close()

			hello := `{"op":10,"d":{"heartbeat_interval":45000}}`
			if err := wsutil.WriteServerText(conn, []byte(hello)); err != nil {
				return
			}

			data, err := wsutil.ReadClientText(conn)
			if err != nil {
				return
			}
			var frame struct {
				Op int          `json:"op"`
				D  identifyData `json:"d"`
			}
			if err := json.Unmarshal(data, &frame); err != nil || frame.Op != opIdentify {
				t.Errorf("first client frame op = %d, err = %v, want IDENTIFY", frame.Op, err)
				return
			}
			identified <- frame.D

			event := fmt.Sprintf(
				`{"op":0,"t":"MESSAGE_CREATE","s":1,"d":{"id":"300000000000000005","content":"listing live <@!123>","timestamp":%q,"channel_id":%q,"guild_id":%q,"author":{"username":"mod"}}}`,
				time.Now().UTC().Add(-time.Second).Format(time.RFC3339Nano), testChannelID, testGuildID,
			)
			if err := wsutil.WriteServerText(conn, []byte(event)); err != nil {
				return
			}

			// Hold the stream open until the client tears it down.
			wsutil.ReadClientText(conn)
		}()
	})
}

func TestRunGateway_HandshakeAndDispatch(t *testing.T) {
	f := newFakeDiscord(t)
	identified := make(chan identifyData, 1)
	installFakeGateway(t, f, identified)

	c := newTestClient(t, f)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() = %v", err)
	}

	received := make(chan *model.Message, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.RunGateway(ctx, func(m *model.Message) { received <- m })
	}()

	select {
	case id := <-identified:
		if id.Intents != gatewayIntents {
			t.Errorf("identify intents = %d, want %d", id.Intents, gatewayIntents)
		}
		if id.LargeThreshold != 50 {
			t.Errorf("identify large_threshold = %d, want 50", id.LargeThreshold)
		}
		if id.Compress {
			t.Error("identify compress = true, want false")
		}
		if id.Token != strings.Repeat("a", 60) {
			t.Error("identify carried wrong token")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for IDENTIFY")
	}

	select {
	case m := <-received:
		if m.Content != "listing live [User]" {
			t.Errorf("content = %q, want mention scrubbed", m.Content)
		}
		if m.GuildName != "Alpha Exchange" {
			t.Errorf("guild = %q, want Alpha Exchange", m.GuildName)
		}
		if m.ChannelName != "announcements" {
			t.Errorf("channel = %q, want announcements", m.ChannelName)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dispatched message")
	}

	guild, _ := c.Guild("Alpha Exchange")
	if !guild.Channels[testChannelID].StreamAccessible {
		t.Error("dispatched event did not mark channel stream-accessible")
	}

	cancel()
	c.Cleanup()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RunGateway did not stop after cancel")
	}
}
