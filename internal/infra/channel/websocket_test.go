package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/mt5desk/errs"
	"github.com/coachpo/mt5desk/internal/adapters/fake"
	"github.com/coachpo/mt5desk/internal/domain/schema"
)

// remoteServer serves the fake remote over a websocket, echoing req_id the way the live API does.
func remoteServer(t *testing.T, remote *fake.Remote, query *atomic.Value) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if query != nil {
			query.Store(r.URL.RawQuery)
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var req schema.Request
			if err := json.Unmarshal(data, &req); err != nil {
				return
			}
			go func(req schema.Request) {
				resp := remote.Handle(ctx, req)
				var body map[string]any
				if err := json.Unmarshal(resp.Raw(), &body); err != nil {
					return
				}
				body["req_id"] = req.ReqID
				out, err := json.Marshal(body)
				if err != nil {
					return
				}
				_ = conn.Write(ctx, websocket.MessageText, out)
			}(req)
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebsocketConfigURL(t *testing.T) {
	cfg := WebsocketConfig{Endpoint: "wss://ws.example.com/websockets/v3", AppID: "1089", Language: "en"}
	target, err := cfg.URL()
	require.NoError(t, err)
	require.Equal(t, "wss://ws.example.com/websockets/v3?app_id=1089&l=EN", target)

	_, err = WebsocketConfig{}.URL()
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
}

func TestWebsocketChannelCorrelatesResponses(t *testing.T) {
	remote := fake.NewRemote(fake.Options{})
	release := remote.Hold(schema.TopicLandingCompany)
	var query atomic.Value
	server := remoteServer(t, remote, &query)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := NewWebsocketChannel(ctx, WebsocketConfig{Endpoint: wsURL(server), AppID: "1", RequestsPerSecond: 100, Burst: 10})
	require.NoError(t, err)
	require.NoError(t, ch.Start())
	defer ch.Stop()
	require.Equal(t, "app_id=1", query.Load())

	slow := make(chan schema.Response, 1)
	slowErr := make(chan error, 1)
	go func() {
		resp, err := ch.Send(ctx, schema.NewRequest(schema.TopicLandingCompany))
		if err != nil {
			slowErr <- err
			return
		}
		slow <- resp
	}()

	// answered while the earlier request is still parked.
	servers, err := ch.Send(ctx, schema.NewRequest(schema.TopicTradingServers).With("platform", "mt5"))
	require.NoError(t, err)
	require.Equal(t, schema.TopicTradingServers, servers.MsgType)
	var records []schema.TradingServerRecord
	require.NoError(t, servers.Decode(&records))
	require.Len(t, records, 3)

	release()
	select {
	case resp := <-slow:
		require.Equal(t, schema.TopicLandingCompany, resp.MsgType)
		var lc schema.LandingCompany
		require.NoError(t, resp.Decode(&lc))
		require.True(t, lc.OffersMT5())
	case err := <-slowErr:
		t.Fatalf("parked request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("parked request never answered")
	}

	require.NoError(t, ch.WaitFor(ctx, schema.TopicLandingCompany, schema.TopicTradingServers))
}

func TestWebsocketChannelSurfacesRemoteErrors(t *testing.T) {
	remote := fake.NewRemote(fake.Options{})
	remote.FailNext(schema.TopicLoginList, schema.CodeAccountInaccessible, "unavailable", nil)
	server := remoteServer(t, remote, nil)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := NewWebsocketChannel(ctx, WebsocketConfig{Endpoint: wsURL(server)})
	require.NoError(t, err)
	require.NoError(t, ch.Start())
	defer ch.Stop()

	resp, err := ch.Send(ctx, schema.NewRequest(schema.TopicLoginList))
	require.NoError(t, err)
	require.Equal(t, errs.CategoryProvisioning, errs.CategoryOf(resp.Err()))
}

func TestWebsocketChannelFailsPendingOnDisconnect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		_, _, _ = conn.Read(r.Context())
		_ = conn.Close(websocket.StatusGoingAway, "bye")
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := NewWebsocketChannel(ctx, WebsocketConfig{Endpoint: wsURL(server)})
	require.NoError(t, err)
	require.NoError(t, ch.Start())
	defer ch.Stop()

	_, err = ch.Send(ctx, schema.NewRequest(schema.TopicLoginList))
	require.Error(t, err)
	require.Equal(t, errs.CategoryTransport, errs.CategoryOf(err))
}

func TestWebsocketChannelStartTimesOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := NewWebsocketChannel(ctx, WebsocketConfig{Endpoint: "ws://127.0.0.1:1/unreachable", DialTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	defer ch.Stop()
	require.Error(t, ch.Start())
}
