package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/pnl-engine/internal/model"
)

type recorder struct {
	ticks      []model.Tick
	portfolios []model.PortfolioTick
}

func (r *recorder) PublishTick(t model.Tick)                { r.ticks = append(r.ticks, t) }
func (r *recorder) PublishPortfolio(t model.PortfolioTick) { r.portfolios = append(r.portfolios, t) }

func TestFanout_PublishesToEverySink(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	f := Fanout{a, b, Nop{}}

	f.PublishTick(model.Tick{UserID: "u1"})
	f.PublishPortfolio(model.PortfolioTick{UserID: "u1"})

	assert.Len(t, a.ticks, 1)
	assert.Len(t, b.ticks, 1)
	assert.Len(t, a.portfolios, 1)
	assert.Len(t, b.portfolios, 1)
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWSHub_DeliversOnlyToSubscribedUser(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewWSHub()
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 10*time.Millisecond)

	hub.PublishTick(model.Tick{UserID: "alice", Mint: "mintA", UnrealizedPnL: decimal.NewFromInt(42)})

	alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := alice.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, TypeTick, msg.Type)
	assert.Equal(t, "alice", msg.UserID)

	var tick model.Tick
	require.NoError(t, json.Unmarshal(msg.Data, &tick))
	assert.Equal(t, "mintA", tick.Mint)
	assert.True(t, tick.UnrealizedPnL.Equal(decimal.NewFromInt(42)))

	bob.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = bob.ReadMessage()
	assert.Error(t, err, "bob must not receive alice's tick")
}

func TestWSHub_RequiresUser(t *testing.T) {
	hub := NewWSHub()
	rec := httptest.NewRecorder()
	hub.HandleWS(rec, httptest.NewRequest("GET", "/api/v1/ws", nil))
	assert.Equal(t, 400, rec.Code)
}

func TestRelay_SkipsOwnFrames(t *testing.T) {
	hub := NewWSHub()
	r := &Relay{instance: "i1", hub: hub}

	own, err := encode(TypeTick, "alice", "i1", model.Tick{UserID: "alice"})
	require.NoError(t, err)
	r.dispatch(context.Background(), tickPrefix+"alice", own)
	assert.Len(t, hub.broadcast, 0)

	remote, err := encode(TypeTick, "alice", "i2", model.Tick{UserID: "alice"})
	require.NoError(t, err)
	r.dispatch(context.Background(), tickPrefix+"alice", remote)
	require.Len(t, hub.broadcast, 1)
	f := <-hub.broadcast
	assert.Equal(t, "alice", f.userID)
}

func TestRelay_FillEvents(t *testing.T) {
	var got []FillEvent
	r := &Relay{instance: "i1", hub: NewWSHub(), onFill: func(_ context.Context, ev FillEvent) {
		got = append(got, ev)
	}}
	key := model.Key{UserID: "u1", Mint: "m", Mode: model.ModePaper}

	for _, origin := range []string{"i1", "i2"} {
		data, err := json.Marshal(FillEvent{Origin: origin, Key: key, FillID: "f1"})
		require.NoError(t, err)
		r.dispatch(context.Background(), FillsChannel, data)
	}
	r.dispatch(context.Background(), FillsChannel, []byte("{not json"))

	require.Len(t, got, 1)
	assert.Equal(t, "i2", got[0].Origin)
	assert.Equal(t, key, got[0].Key)
}
