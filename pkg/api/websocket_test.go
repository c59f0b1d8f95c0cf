package api

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
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/feedbook/pkg/book"
	"github.com/uhyunpark/feedbook/pkg/candles"
	"github.com/uhyunpark/feedbook/pkg/notify"
)

func runHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func subscribe(t *testing.T, h *Hub, conn *websocket.Conn, channel string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{channel}}))
	require.Eventually(t, func() bool { return h.Subscribers(channel) == 1 }, time.Second, time.Millisecond)
}

func readJSON(t *testing.T, conn *websocket.Conn, out any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(msg, out))
}

func TestHub_PublishReachesSubscriber(t *testing.T) {
	h := NewHub(nil)
	conn := runHub(t, h)
	subscribe(t, h, conn, OrderbookChannel("XBTMYR"))

	h.Publish(notify.Update{Pair: "ETHMYR", Sequence: 1})
	h.Publish(notify.Update{
		Pair:     "XBTMYR",
		Sequence: 7,
		Asks:     []book.PriceLevel{{Price: decimal.NewFromInt(100), Volume: decimal.NewFromInt(2), IDs: []string{"a1", "a2"}}},
	})

	var u OrderbookUpdate
	readJSON(t, conn, &u)
	require.Equal(t, "orderbook", u.Type)
	require.Equal(t, "XBTMYR", u.Pair)
	require.Equal(t, int64(7), u.Sequence)
	require.Len(t, u.Asks, 1)
	require.Equal(t, 2, u.Asks[0].Orders)
}

func TestHub_CandleChannel(t *testing.T) {
	h := NewHub(nil)
	conn := runHub(t, h)
	subscribe(t, h, conn, CandleChannel("XBTMYR", 60))

	one := decimal.NewFromInt(1)
	h.PublishBar("XBTMYR", 300, candles.Bar{Timestamp: 0})
	h.PublishBar("XBTMYR", 60, candles.Bar{Timestamp: 60_000, Open: one, Close: one, High: one, Low: one, Volume: one})

	var u CandleUpdate
	readJSON(t, conn, &u)
	require.Equal(t, "candle", u.Type)
	require.Equal(t, int64(60), u.Interval)
	require.Equal(t, int64(60_000), u.Bar.Timestamp)
}

func TestHub_SnapshotGreetsSubscriber(t *testing.T) {
	h := NewHub(nil)
	h.SetSnapshot(func(channel string) (any, bool) {
		return map[string]string{"channel": channel}, channel == "orderbook:XBTMYR"
	})
	conn := runHub(t, h)
	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		return len(h.clients) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{"orderbook:XBTMYR"}}))

	var greeting map[string]string
	readJSON(t, conn, &greeting)
	require.Equal(t, "orderbook:XBTMYR", greeting["channel"])
}

func TestHub_Unsubscribe(t *testing.T) {
	h := NewHub(nil)
	conn := runHub(t, h)
	channel := OrderbookChannel("XBTMYR")
	subscribe(t, h, conn, channel)

	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "unsubscribe", Channels: []string{channel}}))
	require.Eventually(t, func() bool { return h.Subscribers(channel) == 0 }, time.Second, time.Millisecond)
}

func TestHub_PublishWithoutClientsIsNoop(t *testing.T) {
	h := NewHub(nil)
	h.Publish(notify.Update{Pair: "XBTMYR"})
	require.Zero(t, h.Subscribers(OrderbookChannel("XBTMYR")))
}

func TestHub_StopClosesClients(t *testing.T) {
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		return len(h.clients) == 1
	}, time.Second, time.Millisecond)

	cancel()
	<-stopped

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
}
