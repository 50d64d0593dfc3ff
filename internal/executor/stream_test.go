package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestFillStreamParsesExecutionReports(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		msgs := []string{
			`{"e":"executionReport","t":"fill-1","c":"intent-1","i":"v-1","s":"BTCUSDT","S":"BUY","l":"50","L":"100.5","n":"0.05","X":"FILLED","E":1700000000000}`,
			`{"e":"outboundAccountPosition"}`,
			`{"e":"executionReport","t":"fill-2","c":"intent-2","i":"v-2","s":"ETHUSDT","S":"SELL","l":"2","L":"2000","n":"0","X":"NEW","E":1700000000001}`,
		}
		for _, m := range msgs {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := NewFillStream("ws" + strings.TrimPrefix(srv.URL, "http"))
	go stream.Run(ctx)

	select {
	case fill := <-stream.Fills:
		if fill.FillID != "fill-1" || fill.ClientOrderID != "intent-1" {
			t.Fatalf("unexpected fill: %+v", fill)
		}
		if fill.Quantity != 50 || fill.Price != 100.5 {
			t.Fatalf("bad qty/price: %+v", fill)
		}
		if fill.Partial {
			t.Fatalf("FILLED report marked partial")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no fill received")
	}

	// The account event and the NEW report must both be filtered out.
	select {
	case fill := <-stream.Fills:
		t.Fatalf("unexpected second fill: %+v", fill)
	case <-time.After(100 * time.Millisecond):
	}
}
