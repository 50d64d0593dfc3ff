package executor

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gh0stOo/Tradingbot/internal/events"
)

// FillStream listens on a websocket for venue execution reports and turns
// them into fills. Reconnects with backoff on read errors; missed reports
// while disconnected are recovered by the reconciler.
type FillStream struct {
	URL   string
	Fills chan events.Fill

	dialer *websocket.Dialer
}

// NewFillStream creates a stream client for the given websocket endpoint.
func NewFillStream(url string) *FillStream {
	return &FillStream{
		URL:    url,
		Fills:  make(chan events.Fill, 256),
		dialer: websocket.DefaultDialer,
	}
}

// Run connects and reads until the context is cancelled. It will log
// errors but not return them.
func (s *FillStream) Run(ctx context.Context) {
	defer close(s.Fills)
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := s.dialer.DialContext(ctx, s.URL, nil)
		if err != nil {
			log.Printf("fill stream: dial %s: %v, retrying in %s", s.URL, err, backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		log.Printf("fill stream: connected to %s", s.URL)
		backoff = time.Second

		s.readLoop(ctx, conn)
		conn.Close()
	}
}

func (s *FillStream) readLoop(ctx context.Context, conn *websocket.Conn) {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("fill stream: read error: %v", err)
			}
			return
		}
		s.handleMessage(ctx, msg)
	}
}

// executionReport is the wire format for a fill push. Numeric fields arrive
// as strings, matching common venue conventions.
type executionReport struct {
	EventType     string `json:"e"`
	FillID        string `json:"t"`
	ClientOrderID string `json:"c"`
	VenueOrderID  string `json:"i"`
	Symbol        string `json:"s"`
	Side          string `json:"S"`
	LastQty       string `json:"l"`
	LastPrice     string `json:"L"`
	Fee           string `json:"n"`
	Status        string `json:"X"`
	EventTime     int64  `json:"E"`
}

func (s *FillStream) handleMessage(ctx context.Context, msg []byte) {
	var report executionReport
	if err := json.Unmarshal(msg, &report); err != nil {
		log.Printf("fill stream: parse error: %v", err)
		return
	}
	if report.EventType != "executionReport" || (report.Status != "FILLED" && report.Status != "PARTIALLY_FILLED") {
		return
	}

	qty := parseFloat(report.LastQty)
	price := parseFloat(report.LastPrice)
	if qty <= 0 || price <= 0 {
		log.Printf("fill stream: dropping report with bad qty/price: %s", string(msg))
		return
	}

	fill := events.Fill{
		FillID:        report.FillID,
		ClientOrderID: report.ClientOrderID,
		VenueOrderID:  report.VenueOrderID,
		Asset:         report.Symbol,
		Side:          events.Side(report.Side),
		Quantity:      qty,
		Price:         price,
		Fee:           parseFloat(report.Fee),
		Partial:       report.Status == "PARTIALLY_FILLED",
		Time:          time.UnixMilli(report.EventTime).UTC(),
	}
	select {
	case s.Fills <- fill:
	case <-ctx.Done():
	}
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
