package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultBinanceStreamURL is the USDⓈ-M futures market stream host.
	DefaultBinanceStreamURL = "wss://fstream.binance.com"

	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// Updater receives parsed marks.
type Updater interface {
	Update(ctx context.Context, symbol string, price float64, at time.Time)
}

// BinanceMarkFeed streams <symbol>@markPrice@1s for a fixed symbol set over
// a combined stream and reconnects with exponential backoff.
type BinanceMarkFeed struct {
	baseURL string
	symbols []string
	out     Updater
	logger  *slog.Logger
}

// NewBinanceMarkFeed creates a feed. baseURL defaults to
// DefaultBinanceStreamURL.
func NewBinanceMarkFeed(baseURL string, symbols []string, out Updater, logger *slog.Logger) *BinanceMarkFeed {
	if baseURL == "" {
		baseURL = DefaultBinanceStreamURL
	}
	return &BinanceMarkFeed{
		baseURL: strings.TrimRight(baseURL, "/"),
		symbols: symbols,
		out:     out,
		logger:  logger.With(slog.String("component", "binance_mark_feed")),
	}
}

// StreamURL returns the combined-stream URL for the configured symbols.
func (f *BinanceMarkFeed) StreamURL() string {
	streams := make([]string, len(f.symbols))
	for i, s := range f.symbols {
		streams[i] = strings.ToLower(s) + "@markPrice@1s"
	}
	return f.baseURL + "/stream?streams=" + strings.Join(streams, "/")
}

// Run streams until ctx is cancelled.
func (f *BinanceMarkFeed) Run(ctx context.Context) error {
	if len(f.symbols) == 0 {
		f.logger.InfoContext(ctx, "feed: no symbols configured, exiting")
		return nil
	}
	delay := reconnectDelay
	for {
		start := time.Now()
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// a connection that stayed up a while resets the backoff
		if time.Since(start) > maxReconnectDelay {
			delay = reconnectDelay
		}
		f.logger.WarnContext(ctx, "feed: stream disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("backoff", delay),
		)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

// markPriceEvent is the payload of a markPriceUpdate stream event.
type markPriceEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
}

type combinedMessage struct {
	Stream string         `json:"stream"`
	Data   markPriceEvent `json:"data"`
}

func (f *BinanceMarkFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.StreamURL(), nil)
	if err != nil {
		return fmt.Errorf("feed: dial: %w", err)
	}
	defer conn.Close()
	f.logger.InfoContext(ctx, "feed: stream connected", slog.Int("symbols", len(f.symbols)))

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	// Binance pings every few minutes; answering keeps the stream alive.
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-connCtx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		f.handle(ctx, raw)
	}
}

func (f *BinanceMarkFeed) handle(ctx context.Context, raw []byte) {
	var msg combinedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		f.logger.DebugContext(ctx, "feed: undecodable message", slog.String("error", err.Error()))
		return
	}
	evt := msg.Data
	if evt.EventType != "markPriceUpdate" || evt.Symbol == "" {
		return
	}
	price, err := strconv.ParseFloat(evt.MarkPrice, 64)
	if err != nil || price <= 0 {
		return
	}
	f.out.Update(ctx, evt.Symbol, price, time.UnixMilli(evt.EventTime).UTC())
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
