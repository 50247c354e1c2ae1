// chain-client subscribes to a running relay's option chain websocket and
// prints every message. Useful for eyeballing the join output without the
// dashboard.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	addr := flag.String("addr", "localhost:8000", "relay host:port")
	symbol := flag.String("symbol", "", "underlying symbol (required)")
	expiry := flag.String("expiry", "", "expiry date YYYY-MM-DD (required)")
	symbols := flag.String("symbols", "", "comma-separated streamer symbols, e.g. .AAPL251219C200,.AAPL251219P200")
	raw := flag.Bool("raw", false, "print raw JSON instead of a summary line")
	flag.Parse()

	if *symbol == "" || *expiry == "" {
		flag.Usage()
		os.Exit(2)
	}
	var streamerSymbols []string
	for _, s := range strings.Split(*symbols, ",") {
		if s = strings.TrimSpace(s); s != "" {
			streamerSymbols = append(streamerSymbols, s)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	url := fmt.Sprintf("ws://%s/ws/chain", *addr)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", url, err)
		os.Exit(1)
	}
	defer conn.Close()

	sub := map[string]any{
		"symbol":           strings.ToUpper(*symbol),
		"expiry":           *expiry,
		"streamer_symbols": streamerSymbols,
	}
	if err := conn.WriteJSON(sub); err != nil {
		fmt.Fprintf(os.Stderr, "subscribe: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("subscribed to %s %s (%d symbols)\n", strings.ToUpper(*symbol), *expiry, len(streamerSymbols))

	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fmt.Fprintf(os.Stderr, "read: %v\n", err)
			os.Exit(1)
		}
		if *raw {
			fmt.Println(string(data))
			continue
		}
		printSummary(data)
	}
}

func printSummary(data []byte) {
	var msg struct {
		TTType    string  `json:"tt_type"`
		Symbol    string  `json:"symbol"`
		LastPrice float64 `json:"last_price"`
		Quote     struct {
			MidPrice float64 `json:"mid_price"`
		} `json:"quote"`
		Calculations struct {
			PMP       float64  `json:"pmp"`
			POP       float64  `json:"pop"`
			MaxProfit float64  `json:"max_profit"`
			MaxLoss   *float64 `json:"max_loss"`
			EV        *float64 `json:"ev"`
		} `json:"calculations"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		fmt.Println(string(data))
		return
	}
	switch msg.TTType {
	case "underlying_quote":
		fmt.Printf("%s  spot %.2f\n", msg.Symbol, msg.LastPrice)
	case "grouped_option_data":
		maxLoss := "inf"
		if msg.Calculations.MaxLoss != nil {
			maxLoss = fmt.Sprintf("%.0f", *msg.Calculations.MaxLoss)
		}
		ev := "n/a"
		if msg.Calculations.EV != nil {
			ev = fmt.Sprintf("%.1f", *msg.Calculations.EV)
		}
		fmt.Printf("%s  mid %.2f  pmp %.1f%%  pop %.1f%%  maxProfit %.0f  maxLoss %s  ev %s\n",
			msg.Symbol, msg.Quote.MidPrice,
			msg.Calculations.PMP, msg.Calculations.POP,
			msg.Calculations.MaxProfit, maxLoss, ev)
	case "ping":
		// Keep-alives are noise.
	default:
		fmt.Println(string(data))
	}
}
