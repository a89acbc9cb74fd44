// Command orderbookd runs one p2p orderbook node: it joins the cluster over
// NATS, serves Prometheus metrics, and offers an interactive trading
// terminal on stdin.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/S0c5/p2p-orderbook/internal/book"
	"github.com/S0c5/p2p-orderbook/internal/node"
	"github.com/S0c5/p2p-orderbook/internal/observability"
	"github.com/S0c5/p2p-orderbook/internal/transport/natsbus"
)

// Config is loaded from environment variables (a .env file is honored when
// present).
type Config struct {
	NATSURL          string
	Channel          string
	Pair             string
	NodeID           string
	QueueCapacity    int
	LookupTries      int
	LookupInterval   time.Duration
	AnnounceInterval time.Duration
	MetricsAddr      string
}

func DefaultConfig() Config {
	return Config{
		NATSURL:          envOrDefault("OB_NATS_URL", "nats://localhost:4222"),
		Channel:          envOrDefault("OB_CHANNEL", node.DefaultChannel),
		Pair:             envOrDefault("OB_PAIR", "BTCUSD"),
		NodeID:           envOrDefault("OB_NODE_ID", ""),
		QueueCapacity:    envIntOrDefault("OB_QUEUE_CAPACITY", 10_000),
		LookupTries:      envIntOrDefault("OB_LOOKUP_TRIES", 10),
		LookupInterval:   time.Duration(envIntOrDefault("OB_LOOKUP_INTERVAL_MS", 1000)) * time.Millisecond,
		AnnounceInterval: time.Duration(envIntOrDefault("OB_ANNOUNCE_INTERVAL_MS", 5000)) * time.Millisecond,
		MetricsAddr:      envOrDefault("OB_METRICS_ADDR", ":9091"),
	}
}

func main() {
	_ = godotenv.Load()
	cfg := DefaultConfig()

	log := observability.NewLogger("orderbookd")
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	nc, err := natsbus.Connect(cfg.NATSURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	bus := natsbus.New(nc, log)

	nd := node.New(node.Config{
		NodeID:           cfg.NodeID,
		Channel:          cfg.Channel,
		QueueCapacity:    cfg.QueueCapacity,
		LookupTries:      cfg.LookupTries,
		LookupInterval:   cfg.LookupInterval,
		AnnounceInterval: cfg.AnnounceInterval,
	}, bus, bus, log, metrics)
	nd.OnExecution(printExecution)

	// Prometheus endpoint.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			srv.Shutdown(shutCtx)
		}()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server")
		}
	}()

	fmt.Println("==== TRADING TERMINAL =====")
	fmt.Println("> connecting to the cluster...")

	if err := nd.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("node start")
	}
	fmt.Printf("> online as %s (%s)\n", nd.ID(), nd.Role())

	go terminal(nd, cfg.Pair, cancel)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
	}

	nd.Stop()
}

// terminal reads trading commands from stdin:
//
//	limit <ask|bid> <qty> <price>
//	market <ask|bid> <qty>
//	depth
//	exit
func terminal(nd *node.Node, pair string, quit context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			fmt.Print("> ")
			continue
		}
		switch strings.ToLower(fields[0]) {
		case "limit":
			submitLimit(nd, pair, fields)
		case "market":
			submitMarket(nd, pair, fields)
		case "depth":
			printDepth(nd.Depth(pair))
		case "exit", "quit":
			quit()
			return
		default:
			fmt.Println("> commands: limit <ask|bid> <qty> <price> | market <ask|bid> <qty> | depth | exit")
		}
		fmt.Print("> ")
	}
}

func submitLimit(nd *node.Node, pair string, fields []string) {
	if len(fields) != 4 {
		fmt.Println("> usage: limit <ask|bid> <qty> <price>")
		return
	}
	side, err := parseSide(fields[1])
	if err != nil {
		fmt.Printf("> %v\n", err)
		return
	}
	qty, err1 := decimal.NewFromString(fields[2])
	price, err2 := decimal.NewFromString(fields[3])
	if err1 != nil || err2 != nil {
		fmt.Println("> qty and price must be decimal numbers")
		return
	}
	o, err := book.NewLimit("", pair, side, qty, price)
	if err != nil {
		fmt.Printf("> %v\n", err)
		return
	}
	nd.Submit(o)
}

func submitMarket(nd *node.Node, pair string, fields []string) {
	if len(fields) != 3 {
		fmt.Println("> usage: market <ask|bid> <qty>")
		return
	}
	side, err := parseSide(fields[1])
	if err != nil {
		fmt.Printf("> %v\n", err)
		return
	}
	qty, err := decimal.NewFromString(fields[2])
	if err != nil {
		fmt.Println("> qty must be a decimal number")
		return
	}
	o, err := book.NewMarket("", pair, side, qty)
	if err != nil {
		fmt.Printf("> %v\n", err)
		return
	}
	nd.Submit(o)
}

func parseSide(s string) (book.Side, error) {
	switch strings.ToLower(s) {
	case "ask", "sell":
		return book.Ask, nil
	case "bid", "buy":
		return book.Bid, nil
	default:
		return "", fmt.Errorf("side must be ask or bid, got %q", s)
	}
}

func printExecution(ex node.Execution) {
	switch ex.Result.Kind {
	case book.Unfilled:
		fmt.Println("> market order not matched")
	case book.Placed:
		fmt.Printf("> limit order %s placed\n", ex.Result.OrderID)
	case book.DuplicatedOrder:
		fmt.Printf("> order %s rejected: duplicate id\n", ex.Result.OrderID)
	case book.Filled, book.PartialFilled:
		fmt.Printf("> order %s %s\n", ex.Result.OrderID, ex.Result.Kind)
		for _, f := range ex.Result.Fills {
			fmt.Printf("  matched %s for %s units at $%s\n", f.MakerID, f.Qty, f.Price)
		}
	}
}

func printDepth(d book.DepthView) {
	fmt.Println("  Bids =====")
	for _, lv := range d.Bids {
		fmt.Printf("  $%s => %s\n", lv.Price, lv.Qty)
	}
	fmt.Println("  Asks =====")
	for _, lv := range d.Asks {
		fmt.Printf("  $%s => %s\n", lv.Price, lv.Qty)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
