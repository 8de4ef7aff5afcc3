package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"matchbook/internal/common"
	matchNet "matchbook/internal/net"
)

func main() {
	// CLI Parameter Parsing
	serverAddr := flag.String("server", "127.0.0.1:9001", "Address of the exchange gateway")
	user := flag.Uint("user", 0, "User id (compulsory)")
	action := flag.String("action", "place", "Action to perform: ['place', 'cancel']")

	// Order Parameters
	ticker := flag.String("ticker", "BTC-USD", "Market ticker")
	sideStr := flag.String("side", "buy", "Order side: 'buy' or 'sell'")
	typeStr := flag.String("type", "limit", "Order type: 'limit', 'market' or 'stop'")
	price := flag.String("price", "100.00", "Limit or stop price in quote currency")
	qtyStr := flag.String("qty", "10", "Quantity or comma-separated list (e.g. 10,20,50)")

	// Cancel Parameters
	orderID := flag.Uint64("id", 0, "Id of the order to cancel")

	wait := flag.Duration("wait", 2*time.Second, "How long to listen for reports, 0 to listen forever")

	flag.Parse()

	// Validation
	if *user == 0 {
		fmt.Println("Error: -user is compulsory.")
		flag.Usage()
		os.Exit(1)
	}
	userID, err := parseUserID(*user)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	// Connect to Server
	conn, err := net.Dial("tcp", *serverAddr)
	if err != nil {
		log.Fatalf("Failed to connect to server at %s: %v", *serverAddr, err)
	}
	defer conn.Close()
	fmt.Printf("Connected to %s as user %d\n", *serverAddr, userID)

	// Start Listening for Reports (Async)
	go readReports(conn)

	switch strings.ToLower(*action) {
	case "place":
		side := common.Buy
		if strings.ToLower(*sideStr) == "sell" {
			side = common.Sell
		}
		orderType := common.LimitOrder
		switch strings.ToLower(*typeStr) {
		case "market":
			orderType = common.MarketOrder
		case "stop":
			orderType = common.StopOrder
		}

		cents := int64(0)
		if orderType != common.MarketOrder {
			if cents, err = common.ParseCents(*price); err != nil {
				log.Fatalf("Invalid price %q: %v", *price, err)
			}
		}

		for _, q := range parseQuantities(*qtyStr) {
			msg := matchNet.NewOrderMessage{
				Side:      side,
				OrderType: orderType,
				UserID:    userID,
				Quantity:  q,
				Price:     cents,
				Ticker:    *ticker,
			}
			if err := send(conn, msg); err != nil {
				log.Printf("Failed to place order (Qty: %d): %v", q, err)
				continue
			}
			fmt.Printf("-> Sent %s %s Order: %s %d @ %s\n",
				strings.ToUpper(side.String()), orderType, *ticker, q, common.FormatCents(cents))
		}

	case "cancel":
		if *orderID == 0 {
			log.Fatal("Error: -id is required for cancellation")
		}
		msg := matchNet.CancelOrderMessage{OrderID: common.OrderID(*orderID), Ticker: *ticker}
		if err := send(conn, msg); err != nil {
			log.Printf("Failed to send cancel request: %v", err)
		} else {
			fmt.Printf("-> Sent Cancel Request for order %d\n", *orderID)
		}

	default:
		log.Fatalf("Unknown action: %s", *action)
	}

	// Keep the client alive to receive execution reports
	if *wait == 0 {
		fmt.Println("\nListening for reports... (Press Ctrl+C to exit)")
		select {}
	}
	time.Sleep(*wait)
}

// parseUserID rejects ids that do not fit the wire's 4 byte user field.
func parseUserID(user uint) (common.UserID, error) {
	if user > math.MaxUint32 {
		return 0, fmt.Errorf("user id %d exceeds %d", user, uint64(math.MaxUint32))
	}
	return common.UserID(user), nil
}

// parseQuantities splits a comma-separated string into positive quantities.
func parseQuantities(input string) []int64 {
	var result []int64
	for _, p := range strings.Split(input, ",") {
		p = strings.TrimSpace(p)
		if val, err := strconv.ParseInt(p, 10, 64); err == nil && val > 0 {
			result = append(result, val)
		} else {
			log.Printf("Warning: Invalid quantity '%s', skipping.", p)
		}
	}
	return result
}

func send(conn net.Conn, msg matchNet.Message) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	return matchNet.WriteFrame(conn, payload)
}

// readReports continuously reads and prints reports from the server.
func readReports(conn net.Conn) {
	reader := matchNet.NewFrameReader(conn)
	for {
		payload, err := reader.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("Connection lost: %v", err)
			}
			os.Exit(0)
		}
		r, err := matchNet.ParseReport(payload)
		if err != nil {
			log.Printf("Bad report: %v", err)
			continue
		}

		switch r.MessageType {
		case matchNet.ErrorReport:
			fmt.Printf("\n[SERVER ERROR] order %d: %s\n", r.OrderID, r.Err)
		case matchNet.AckReport:
			fmt.Printf("\n[ACK] order %d %s %s | Status: %s | Filled: %d/%d | Avg: %s\n",
				r.OrderID, strings.ToUpper(r.Side.String()), r.Ticker, r.Status, r.Filled, r.Quantity, common.FormatCents(r.Price))
		case matchNet.ExecutionReport:
			fmt.Printf("\n[EXECUTION] order %d %s %s | Qty: %d | Price: %s | vs: %d\n",
				r.OrderID, strings.ToUpper(r.Side.String()), r.Ticker, r.Quantity, common.FormatCents(r.Price), r.Counterparty)
		case matchNet.CancelReport:
			fmt.Printf("\n[CANCELLED] order %d %s\n", r.OrderID, r.Ticker)
		}
	}
}
