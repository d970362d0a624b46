package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// newFillServer runs a websocket server that checks the fills
// subscription and then replays the given execution reports.
func newFillServer(t *testing.T, reports []fillMessage) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd wsCommand
		if err := json.Unmarshal(raw, &cmd); err != nil || cmd.Type != "subscribe" || cmd.Channel != "fills" {
			t.Errorf("unexpected subscribe command: %s", raw)
			return
		}

		time.Sleep(100 * time.Millisecond)
		for _, report := range reports {
			if err := conn.WriteJSON(report); err != nil {
				return
			}
		}

		// Keep the connection open until the client hangs up.
		conn.ReadMessage()
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestFillStream_AwaitFill(t *testing.T) {
	server := newFillServer(t, []fillMessage{
		{Type: "fill", OrderID: "ord-9", Status: OrderStatusPartiallyFilled, FilledQuantity: decimal.RequireFromString("1")},
		{Type: "fill", OrderID: "ord-9", Status: OrderStatusFilled, FilledQuantity: decimal.RequireFromString("2.5"), Fees: decimal.RequireFromString("0.002")},
	})
	defer server.Close()

	stream := NewFillStream(wsURL(server), testAPIKey, testAPISecret, discardLogger())
	if err := stream.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer stream.Close()

	msg, err := stream.Await(context.Background(), "ord-9", 3*time.Second)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if msg.Status != OrderStatusFilled {
		t.Errorf("status = %q, want %q", msg.Status, OrderStatusFilled)
	}
	if !msg.FilledQuantity.Equal(decimal.RequireFromString("2.5")) {
		t.Errorf("filled quantity = %s, want 2.5", msg.FilledQuantity)
	}
	if !msg.Fees.Equal(decimal.RequireFromString("0.002")) {
		t.Errorf("fees = %s, want 0.002", msg.Fees)
	}
}

func TestFillStream_AwaitIgnoresOtherOrders(t *testing.T) {
	server := newFillServer(t, []fillMessage{
		{Type: "fill", OrderID: "other", Status: OrderStatusFilled, FilledQuantity: decimal.NewFromInt(9)},
	})
	defer server.Close()

	stream := NewFillStream(wsURL(server), testAPIKey, testAPISecret, discardLogger())
	if err := stream.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer stream.Close()

	_, err := stream.Await(context.Background(), "ord-9", 300*time.Millisecond)
	if !errors.Is(err, ErrAwaitTimeout) {
		t.Errorf("error = %v, want ErrAwaitTimeout", err)
	}
}

func TestFillStream_AwaitAfterClose(t *testing.T) {
	server := newFillServer(t, nil)
	defer server.Close()

	stream := NewFillStream(wsURL(server), testAPIKey, testAPISecret, discardLogger())
	if err := stream.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	stream.Close()

	_, err := stream.Await(context.Background(), "ord-9", time.Second)
	if !errors.Is(err, ErrStreamClosed) {
		t.Errorf("error = %v, want ErrStreamClosed", err)
	}
}
