package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

func rpcServer(t *testing.T, results map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		method := gjson.GetBytes(body, "method").String()
		id := gjson.GetBytes(body, "id").Raw
		result, ok := results[method]
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"error":{"code":-32601,"message":"method not found"}}`, id)
			return
		}
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%s}`, id, result)
	}))
}

func TestClientSlotAndPing(t *testing.T) {
	srv := rpcServer(t, map[string]string{"getSlot": "123456"})
	defer srv.Close()

	c := New(srv.URL, solana.NewWallet().PrivateKey, Config{}, zap.NewNop())
	slot, err := c.Slot(context.Background())
	if err != nil {
		t.Fatalf("slot: %v", err)
	}
	if slot != 123456 {
		t.Fatalf("expected slot 123456, got %d", slot)
	}
	latency, err := c.Ping(context.Background())
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if latency <= 0 {
		t.Fatalf("expected positive latency, got %v", latency)
	}
}

func TestWalletSOLBalance(t *testing.T) {
	srv := rpcServer(t, map[string]string{
		"getBalance": `{"context":{"slot":1},"value":2500000000}`,
	})
	defer srv.Close()

	c := New(srv.URL, solana.NewWallet().PrivateKey, Config{}, zap.NewNop())
	sol, err := NewWalletBalance(c).SOL(context.Background())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if sol != 2.5 {
		t.Fatalf("expected 2.5 SOL, got %v", sol)
	}
}

func TestBuildTransactionSignsWithPayer(t *testing.T) {
	wallet := solana.NewWallet()
	c := New("http://127.0.0.1:0", wallet.PrivateKey, Config{}, zap.NewNop())
	ix := solana.NewInstruction(solana.SystemProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(wallet.PublicKey(), true, true),
	}, []byte{2, 0, 0, 0})
	tx, err := c.BuildTransaction([]solana.Instruction{ix}, nil, solana.Hash{1})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(tx.Signatures) != 1 {
		t.Fatalf("expected one signature, got %d", len(tx.Signatures))
	}
	if !tx.Message.AccountKeys[0].Equals(wallet.PublicKey()) {
		t.Fatalf("expected payer first, got %s", tx.Message.AccountKeys[0])
	}
}

func TestDecodeLookupTable(t *testing.T) {
	a := solana.NewWallet().PublicKey()
	b := solana.NewWallet().PublicKey()
	data := make([]byte, lookupTableHeaderSize)
	data = append(data, a[:]...)
	data = append(data, b[:]...)

	addrs, err := DecodeLookupTable(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(addrs) != 2 || !addrs[0].Equals(a) || !addrs[1].Equals(b) {
		t.Fatalf("unexpected addresses %v", addrs)
	}
	if _, err := DecodeLookupTable(data[:10]); err == nil {
		t.Fatalf("expected error for short data")
	}
	if _, err := DecodeLookupTable(data[:len(data)-1]); err == nil {
		t.Fatalf("expected error for unaligned data")
	}
}

func TestIsRPCError(t *testing.T) {
	if IsRPCError(nil) {
		t.Fatalf("nil is not an rpc error")
	}
	if IsRPCError(&SimulationError{Err: "custom program error"}) {
		t.Fatalf("simulation failure is not an rpc error")
	}
	if !IsRPCError(fmt.Errorf("get slot: %w", io.EOF)) {
		t.Fatalf("expected EOF to count as rpc error")
	}
}

func TestSlotWatcherTracksNotifications(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	subscribed := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept ws: %v", err)
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg map[string]any
		_ = json.Unmarshal(data, &msg)
		method, _ := msg["method"].(string)
		subscribed <- method
		for _, slot := range []uint64{10, 12, 11} {
			note := fmt.Sprintf(`{"jsonrpc":"2.0","method":"slotNotification","params":{"result":{"parent":%d,"root":%d,"slot":%d},"subscription":0}}`, slot-1, slot-32, slot)
			if err := conn.Write(ctx, websocket.MessageText, []byte(note)); err != nil {
				return
			}
		}
		<-ctx.Done()
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	watcher := NewSlotWatcher(NewStream(wsURL, 10*time.Millisecond, 0, zap.NewNop()))
	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go func() { _ = watcher.Run(runCtx) }()

	select {
	case method := <-subscribed:
		if method != "slotSubscribe" {
			t.Fatalf("expected slotSubscribe, got %q", method)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for subscription")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if slot, at := watcher.Last(); slot == 12 && !at.IsZero() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	slot, _ := watcher.Last()
	t.Fatalf("expected slot 12 after notifications, got %d", slot)
}
