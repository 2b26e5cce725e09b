package evm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/txfees/internal/core/domain"
	"github.com/vietddude/txfees/internal/infra/rpc"
)

type fakeCaller struct {
	mu        sync.Mutex
	responses map[string]json.RawMessage
	calls     map[string]int
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{
		responses: make(map[string]json.RawMessage),
		calls:     make(map[string]int),
	}
}

func (f *fakeCaller) set(method string, params string, resp string) {
	f.responses[method+"|"+params] = json.RawMessage(resp)
}

func (f *fakeCaller) Call(_ context.Context, method string, params any) (json.RawMessage, error) {
	raw, _ := json.Marshal(params)
	key := method + "|" + string(raw)
	f.mu.Lock()
	f.calls[method]++
	resp, ok := f.responses[key]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unexpected call %s", key)
	}
	return resp, nil
}

func TestHeaderByNumber(t *testing.T) {
	caller := newFakeCaller()
	caller.set("eth_getBlockByNumber", `["0x64",false]`,
		`{"number":"0x64","hash":"0xabc","parentHash":"0xdef","timestamp":"0x68a00000"}`)

	adapter := NewAdapter(caller, "")
	header, err := adapter.HeaderByNumber(context.Background(), 100)
	if err != nil {
		t.Fatalf("HeaderByNumber: %v", err)
	}
	if header.Number != 100 || header.Hash != "0xabc" || header.ParentHash != "0xdef" {
		t.Errorf("unexpected header: %+v", header)
	}
	if header.Timestamp != 0x68a00000 {
		t.Errorf("timestamp = %d, want %d", header.Timestamp, 0x68a00000)
	}
}

func TestHeaderByNumberNotCommitted(t *testing.T) {
	caller := newFakeCaller()
	caller.set("eth_getBlockByNumber", `["0x64",false]`, `null`)

	adapter := NewAdapter(caller, "")
	_, err := adapter.HeaderByNumber(context.Background(), 100)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPoolTransactions(t *testing.T) {
	caller := newFakeCaller()
	// Two logs for the same tx plus one for another: dedupe to two txs.
	caller.set("eth_getLogs",
		`[{"address":"0xpool","fromBlock":"0xa","toBlock":"0xb"}]`,
		`[
			{"transactionHash":"0x1","blockHash":"0xb1","blockNumber":"0xa"},
			{"transactionHash":"0x1","blockHash":"0xb1","blockNumber":"0xa"},
			{"transactionHash":"0x2","blockHash":"0xb2","blockNumber":"0xb"}
		]`)
	caller.set("eth_getTransactionReceipt", `["0x1"]`,
		`{"gasUsed":"0x5208","effectiveGasPrice":"0xba43b7400"}`)
	caller.set("eth_getTransactionReceipt", `["0x2"]`,
		`{"gasUsed":"0x5208","gasPrice":"0x3b9aca00"}`)

	adapter := NewAdapter(caller, "")
	txs, err := adapter.PoolTransactions(context.Background(), 10, 11, "0xPOOL")
	if err != nil {
		t.Fatalf("PoolTransactions: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("got %d txs, want 2", len(txs))
	}
	if txs[0].TxHash != "0x1" || txs[0].GasUsed != 21000 {
		t.Errorf("tx[0] = %+v", txs[0])
	}
	if txs[0].GasPriceWei.String() != "50000000000" {
		t.Errorf("tx[0] gas price = %s, want 50000000000", txs[0].GasPriceWei)
	}
	// Falls back to gasPrice when effectiveGasPrice is absent.
	if txs[1].GasPriceWei.String() != "1000000000" {
		t.Errorf("tx[1] gas price = %s, want 1000000000", txs[1].GasPriceWei)
	}
	if got := caller.calls["eth_getTransactionReceipt"]; got != 2 {
		t.Errorf("receipt calls = %d, want 2", got)
	}
}

func TestPoolTransactionsEmptyRange(t *testing.T) {
	caller := newFakeCaller()
	caller.set("eth_getLogs",
		`[{"address":"0xpool","fromBlock":"0xa","toBlock":"0xb"}]`,
		`[]`)

	adapter := NewAdapter(caller, "")
	txs, err := adapter.PoolTransactions(context.Background(), 10, 11, "0xpool")
	if err != nil {
		t.Fatalf("PoolTransactions: %v", err)
	}
	if len(txs) != 0 {
		t.Fatalf("got %d txs, want 0", len(txs))
	}
}

type fakeHeadSource struct {
	heads  chan rpc.HeadNotification
	closed bool
}

func (f *fakeHeadSource) Heads() <-chan rpc.HeadNotification { return f.heads }
func (f *fakeHeadSource) Err() error                         { return nil }
func (f *fakeHeadSource) Close()                             { f.closed = true }

func TestHeadStreamCloseUnblocksPump(t *testing.T) {
	source := &fakeHeadSource{heads: make(chan rpc.HeadNotification, 128)}
	for i := 0; i < 128; i++ {
		source.heads <- rpc.HeadNotification{
			Number:    fmt.Sprintf("0x%x", i),
			Hash:      fmt.Sprintf("0xh%d", i),
			Timestamp: "0x6553f100",
		}
	}
	close(source.heads)

	stream := newHeadStream(source, slog.Default())
	pumped := make(chan struct{})
	go func() {
		stream.pump()
		close(pumped)
	}()

	// Consume one head, then walk away with a backlog far past the
	// channel buffer. Close must still let pump exit.
	<-stream.Heads()
	stream.Close()

	select {
	case <-pumped:
	case <-time.After(5 * time.Second):
		t.Fatal("pump stayed blocked after Close")
	}
	if !source.closed {
		t.Error("Close did not reach the underlying subscription")
	}
}
