package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vietddude/txfees/internal/core/clock"
	"github.com/vietddude/txfees/internal/core/domain"
	"github.com/vietddude/txfees/internal/infra/chain"
	"github.com/vietddude/txfees/internal/infra/storage/memory"
	"github.com/vietddude/txfees/internal/leasing"
	"github.com/vietddude/txfees/internal/tracking"
)

const genesisTime = uint64(1700000000)

// fakeChain serves a dense chain of 12-second blocks 0..tip.
type fakeChain struct {
	mu         sync.Mutex
	tip        uint64
	txPerBlock map[uint64]int
	ranges     [][2]uint64
	failRanges int
}

func blockTimestamp(n uint64) uint64 { return genesisTime + n*12 }

func (c *fakeChain) header(n uint64) domain.Header {
	return domain.Header{
		Number:    n,
		Hash:      fmt.Sprintf("0xh%d", n),
		Timestamp: blockTimestamp(n),
	}
}

func (c *fakeChain) LatestHeader(context.Context) (domain.Header, error) {
	return c.header(c.tip), nil
}

func (c *fakeChain) HeaderByNumber(_ context.Context, n uint64) (domain.Header, error) {
	if n > c.tip {
		return domain.Header{}, fmt.Errorf("block %d: %w", n, domain.ErrNotFound)
	}
	return c.header(n), nil
}

func (c *fakeChain) SubscribeNewHeads(context.Context) (chain.HeadStream, error) {
	return nil, domain.ErrUnrecoverable
}

func (c *fakeChain) PoolTransactions(_ context.Context, from, to uint64, _ string) ([]domain.PoolTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failRanges > 0 {
		c.failRanges--
		return nil, fmt.Errorf("provider glitch: %w", domain.ErrTransient)
	}
	c.ranges = append(c.ranges, [2]uint64{from, to})
	var txs []domain.PoolTx
	for n := from; n <= to; n++ {
		for i := 0; i < c.txPerBlock[n]; i++ {
			txs = append(txs, domain.PoolTx{
				TxHash:      fmt.Sprintf("0xtx-%d-%d", n, i),
				BlockHash:   fmt.Sprintf("0xh%d", n),
				BlockNumber: n,
				GasUsed:     21000,
				GasPriceWei: decimal.New(50, 9),
			})
		}
	}
	return txs, nil
}

func (c *fakeChain) fetchedRanges() [][2]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][2]uint64(nil), c.ranges...)
}

type fixedPrice struct{ price decimal.Decimal }

func (p fixedPrice) GetOrSample(context.Context, domain.Header) (decimal.Decimal, error) {
	return p.price, nil
}

type harness struct {
	executor *Executor
	jobs     *memory.JobRepo
	fees     *memory.FeeRepo
	chain    *fakeChain
	store    *leasing.MemoryStore
	clk      *clock.Fake
}

func newHarness(t *testing.T, chainClient *fakeChain) *harness {
	t.Helper()
	storage := memory.NewStorage()
	jobs := memory.NewJobRepo(storage)
	fees := memory.NewFeeRepo(storage)

	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	leaseStore := leasing.NewMemoryStore(clk)
	coordinator := leasing.NewCoordinator(leaseStore, leasing.Config{
		TTL:           time.Minute,
		RenewInterval: time.Minute,
	})

	processor := tracking.NewProcessor(chainClient, fixedPrice{price: decimal.NewFromInt(3000)}, fees, "0xpool")
	resolver := NewResolver(chainClient, 12)
	exec := New(jobs, coordinator, processor, resolver, nil, Config{
		PollInterval: time.Millisecond,
		SubBatchSize: 5,
		ClaimLimit:   10,
		MaxRetries:   3,
		RetryBase:    time.Millisecond,
	})
	return &harness{
		executor: exec,
		jobs:     jobs,
		fees:     fees,
		chain:    chainClient,
		store:    leaseStore,
		clk:      clk,
	}
}

func TestExecutorCompletesJob(t *testing.T) {
	chainClient := &fakeChain{tip: 100, txPerBlock: map[uint64]int{12: 2, 17: 1}}
	h := newHarness(t, chainClient)

	// Window covering exactly blocks 10..20.
	id, err := h.jobs.Create(context.Background(), int64(blockTimestamp(10)), int64(blockTimestamp(20)))
	if err != nil {
		t.Fatal(err)
	}

	h.executor.sweep(context.Background(), 0)

	job, err := h.jobs.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed (reason %q)", job.Status, job.FailureReason)
	}
	if *job.StartBlock != 10 || *job.EndBlock != 20 {
		t.Errorf("range = [%d, %d], want [10, 20]", *job.StartBlock, *job.EndBlock)
	}
	if *job.Cursor != 20 {
		t.Errorf("cursor = %d, want 20", *job.Cursor)
	}

	want := [][2]uint64{{10, 14}, {15, 19}, {20, 20}}
	got := chainClient.fetchedRanges()
	if len(got) != len(want) {
		t.Fatalf("fetched ranges %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("fetched ranges %v, want %v", got, want)
		}
	}

	fee, err := h.fees.GetByTxHash(context.Background(), "0xtx-12-1")
	if err != nil || fee == nil {
		t.Fatalf("fee record missing: %v", err)
	}
	// 21000 gas x 50 gwei x 3000 USDT/ETH.
	if fee.FeeUSDT.String() != "3.15" {
		t.Errorf("fee = %s, want 3.15", fee.FeeUSDT)
	}
}

func TestExecutorResumesFromCursor(t *testing.T) {
	chainClient := &fakeChain{tip: 100, txPerBlock: map[uint64]int{}}
	h := newHarness(t, chainClient)

	// A job a dead worker left behind: running, range resolved, cursor
	// checkpointed at 14, lease expired.
	id, err := h.jobs.Create(context.Background(), int64(blockTimestamp(10)), int64(blockTimestamp(20)))
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := h.jobs.MarkRunning(context.Background(), id); !ok {
		t.Fatal("MarkRunning")
	}
	if ok, _ := h.jobs.ResolveRange(context.Background(), id, 10, 20); !ok {
		t.Fatal("ResolveRange")
	}
	if ok, _ := h.jobs.AdvanceCursor(context.Background(), id, 14); !ok {
		t.Fatal("AdvanceCursor")
	}

	h.executor.sweep(context.Background(), 0)

	job, _ := h.jobs.Get(context.Background(), id)
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	ranges := chainClient.fetchedRanges()
	if len(ranges) == 0 || ranges[0][0] != 15 {
		t.Fatalf("resume started at %v, want first fetch from block 15", ranges)
	}
	for _, r := range ranges {
		if r[0] <= 14 {
			t.Errorf("re-fetched already checkpointed range %v", r)
		}
	}
}

func TestExecutorSkipsLeasedJob(t *testing.T) {
	chainClient := &fakeChain{tip: 100, txPerBlock: map[uint64]int{}}
	h := newHarness(t, chainClient)

	id, err := h.jobs.Create(context.Background(), int64(blockTimestamp(10)), int64(blockTimestamp(20)))
	if err != nil {
		t.Fatal(err)
	}
	// Another live worker holds the lease.
	other := leasing.NewCoordinator(h.store, leasing.Config{TTL: time.Minute, RenewInterval: time.Minute})
	if err := other.TryClaim(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	h.executor.sweep(context.Background(), 0)

	job, _ := h.jobs.Get(context.Background(), id)
	if job.Status != domain.JobStatusPending {
		t.Fatalf("status = %s, want pending (job must not be touched)", job.Status)
	}
	if len(chainClient.fetchedRanges()) != 0 {
		t.Error("executor fetched blocks for a job it does not own")
	}
}

func TestExecutorFailsJobOutsideChain(t *testing.T) {
	chainClient := &fakeChain{tip: 100, txPerBlock: map[uint64]int{}}
	h := newHarness(t, chainClient)

	// Window entirely after the chain tip.
	after := int64(blockTimestamp(101))
	id, err := h.jobs.Create(context.Background(), after, after+600)
	if err != nil {
		t.Fatal(err)
	}

	h.executor.sweep(context.Background(), 0)

	job, _ := h.jobs.Get(context.Background(), id)
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if !strings.Contains(job.FailureReason, "chain tip") {
		t.Errorf("failure reason %q lacks cause", job.FailureReason)
	}
}

func TestExecutorRetriesTransientFailures(t *testing.T) {
	chainClient := &fakeChain{tip: 100, txPerBlock: map[uint64]int{12: 1}, failRanges: 2}
	h := newHarness(t, chainClient)

	id, err := h.jobs.Create(context.Background(), int64(blockTimestamp(10)), int64(blockTimestamp(14)))
	if err != nil {
		t.Fatal(err)
	}

	h.executor.sweep(context.Background(), 0)

	job, _ := h.jobs.Get(context.Background(), id)
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed after retries", job.Status)
	}
	fee, _ := h.fees.GetByTxHash(context.Background(), "0xtx-12-0")
	if fee == nil {
		t.Fatal("fee record missing after retried batch")
	}
}

func TestExecutorSuspendsAfterRetryExhaustion(t *testing.T) {
	chainClient := &fakeChain{tip: 100, txPerBlock: map[uint64]int{}, failRanges: 100}
	h := newHarness(t, chainClient)

	id, err := h.jobs.Create(context.Background(), int64(blockTimestamp(10)), int64(blockTimestamp(14)))
	if err != nil {
		t.Fatal(err)
	}

	h.executor.sweep(context.Background(), 0)

	// Transient exhaustion must not burn the job: it stays running with
	// its durable cursor for the next takeover.
	job, _ := h.jobs.Get(context.Background(), id)
	if job.Status != domain.JobStatusRunning {
		t.Fatalf("status = %s, want running", job.Status)
	}
}

func TestExecutorSweepPrioritizesWokenJob(t *testing.T) {
	chainClient := &fakeChain{tip: 100, txPerBlock: map[uint64]int{}}
	h := newHarness(t, chainClient)
	h.executor.cfg.ClaimLimit = 1

	// Two older jobs fill the claimable page ahead of the woken one.
	for i := 0; i < 2; i++ {
		if _, err := h.jobs.Create(context.Background(), int64(blockTimestamp(10)), int64(blockTimestamp(20))); err != nil {
			t.Fatal(err)
		}
	}
	woken, err := h.jobs.Create(context.Background(), int64(blockTimestamp(30)), int64(blockTimestamp(40)))
	if err != nil {
		t.Fatal(err)
	}

	h.executor.sweep(context.Background(), woken)

	// The wake-up must not wait for the backlog to drain.
	job, _ := h.jobs.Get(context.Background(), woken)
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("woken job status = %s, want completed", job.Status)
	}
	ranges := chainClient.fetchedRanges()
	if len(ranges) == 0 || ranges[0][0] != 30 {
		t.Fatalf("first fetch %v, want the woken job's range starting at 30", ranges)
	}
}

func TestResolverBlockAtOrAfter(t *testing.T) {
	chainClient := &fakeChain{tip: 1000}
	resolver := NewResolver(chainClient, 12)
	latest := chainClient.header(1000)

	cases := []struct {
		name string
		ts   uint64
		want uint64
	}{
		{"exact block timestamp", blockTimestamp(500), 500},
		{"between blocks rounds up", blockTimestamp(500) + 1, 501},
		{"before genesis", genesisTime - 100, 0},
		{"at tip", blockTimestamp(1000), 1000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := resolver.blockAtOrAfter(context.Background(), tc.ts, latest)
			if err != nil {
				t.Fatalf("blockAtOrAfter: %v", err)
			}
			if got != tc.want {
				t.Errorf("blockAtOrAfter(%d) = %d, want %d", tc.ts, got, tc.want)
			}
		})
	}
}

func TestResolverResolveRange(t *testing.T) {
	chainClient := &fakeChain{tip: 1000}
	resolver := NewResolver(chainClient, 12)

	// End mid-way between block 20 and 21: last covered block is 20.
	start, end, err := resolver.ResolveRange(
		context.Background(),
		int64(blockTimestamp(10)),
		int64(blockTimestamp(20))+5,
	)
	if err != nil {
		t.Fatalf("ResolveRange: %v", err)
	}
	if start != 10 || end != 20 {
		t.Errorf("range = [%d, %d], want [10, 20]", start, end)
	}

	// End beyond the tip clamps to the tip.
	start, end, err = resolver.ResolveRange(
		context.Background(),
		int64(blockTimestamp(990)),
		int64(blockTimestamp(1000))+600,
	)
	if err != nil {
		t.Fatalf("ResolveRange: %v", err)
	}
	if start != 990 || end != 1000 {
		t.Errorf("range = [%d, %d], want [990, 1000]", start, end)
	}
}
