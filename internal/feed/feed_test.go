package feed_test

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quantfold/papertrader/internal/feed"
	"github.com/quantfold/papertrader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func makeBar(symbol string, ts time.Time, close float64) types.Bar {
	price := decimal.NewFromFloat(close)
	return types.Bar{
		Symbol:    symbol,
		Timestamp: ts,
		Open:      price,
		High:      price.Mul(decimal.NewFromFloat(1.01)),
		Low:       price.Mul(decimal.NewFromFloat(0.99)),
		Close:     price,
		Volume:    decimal.NewFromInt(500),
	}
}

func TestSliceFeedReplaysInOrder(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	f := feed.NewSliceFeed([]types.Bar{
		makeBar("AAPL", base, 180),
		makeBar("AAPL", base.Add(time.Minute), 181),
		makeBar("AAPL", base.Add(2*time.Minute), 182),
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		bar, err := f.Next(ctx)
		if err != nil {
			t.Fatalf("bar %d: %v", i, err)
		}
		if bar.Symbol != "AAPL" {
			t.Errorf("expected AAPL, got %s", bar.Symbol)
		}
	}

	if _, err := f.Next(ctx); err != io.EOF {
		t.Errorf("expected io.EOF after last bar, got %v", err)
	}
}

func TestSliceFeedRejectsOutOfOrderTimestamps(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	f := feed.NewSliceFeed([]types.Bar{
		makeBar("AAPL", base.Add(time.Minute), 180),
		makeBar("AAPL", base, 181),
	})

	ctx := context.Background()
	if _, err := f.Next(ctx); err != nil {
		t.Fatalf("first bar: %v", err)
	}
	if _, err := f.Next(ctx); err == nil {
		t.Error("expected error for out-of-order timestamp")
	}
}

func TestSliceFeedRejectsNonPositivePrices(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	bad := makeBar("AAPL", base, 180)
	bad.Close = decimal.Zero

	f := feed.NewSliceFeed([]types.Bar{bad})
	if _, err := f.Next(context.Background()); err == nil {
		t.Error("expected error for zero close price")
	}
}

func TestSliceFeedInterleavedSymbols(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	f := feed.NewSliceFeed([]types.Bar{
		makeBar("AAPL", base, 180),
		makeBar("MSFT", base, 410),
		makeBar("AAPL", base.Add(time.Minute), 181),
		makeBar("MSFT", base.Add(time.Minute), 411),
	})

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := f.Next(ctx); err != nil {
			t.Fatalf("bar %d: %v", i, err)
		}
	}
}

func TestSliceFeedHonorsContextCancel(t *testing.T) {
	f := feed.NewSliceFeed([]types.Bar{
		makeBar("AAPL", time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC), 180),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Next(ctx); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestFileFeedStreamsJSONLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bars.jsonl")

	base := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	file, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc := json.NewEncoder(file)
	for i := 0; i < 3; i++ {
		if err := enc.Encode(makeBar("AAPL", base.Add(time.Duration(i)*time.Minute), 180+float64(i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := file.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := feed.NewFileFeed(zap.NewNop(), path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	ctx := context.Background()
	count := 0
	for {
		_, err := f.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("bar %d: %v", count, err)
		}
		count++
	}
	if count != 3 {
		t.Errorf("expected 3 bars, got %d", count)
	}
}

func TestFileFeedRejectsCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bars.jsonl")
	if err := os.WriteFile(path, []byte("{not json\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := feed.NewFileFeed(zap.NewNop(), path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if _, err := f.Next(context.Background()); err == nil {
		t.Error("expected decode error for corrupt record")
	}
}
