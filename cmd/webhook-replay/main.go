// Command webhook-replay re-delivers archived webhook events to a running
// server. Providers keep event archives as JSONL exports (plain or gzipped,
// one raw event body per line); this tool re-signs each body with the current
// shared secret and POSTs it to the matching webhook endpoint. Reconciliation
// is idempotent, so replaying an archive over live traffic is safe.
package main

import (
	"bufio"
	"bytes"
	"context"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/platewise/pos/internal/courier"
	"github.com/platewise/pos/internal/processor"
)

const (
	channelPayment = "payment"
	channelCourier = "courier"

	// Archived event lines can be large; orders with many items produce
	// multi-kilobyte payloads.
	maxLineBytes = 1 << 20
)

func main() {
	var (
		input       string
		target      string
		channel     string
		secret      string
		concurrency int
	)

	flag.StringVar(&input, "input", "", "JSONL event archive, .gz accepted (or - for stdin)")
	flag.StringVar(&target, "target", "http://localhost:8080", "base URL of the running server")
	flag.StringVar(&channel, "channel", channelPayment, "webhook channel: payment or courier")
	flag.StringVar(&secret, "secret", "", "shared webhook secret for re-signing (or WEBHOOK_SECRET env)")
	flag.IntVar(&concurrency, "concurrency", 8, "number of concurrent deliveries")
	flag.Parse()

	if secret == "" {
		secret = os.Getenv("WEBHOOK_SECRET")
	}
	if input == "" || secret == "" {
		slog.Error("both --input and --secret (or WEBHOOK_SECRET) are required")
		os.Exit(1)
	}
	if channel != channelPayment && channel != channelCourier {
		slog.Error("unknown channel", slog.String("channel", channel))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, input, target, channel, secret, concurrency); err != nil {
		slog.Error("replay failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, input, target, channel, secret string, concurrency int) error {
	r, closeInput, err := openArchive(input)
	if err != nil {
		return err
	}
	defer closeInput()

	endpoint := strings.TrimRight(target, "/") + "/webhooks/" + channel

	var delivered, failed atomic.Int64
	client := &http.Client{Timeout: 30 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	var lines int64
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines++
		body := []byte(line)

		g.Go(func() error {
			if err := deliver(ctx, client, endpoint, channel, body, []byte(secret)); err != nil {
				failed.Add(1)
				slog.Warn("delivery failed", slog.String("error", err.Error()))
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "read archive")
	}
	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("replay complete",
		slog.Int64("events", lines),
		slog.Int64("delivered", delivered.Load()),
		slog.Int64("failed", failed.Load()),
	)
	if failed.Load() > 0 {
		return errors.Errorf("%d of %d deliveries failed", failed.Load(), lines)
	}
	return nil
}

// openArchive opens the input, transparently decompressing gzip files.
func openArchive(input string) (io.Reader, func(), error) {
	if input == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(input)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open %s", input)
	}
	if !strings.HasSuffix(input, ".gz") {
		return f, func() { _ = f.Close() }, nil
	}
	gz, err := pgzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, errors.Wrapf(err, "gzip %s", input)
	}
	return gz, func() {
		_ = gz.Close()
		_ = f.Close()
	}, nil
}

func deliver(ctx context.Context, client *http.Client, endpoint, channel string, body, secret []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	switch channel {
	case channelPayment:
		req.Header.Set("Pay-Signature", processor.Sign(body, secret, time.Now()))
	case channelCourier:
		req.Header.Set("X-Courier-Signature", courier.Sign(body, secret))
	}

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "post event")
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return errors.Errorf("endpoint answered %s", resp.Status)
	}
	return nil
}
