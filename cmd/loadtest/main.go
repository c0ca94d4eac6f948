package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"teamchat/internal/backend"
	"teamchat/internal/chat"
	"teamchat/internal/config"
	"teamchat/internal/models"
	"teamchat/internal/notify"
)

type OperationType int

const (
	WriteOperation OperationType = iota
	ReadOperation
)

type Stats struct {
	sync.Mutex
	totalRequests   int64
	successRequests int64
	failedRequests  int64
	totalLatency    time.Duration
	maxLatency      time.Duration
	minLatency      time.Duration
	writeLatencies  []time.Duration
	readLatencies   []time.Duration
}

func (s *Stats) recordSuccess(latency time.Duration, opType OperationType) {
	s.Lock()
	defer s.Unlock()
	s.totalRequests++
	s.successRequests++
	s.totalLatency += latency
	if latency > s.maxLatency {
		s.maxLatency = latency
	}
	if s.minLatency == 0 || latency < s.minLatency {
		s.minLatency = latency
	}

	switch opType {
	case WriteOperation:
		s.writeLatencies = append(s.writeLatencies, latency)
	case ReadOperation:
		s.readLatencies = append(s.readLatencies, latency)
	}
}

func (s *Stats) recordError() {
	s.Lock()
	defer s.Unlock()
	s.totalRequests++
	s.failedRequests++
}

func p99(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	index := int(float64(len(sorted)) * 0.99)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

type options struct {
	users      int
	groups     int
	rate       float64
	duration   time.Duration
	settle     time.Duration
	writeRatio float64
}

// participant is one simulated user: an API client and the engine
// session driven through it.
type participant struct {
	client  *backend.Client
	user    models.User
	session *chat.Session
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var opts options
	flagSet := pflag.NewFlagSet("teamchat-loadtest", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.BackendURL, "url", cfg.BackendURL, "server base URL")
	flagSet.IntVar(&opts.users, "users", 20, "number of simulated users")
	flagSet.IntVar(&opts.groups, "groups", 3, "group conversations shared by every user")
	flagSet.Float64Var(&opts.rate, "rate", 1, "actions per second per user")
	flagSet.DurationVar(&opts.duration, "duration", 30*time.Second, "simulation length")
	flagSet.DurationVar(&opts.settle, "settle", 3*time.Second, "wait for the change feed to drain before checking")
	flagSet.Float64Var(&opts.writeRatio, "write-ratio", 0.5, "share of actions that send a message")
	flagSet.BoolVar(&cfg.OptimisticSend, "optimistic", cfg.OptimisticSend, "show pending entries for outgoing messages")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.users < 2 || opts.groups < 1 || opts.rate <= 0 {
		return errors.New("need at least 2 users, 1 group and a positive rate")
	}

	logger, err := cfg.NewLogger(os.Stderr)
	if err != nil {
		return err
	}

	var notifier chat.Notifier = notify.LogNotifier{Logger: logger.With("component", "notify")}
	if cfg.NATSURL != "" {
		natsNotifier, err := notify.Connect(cfg.NATSURL, cfg.NATSSubjectPrefix, logger)
		if err != nil {
			return err
		}
		defer natsNotifier.Close()
		notifier = natsNotifier
	}

	ctx := context.Background()
	logger.Info("starting load test",
		"url", cfg.BackendURL, "users", opts.users, "groups", opts.groups,
		"rate", opts.rate, "duration", opts.duration)
	logger.Info("start the server with --loadtest to use a separate database")

	participants, err := registerParticipants(ctx, cfg.BackendURL, opts.users)
	if err != nil {
		return err
	}

	memberIDs := make([]string, 0, len(participants)-1)
	for _, p := range participants[1:] {
		memberIDs = append(memberIDs, p.user.ID)
	}
	for i := 0; i < opts.groups; i++ {
		_, err := participants[0].client.CreateConversation(ctx, models.CreateConversationRequest{
			Name:    fmt.Sprintf("LoadTest Conversation %d", i),
			IsGroup: true,
			Members: memberIDs,
		})
		if err != nil {
			return fmt.Errorf("creating conversation %d: %w", i, err)
		}
	}

	for _, p := range participants {
		session, err := chat.New(chat.Config{
			Viewer:         backend.Viewer(p.user),
			Backend:        p.client,
			Profiles:       p.client,
			Notifier:       notifier,
			Logger:         logger.With("user_id", p.user.ID),
			OptimisticSend: cfg.OptimisticSend,
		})
		if err != nil {
			return err
		}
		if err := session.Start(ctx); err != nil {
			return fmt.Errorf("starting session for %s: %w", p.user.Username, err)
		}
		defer session.Close()
		p.session = session
	}
	logger.Info("sessions started", "count", len(participants))

	stats := &Stats{}
	start := time.Now()
	var wg sync.WaitGroup
	for i, p := range participants {
		wg.Add(1)
		go func(p *participant, seed int64) {
			defer wg.Done()
			simulate(ctx, p, opts, rand.New(rand.NewSource(seed)), stats, logger)
		}(p, int64(i))
	}
	wg.Wait()
	duration := time.Since(start)

	logger.Info("simulation finished, waiting for the change feed to settle", "settle", opts.settle)
	time.Sleep(opts.settle)
	mismatches := checkConvergence(ctx, participants, logger)

	stats.Lock()
	average := time.Duration(0)
	if stats.successRequests > 0 {
		average = stats.totalLatency / time.Duration(stats.successRequests)
	}
	logger.Info("load test results",
		"total_requests", stats.totalRequests,
		"successful_requests", stats.successRequests,
		"failed_requests", stats.failedRequests,
		"average_latency", average,
		"min_latency", stats.minLatency,
		"max_latency", stats.maxLatency,
		"p99_write_latency", p99(stats.writeLatencies),
		"p99_read_latency", p99(stats.readLatencies),
		"requests_per_second", float64(stats.totalRequests)/duration.Seconds(),
		"duration", duration,
		"unread_mismatches", mismatches)
	stats.Unlock()

	if mismatches > 0 {
		return fmt.Errorf("%d unread counters diverged from the backend", mismatches)
	}
	return nil
}

func registerParticipants(ctx context.Context, baseURL string, count int) ([]*participant, error) {
	run := uuid.NewString()[:8]
	participants := make([]*participant, count)
	var wg sync.WaitGroup
	errs := make(chan error, count)
	for i := range participants {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			client := backend.New(baseURL)
			username := fmt.Sprintf("loadtest_%s_%d", run, i)
			_, err := client.Register(ctx, models.RegisterRequest{
				Username:       username,
				Password:       "testpass123",
				DisplayName:    fmt.Sprintf("Load User %d", i),
				Avatar:         fmt.Sprintf("https://avatar.com/%d", i),
				OrganizationID: "loadtest-" + run,
			})
			if err != nil {
				errs <- fmt.Errorf("failed to register user %d: %w", i, err)
				return
			}
			login, err := client.Login(ctx, username, "testpass123")
			if err != nil {
				errs <- fmt.Errorf("failed to log in user %d: %w", i, err)
				return
			}
			participants[i] = &participant{client: client, user: login.User}
		}(i)
	}
	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		return nil, err
	}
	return participants, nil
}

// simulate performs random actions: sending (with a typing burst first),
// or opening a conversation, which loads it and marks it read.
func simulate(ctx context.Context, p *participant, opts options, rng *rand.Rand, stats *Stats, logger *slog.Logger) {
	ticker := time.NewTicker(time.Duration(float64(time.Second) / opts.rate))
	defer ticker.Stop()
	endTime := time.Now().Add(opts.duration)

	for time.Now().Before(endTime) {
		<-ticker.C
		conversations := p.session.Conversations()
		if len(conversations) == 0 {
			continue
		}
		conversation := conversations[rng.Intn(len(conversations))]

		if rng.Float64() < opts.writeRatio {
			if err := p.session.StartTyping(ctx, conversation.ID); err != nil {
				logger.Debug("typing failed", "error", err)
			}
			start := time.Now()
			_, err := p.session.SendMessage(ctx, conversation.ID, chat.SendRequest{
				Content: fmt.Sprintf("Test message from %s at %s", p.user.Username, time.Now().Format(time.RFC3339)),
			})
			if err != nil {
				stats.recordError()
				logger.Warn("send failed", "user_id", p.user.ID, "error", err)
				continue
			}
			stats.recordSuccess(time.Since(start), WriteOperation)
			continue
		}

		start := time.Now()
		if err := p.session.OpenConversation(ctx, conversation.ID); err != nil {
			stats.recordError()
			logger.Warn("open failed", "user_id", p.user.ID, "error", err)
			continue
		}
		stats.recordSuccess(time.Since(start), ReadOperation)
		if rng.Intn(2) == 0 {
			p.session.CloseConversation()
		}
	}
	p.session.CloseConversation()
}

// checkConvergence compares every session's unread counters with a
// recount from the backend and reports how many differ.
func checkConvergence(ctx context.Context, participants []*participant, logger *slog.Logger) int {
	mismatches := 0
	for _, p := range participants {
		views, err := p.client.ListConversations(ctx)
		if err != nil {
			logger.Error("listing conversations failed", "user_id", p.user.ID, "error", err)
			mismatches++
			continue
		}
		for _, view := range views {
			want, err := p.client.CountUnread(ctx, view.Conversation.ID, view.Membership.LastReadAt)
			if err != nil {
				logger.Error("recount failed", "conversation_id", view.Conversation.ID, "error", err)
				mismatches++
				continue
			}
			got, ok := p.session.Conversation(view.Conversation.ID)
			if !ok || got.UnreadCount != want.Count {
				mismatches++
				logger.Warn("unread counter diverged",
					"user_id", p.user.ID,
					"conversation_id", view.Conversation.ID,
					"session", got.UnreadCount,
					"backend", want.Count)
			}
		}
	}
	return mismatches
}
