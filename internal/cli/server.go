package cli

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"quiz-access-service/internal/app"
	"quiz-access-service/internal/auth"
	"quiz-access-service/internal/config"
	"quiz-access-service/internal/domain"
	"quiz-access-service/internal/infra/memory"
	"quiz-access-service/internal/infra/postgres"
	redisstore "quiz-access-service/internal/infra/redis"
	"quiz-access-service/internal/logging"
	"quiz-access-service/internal/metrics"
	transport "quiz-access-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz access server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

type stores struct {
	quizzes  app.QuizRepository
	attempts app.AttemptRepository
	results  app.ResultRepository
	closers  []io.Closer
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i].Close()
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging())
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwtSecret not configured")
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	clock := clockwork.NewRealClock()

	service := app.NewQuizService(st.quizzes, st.attempts, st.results,
		app.WithClock(clock),
		app.WithLogger(logger),
		app.WithMetrics(m),
		app.WithBands(cfg.ResultBands()),
		app.WithInstructionsLead(cfg.InstructionsLead()),
		app.WithSubmitGrace(config.TTLDuration(cfg.Quiz.SubmitGrace, app.DefaultSubmitGrace)),
	)
	authSvc := auth.NewService(cfg.Auth.JWTSecret, config.TTLDuration(cfg.Auth.TokenTTL, 0), clock)

	handler := transport.NewRouter(transport.Deps{
		Service:    service,
		Auth:       authSvc,
		Metrics:    m,
		Gatherer:   reg,
		Logger:     logger,
		Clock:      clock,
		Policy:     cfg.PollerPolicy(),
		TrustProxy: cfg.Server.TrustProxy,
		EntryRate:  rate.Limit(cfg.Quiz.EntryRate / 60),
		EntryBurst: cfg.Quiz.EntryBurst,
	})

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting quiz access service", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
		return err
	case <-ctx.Done():
		logger.Info("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// openStores picks Postgres for durable attempts and results when configured, else
// Redis, else process memory. Quiz definitions are cached in Redis when available.
func openStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (*stores, error) {
	st := &stores{}
	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		st.closers = append(st.closers, redisClient)
	}

	var loader memory.QuizLoader = memory.NewStaticQuizLoader(sampleQuizzes(time.Now()))
	switch {
	case cfg.Postgres.URL != "":
		db := postgres.OpenBun(cfg.Postgres.URL)
		st.closers = append(st.closers, db)
		if _, err := postgres.Migrate(ctx, db); err != nil {
			st.Close()
			return nil, err
		}
		pool, err := postgres.OpenPool(ctx, cfg.Postgres.URL)
		if err != nil {
			st.Close()
			return nil, err
		}
		st.closers = append(st.closers, closerFunc(pool.Close))
		loader = postgres.NewQuizLoader(pool)
		st.attempts = postgres.NewAttemptStore(db)
		st.results = postgres.NewResultStore(db)
		logger.Info("using postgres stores")
	case redisClient != nil:
		// attempts live as long as the results they are submitted into
		st.attempts = redisstore.NewAttemptStore(redisClient, 0)
		st.results = redisstore.NewResultStore(redisClient)
		logger.Info("using redis stores")
	default:
		st.attempts = memory.NewAttemptStore()
		st.results = memory.NewResultStore()
		logger.Warn("using in-memory stores; attempts and results are lost on restart")
	}

	if redisClient != nil {
		st.quizzes = redisstore.NewQuizRepository(redisClient, loader, quizTTL, logger)
	} else {
		st.quizzes = memory.NewQuizRepository(loader, quizTTL)
	}
	return st, nil
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

// sampleQuizzes seeds the in-memory loader so the service is usable without a database.
func sampleQuizzes(now time.Time) map[string]domain.Quiz {
	start := now.Truncate(time.Hour).Add(time.Hour)
	expected := "4"
	return map[string]domain.Quiz{
		"quiz-1": {
			ID:              "quiz-1",
			Title:           "Sample quiz",
			StartTime:       start,
			EndTime:         start.Add(time.Hour),
			DurationSeconds: 1800,
			Status:          domain.StatusActive,
			PublishResult:   true,
			Questions: []domain.Question{
				{
					ID:     "q1",
					Type:   domain.TypeMCQ,
					Prompt: "What is 2 + 2?",
					Mark:   1,
					Options: []domain.Option{
						{ID: "o1", Text: "3"},
						{ID: "o2", Text: "4"},
						{ID: "o3", Text: "5"},
					},
					CorrectOptions: []string{"o2"},
				},
				{
					ID:             "q2",
					Type:           domain.TypeFillInBlank,
					Prompt:         "2 + 2 = ?",
					Mark:           1,
					ExpectedAnswer: &expected,
				},
				{
					ID:     "q3",
					Type:   domain.TypeDescriptive,
					Prompt: "Explain addition.",
					Mark:   3,
				},
			},
		},
	}
}
