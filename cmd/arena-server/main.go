package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kapu/codearena/internal/authx"
	appcfg "github.com/kapu/codearena/internal/config"
	"github.com/kapu/codearena/internal/connreg"
	"github.com/kapu/codearena/internal/duel"
	"github.com/kapu/codearena/internal/gateway"
	"github.com/kapu/codearena/internal/grace"
	"github.com/kapu/codearena/internal/judge"
	"github.com/kapu/codearena/internal/obslog"
	"github.com/kapu/codearena/internal/problems"
	"github.com/kapu/codearena/internal/profile"
	"github.com/kapu/codearena/internal/trivia"
)

const sweepInterval = 15 * time.Second

func main() {
	_ = godotenv.Load()

	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()

	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis url error: %v", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping error: %v", err)
	}
	defer rdb.Close()

	repo, err := profile.NewRepository(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("repository init error: %v", err)
	}
	defer repo.Close()

	pgStore := problems.NewStore(repo.DB())
	var sets problems.SetSource = pgStore
	if cfg.QuestionCatalogDir != "" {
		catalog, err := problems.LoadCatalog(cfg.QuestionCatalogDir)
		if err != nil {
			log.Fatalf("question catalog error: %v", err)
		}
		sets = catalog
	}

	judgeGW := judge.New(cfg.JudgeBaseURL, cfg.JudgeAPIKeys)

	reg := connreg.New()
	hub := gateway.NewHub(reg)
	gc := grace.New(reg, cfg.GraceWindow)

	duelMgr := duel.NewManager(rdb, judgeGW, pgStore, repo, hub, gc, cfg.RatingKDuel, cfg.DuelDuration)
	triviaMgr := trivia.NewManager(rdb, sets, repo, hub, gc, cfg.RatingKTrivia, cfg.TriviaDuration)

	auth := authx.NewClient(cfg.AuthBaseURL)
	srv := gateway.NewServer(auth, reg, hub, duelMgr, triviaMgr)

	mux := http.NewServeMux()
	mux.Handle("/ws", srv)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/history", historyHandler(auth, repo))

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		log.Fatalf("scheduler init error: %v", err)
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(sweepInterval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), sweepInterval)
			defer cancel()
			duelMgr.Sweep(ctx)
			triviaMgr.Sweep(ctx)
		}),
	); err != nil {
		log.Fatalf("sweep job error: %v", err)
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(time.Hour),
		gocron.NewTask(judgeGW.ResetCredentials),
	); err != nil {
		log.Fatalf("credential reset job error: %v", err)
	}
	sched.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		obslog.L().Info("arena_listen", zap.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		obslog.L().Info("arena_shutdown")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = sched.Shutdown()
		return httpSrv.Shutdown(shutCtx)
	})

	if err := g.Wait(); err != nil {
		obslog.L().Error("arena_exit", zap.Error(err))
		os.Exit(1)
	}
}

// historyHandler serves the caller's settled match history.
func historyHandler(auth authx.Verifier, repo *profile.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		ident, err := auth.Verify(r.Context(), token)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}
		recs, err := repo.History(r.Context(), ident.UserID, limit)
		if err != nil {
			obslog.L().Warn("history_read_error", zap.String("user_id", ident.UserID), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(recs)
	}
}
