package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	ListenAddr string

	RedisURL    string
	DatabaseURL string

	AuthBaseURL string

	JudgeBaseURL string
	JudgeAPIKeys []string

	DuelDuration   time.Duration
	TriviaDuration time.Duration
	GraceWindow    time.Duration

	RatingKDuel   int
	RatingKTrivia int

	QuestionCatalogDir string
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:     ":8085",
		DuelDuration:   30 * time.Minute,
		TriviaDuration: 3 * time.Minute,
		GraceWindow:    5 * time.Second,
		RatingKDuel:    32,
		RatingKTrivia:  32,
	}

	if v := strings.TrimSpace(os.Getenv("ARENA_LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}

	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.AuthBaseURL = strings.TrimSpace(os.Getenv("AUTH_BASE_URL"))
	cfg.JudgeBaseURL = strings.TrimSpace(os.Getenv("JUDGE_BASE_URL"))

	if v := strings.TrimSpace(os.Getenv("JUDGE_API_KEYS")); v != "" {
		for _, p := range strings.Split(v, ",") {
			s := strings.TrimSpace(p)
			if s != "" {
				cfg.JudgeAPIKeys = append(cfg.JudgeAPIKeys, s)
			}
		}
	}

	if v := strings.TrimSpace(os.Getenv("DUEL_DURATION")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.DuelDuration = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("TRIVIA_DURATION")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.TriviaDuration = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("GRACE_WINDOW")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.GraceWindow = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("RATING_K_DUEL")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RatingKDuel = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("RATING_K_TRIVIA")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RatingKTrivia = n
		}
	}
	cfg.QuestionCatalogDir = strings.TrimSpace(os.Getenv("QUESTION_CATALOG_DIR"))

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.JudgeBaseURL == "" {
		return nil, errors.New("JUDGE_BASE_URL is required")
	}
	if len(cfg.JudgeAPIKeys) == 0 {
		return nil, errors.New("JUDGE_API_KEYS is required")
	}

	return cfg, nil
}
