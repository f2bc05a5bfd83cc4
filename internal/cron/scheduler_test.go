package cron

import (
	"testing"

	"github.com/KyouP/llm-ron-bot/internal/config"
)

func cfgWith(jobs ...config.CronJob) func() *config.Config {
	cfg := config.Default()
	cfg.Cron.Jobs = jobs
	return func() *config.Config { return cfg }
}

func TestValidateAcceptsStandardExpressions(t *testing.T) {
	s := New(nil, cfgWith(
		config.CronJob{Name: "hourly", Schedule: "0 * * * *", Message: "check in"},
		config.CronJob{Name: "daily", Schedule: "@daily", Message: "summary"},
	), nil)
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsBadExpression(t *testing.T) {
	s := New(nil, cfgWith(
		config.CronJob{Name: "broken", Schedule: "not a schedule", Message: "x"},
	), nil)
	err := s.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestValidateEmptyJobs(t *testing.T) {
	s := New(nil, cfgWith(), nil)
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate with no jobs: %v", err)
	}
}
