package main

import (
	"testing"
	"time"

	"github.com/telemyapp/aegis-sessions/internal/config"
	"github.com/telemyapp/aegis-sessions/internal/metrics"
	"github.com/telemyapp/aegis-sessions/internal/orchestrator"
)

func TestBuildOrchestrator_FakeProvider(t *testing.T) {
	got, err := buildOrchestrator(config.Config{OrchestratorProvider: config.ProviderFake}, metrics.NewRegistry())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, ok := got.(*orchestrator.FakeClient); !ok {
		t.Fatalf("expected *orchestrator.FakeClient, got %T", got)
	}
}

func TestBuildOrchestrator_HTTPProvider(t *testing.T) {
	cfg := config.Config{
		OrchestratorProvider: config.ProviderHTTP,
		AppSvcURL:            "http://appsvc.internal:8000",
		AppSvcConnectTimeout: 3 * time.Second,
		AppSvcOpTimeout:      10 * time.Second,
		AppSvcRunTimeout:     55 * time.Second,
	}
	got, err := buildOrchestrator(cfg, metrics.NewRegistry())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, ok := got.(*orchestrator.HTTPClient); !ok {
		t.Fatalf("expected *orchestrator.HTTPClient, got %T", got)
	}
}

func TestBuildOrchestrator_HTTPProviderRequiresURL(t *testing.T) {
	if _, err := buildOrchestrator(config.Config{OrchestratorProvider: config.ProviderHTTP}, metrics.NewRegistry()); err == nil {
		t.Fatal("expected error without appsvc url")
	}
}

func TestBuildOrchestrator_UnknownProvider(t *testing.T) {
	if _, err := buildOrchestrator(config.Config{OrchestratorProvider: "grpc"}, metrics.NewRegistry()); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
