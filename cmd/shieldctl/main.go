/*
 * Copyright (c) 2025, ContractShield contributors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

// shieldctl validates ContractShield inputs and runs a demo server with the
// middleware installed.
//
// Usage:
//
//	shieldctl check -policy policy.yaml [-openapi openapi.yaml]
//	shieldctl serve -config shieldctl.toml
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/contractshield/contractshield-go/cel"
	"github.com/contractshield/contractshield-go/core"
	"github.com/contractshield/contractshield-go/internal/config"
	"github.com/contractshield/contractshield-go/internal/metrics"
	"github.com/contractshield/contractshield-go/internal/tracing"
	"github.com/contractshield/contractshield-go/openapi"
	"github.com/contractshield/contractshield-go/policy"
	"github.com/contractshield/contractshield-go/shield"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "check":
		os.Exit(runCheck(os.Args[2:]))
	case "serve":
		os.Exit(runServe(os.Args[2:]))
	case "version":
		fmt.Printf("shieldctl %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  shieldctl check -policy <policy.yaml> [-openapi <openapi.yaml>]")
	fmt.Fprintln(os.Stderr, "  shieldctl serve -config <shieldctl.toml>")
	fmt.Fprintln(os.Stderr, "  shieldctl version")
}

// runCheck loads and validates the policy and OpenAPI inputs without
// starting anything.
func runCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	policyPath := fs.String("policy", "", "Path to the policy YAML/JSON file")
	openapiPath := fs.String("openapi", "", "Path to the OpenAPI 3.x document")
	_ = fs.Parse(args)

	if *policyPath == "" && *openapiPath == "" {
		fmt.Fprintln(os.Stderr, "Error: at least one of -policy or -openapi is required")
		return 2
	}

	failed := false
	if *policyPath != "" {
		set, err := policy.LoadFile(*policyPath)
		if err == nil {
			err = set.Validate()
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "policy %s: INVALID: %v\n", *policyPath, err)
			failed = true
		} else {
			fmt.Printf("policy %s: OK (%d routes, mode %s)\n", *policyPath, len(set.Routes), set.Defaults.Mode)
		}
	}
	if *openapiPath != "" {
		spec, err := openapi.LoadFile(*openapiPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "openapi %s: INVALID: %v\n", *openapiPath, err)
			failed = true
		} else {
			fmt.Printf("openapi %s: OK (%s, %d paths)\n", *openapiPath, spec.Title, len(spec.Routes))
		}
	}
	if failed {
		return 1
	}
	return 0
}

// runServe starts a demo HTTP server with the middleware installed in front
// of an echo handler.
func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to the shieldctl TOML configuration")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	metrics.SetEnabled(cfg.Metrics.Enabled)
	metrics.Init()

	logger := setupLogger(cfg)
	slog.SetDefault(logger)
	ctx := context.Background()

	slog.InfoContext(ctx, "shieldctl starting",
		"version", Version,
		"git_commit", GitCommit,
		"build_date", BuildDate,
		"port", cfg.Server.Port,
		"mode", cfg.Shield.Mode)

	tracingShutdown, err := tracing.Init(tracing.Config{
		Enabled:            cfg.Tracing.Enabled,
		Endpoint:           cfg.Tracing.Endpoint,
		Insecure:           cfg.Tracing.Insecure,
		ServiceName:        cfg.Shield.Service,
		ServiceVersion:     cfg.Tracing.ServiceVersion,
		SamplingRate:       cfg.Tracing.SamplingRate,
		BatchTimeout:       cfg.Tracing.BatchTimeout,
		MaxExportBatchSize: cfg.Tracing.MaxExportBatchSize,
	})
	if err != nil {
		slog.ErrorContext(ctx, "Failed to initialize tracer", "error", err)
		return 1
	}
	defer tracingShutdown()

	s, err := buildShield(cfg, logger)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to initialize middleware", "error", err)
		return 1
	}
	defer s.Close()

	mux := http.NewServeMux()
	mux.Handle("/", s.Middleware(http.HandlerFunc(echoHandler)))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Port)
		go func() {
			if err := metricsServer.Start(ctx); err != nil {
				slog.ErrorContext(ctx, "Metrics server error", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "HTTP server listening", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		slog.InfoContext(ctx, "Shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "HTTP server error", "error", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "HTTP server shutdown error", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "Metrics server shutdown error", "error", err)
		}
	}
	return 0
}

// buildShield translates the file configuration into the middleware config.
func buildShield(cfg *config.Config, logger *slog.Logger) (*shield.Shield, error) {
	sc := shield.DefaultConfig()
	sc.PolicyFile = cfg.Shield.PolicyFile
	sc.OpenAPIFile = cfg.Shield.OpenAPIFile
	sc.ValidateRequest = cfg.Shield.ValidateRequest
	sc.EnableVulnerabilityScan = cfg.Shield.EnableVulnerabilityScan
	sc.LogDecisions = cfg.Shield.LogDecisions
	sc.Mode = core.Mode(cfg.Shield.Mode)
	sc.BlockResponseCode = cfg.Shield.BlockResponseCode
	sc.MaxBodySize = cfg.Shield.MaxBodySize
	sc.ExcludePaths = cfg.Shield.ExcludePaths
	sc.LearningOutputPath = cfg.Shield.LearningOutputPath
	sc.Service = cfg.Shield.Service
	sc.Env = cfg.Shield.Env
	sc.Logger = logger

	if cfg.Shield.UseCELGo {
		evaluator, err := cel.NewCELGoEvaluator()
		if err != nil {
			return nil, err
		}
		sc.CELEvaluator = evaluator
	}
	if cfg.Shield.JWTSecret != "" {
		sc.IdentityProvider = shield.JWTIdentityProvider([]byte(cfg.Shield.JWTSecret))
	}
	return shield.New(sc)
}

// echoHandler reflects the evaluated request back, demonstrating what the
// middleware saw.
func echoHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"method": r.Method,
		"path":   r.URL.Path,
	}
	if rc := shield.ContextFrom(r.Context()); rc != nil {
		response["requestId"] = rc.ID
		response["routeId"] = rc.RouteID
		response["authenticated"] = rc.Identity.Authenticated
		if rc.Body != nil && rc.Body.Present {
			response["bodySha256"] = rc.Body.SHA256
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.WarnContext(r.Context(), "echo response write failed", "error", err)
	}
}

func setupLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
