// vaultd is the wallet core daemon: it serves the tool surface over
// newline-delimited JSON on stdio.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/axis-ve/AgentVault/pkg/chain"
	"github.com/axis-ve/AgentVault/pkg/config"
	"github.com/axis-ve/AgentVault/pkg/journal"
	"github.com/axis-ve/AgentVault/pkg/keystore"
	"github.com/axis-ve/AgentVault/pkg/kms"
	"github.com/axis-ve/AgentVault/pkg/mcp"
	"github.com/axis-ve/AgentVault/pkg/policy"
	"github.com/axis-ve/AgentVault/pkg/storage"
	"github.com/axis-ve/AgentVault/pkg/strategy"
	"github.com/axis-ve/AgentVault/pkg/wallet"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "vaultd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// stdout carries the protocol; logs go to stderr.
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	secret := cfg.EncryptSecret
	if secret == "" {
		if secret, err = kms.LoadOrCreateSecret(cfg.SecretPath); err != nil {
			return err
		}
		log.Info("using sidecar secret", "path", cfg.SecretPath)
	}
	cipher, err := kms.NewFromSecret(secret)
	if err != nil {
		return err
	}

	ks, err := keystore.Open(ctx, db, cipher)
	if err != nil {
		return err
	}
	jrnl, err := journal.Open(ctx, db)
	if err != nil {
		return err
	}
	stratStore, err := strategy.OpenStore(ctx, db)
	if err != nil {
		return err
	}

	ch, err := chain.New(cfg.RPCEndpoints, chain.Options{
		Timeout:          cfg.ChainTimeout,
		TipPercentile:    cfg.TipPercentile,
		TipHistoryBlocks: cfg.TipHistoryBlocks,
		Logger:           log,
	})
	if err != nil {
		return err
	}
	defer ch.Close()

	wm := wallet.NewManager(ks, ch, wallet.Config{
		SpendThresholdWei:    cfg.SpendThresholdWei,
		ConfirmCode:          cfg.ConfirmCode,
		AllowPlaintextExport: cfg.AllowPlaintextExport,
		ExportCode:           cfg.ExportCode,
		FaucetURL:            cfg.FaucetURL,
		ReceiptTimeout:       cfg.ReceiptTimeout,
	}, log)

	sm := strategy.NewManager(stratStore, ks, wm, ch, cfg.ConfirmCode, log)

	rules, err := policy.LoadRules(cfg.PolicyPath)
	if err != nil {
		return err
	}
	pol := policy.NewEngine(jrnl, rules, log)

	srv := mcp.NewServer(pol, log)
	if err := registerTools(srv, wm, sm, jrnl); err != nil {
		return err
	}

	log.Info("vaultd ready",
		"db", cfg.DBPath, "endpoints", len(cfg.RPCEndpoints),
		"threshold_set", cfg.SpendThresholdWei != nil)
	return srv.ServeStdio(ctx, os.Stdin, os.Stdout)
}

func logLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
