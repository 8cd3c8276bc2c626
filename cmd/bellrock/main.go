// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// bellrock is the beacon resolution server and its offline tooling.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luxfi/database/leveldb"
	"github.com/luxfi/log"

	"github.com/Augustin-Zidek/bellrock/api"
	"github.com/Augustin-Zidek/bellrock/celltower"
	"github.com/Augustin-Zidek/bellrock/config"
	"github.com/Augustin-Zidek/bellrock/server"
	"github.com/Augustin-Zidek/bellrock/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "bellrock",
		Short:        "Anonymous proximity beacon server",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(preprocessTowersCmd())
	return root
}

func serveCmd() *cobra.Command {
	cfg := config.Default()
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingest and resolution server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.MasterKey == "" {
				cfg.MasterKey = os.Getenv("BELLROCK_MASTER_KEY")
			}
			if err := cfg.Valid(); err != nil {
				return err
			}
			return serve(cmd, cfg, listenAddr)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.DatabasePath, "db", "", "main database directory")
	flags.StringVar(&cfg.KeyDatabasePath, "key-db", "", "key database directory (encrypted at rest)")
	flags.StringVar(&cfg.CellTowerPath, "towers", "", "cell tower snapshot file (optional)")
	flags.StringVar(&cfg.MasterKey, "master-key", "", "key database master key ($BELLROCK_MASTER_KEY)")
	flags.IntVar(&cfg.WindowSize, "window", cfg.WindowSize, "recent acquaintance window per observer")
	flags.IntVar(&cfg.CommitBufferRows, "commit-rows", cfg.CommitBufferRows, "buffered rows that force a commit")
	flags.DurationVar(&cfg.CommitInterval, "commit-interval", cfg.CommitInterval, "periodic commit interval")
	flags.IntVar(&cfg.Parallelism, "parallelism", cfg.Parallelism, "trial decryption workers (0 = all cores)")
	flags.IntVar(&cfg.ParallelThreshold, "parallel-threshold", cfg.ParallelThreshold, "candidate set size that engages the worker pool")
	flags.StringVar(&listenAddr, "listen", ":8338", "ingest API listen address")
	return cmd
}

func serve(cmd *cobra.Command, cfg config.Config, listenAddr string) error {
	logger := log.NewLogger("bellrock")
	reg := prometheus.NewRegistry()

	mainDB, err := leveldb.New(cfg.DatabasePath, nil, logger, reg)
	if err != nil {
		return fmt.Errorf("opening main database: %w", err)
	}
	keyDB, err := leveldb.New(cfg.KeyDatabasePath, nil, logger, reg)
	if err != nil {
		return fmt.Errorf("opening key database: %w", err)
	}

	st, err := store.New(logger, reg, mainDB, keyDB, []byte(cfg.MasterKey), store.Config{
		CommitBufferRows: cfg.CommitBufferRows,
		CommitInterval:   cfg.CommitInterval,
	})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("closing store",
				zap.Error(err),
			)
		}
	}()

	var towers *celltower.Map
	if cfg.CellTowerPath != "" {
		towers, err = celltower.Load(cfg.CellTowerPath)
		if err != nil {
			return fmt.Errorf("loading cell tower snapshot: %w", err)
		}
		logger.Info("loaded cell tower snapshot",
			zap.String("path", cfg.CellTowerPath),
			zap.Int("cells", towers.Len()),
		)
	}

	srv, err := server.New(logger, reg, cfg, st, towers)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: api.New(logger, srv, reg),
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	logger.Info("serving",
		zap.String("listen", listenAddr),
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	return httpServer.Close()
}

func preprocessTowersCmd() *cobra.Command {
	var (
		csvPath string
		outPath string
	)

	cmd := &cobra.Command{
		Use:   "preprocess-towers",
		Short: "Convert an OpenCellID CSV dump into a cell tower snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.NewLogger("bellrock")

			in, err := os.Open(csvPath)
			if err != nil {
				return err
			}
			defer in.Close()

			out, err := os.Create(outPath)
			if err != nil {
				return err
			}

			n, err := celltower.Preprocess(logger, in, out)
			if err != nil {
				_ = out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}

			logger.Info("wrote cell tower snapshot",
				zap.String("path", outPath),
				zap.Int("cells", n),
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&csvPath, "csv", "", "OpenCellID CSV dump")
	cmd.Flags().StringVar(&outPath, "out", "", "snapshot output path")
	_ = cmd.MarkFlagRequired("csv")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}
