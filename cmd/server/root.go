package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Brownie44l1/civic-classifier/internal/config"
	"github.com/Brownie44l1/civic-classifier/internal/handlers"
	"github.com/Brownie44l1/civic-classifier/internal/logging"
	"github.com/Brownie44l1/civic-classifier/internal/model"
	"github.com/Brownie44l1/civic-classifier/internal/pipeline"
	"github.com/Brownie44l1/civic-classifier/internal/preprocess"
)

type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	logger  *zap.SugaredLogger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:           "civic-classifier",
		Short:         "Classify civic issue photos and rate their severity",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default ./config/classifier.yaml)")
	root.PersistentFlags().String("models-dir", "", "directory holding the ONNX models")
	root.PersistentFlags().String("log-level", "", "debug, info, warn or error")
	cobra.CheckErr(a.v.BindPFlag("models.dir", root.PersistentFlags().Lookup("models-dir")))
	cobra.CheckErr(a.v.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level")))

	root.AddCommand(a.serveCmd(), a.classifyCmd())
	return root
}

func (a *app) init() error {
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	logger, err := logging.New("civic", cfg.Log.Level)
	if err != nil {
		return err
	}
	a.cfg, a.logger = cfg, logger
	return nil
}

// loadClassifier loads every model; the caller must Close the returned set.
func (a *app) loadClassifier() (*pipeline.Classifier, *model.ModelSet, error) {
	pre, err := preprocess.New(a.cfg.Preprocess.Interpolation,
		preprocess.WithMaxPixels(a.cfg.Preprocess.MaxPixels))
	if err != nil {
		return nil, nil, err
	}
	set, err := model.Load(a.cfg.ModelSpecs(), a.cfg.ModelOptions(), a.logger.Named("model"))
	if err != nil {
		return nil, nil, err
	}
	classifier, err := pipeline.New(set.Models(), pre, a.logger.Named("pipeline"))
	if err != nil {
		return nil, nil, multierr.Append(err, set.Close())
	}
	return classifier, set, nil
}

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP classification service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().String("port", "", "listen port")
	cobra.CheckErr(a.v.BindPFlag("server.port", cmd.Flags().Lookup("port")))
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	classifier, set, err := a.loadClassifier()
	if err != nil {
		a.logger.Errorw("failed to load models", "error", err)
		return err
	}
	defer func() {
		if err := set.Close(); err != nil {
			a.logger.Warnw("failed to release models", "error", err)
		}
	}()

	opts := handlers.Options{
		MaxUploadBytes: a.cfg.Server.MaxUploadMB << 20,
		MaxConcurrent:  a.cfg.Server.MaxConcurrent,
		CORSOrigins:    a.cfg.Server.CORSOrigins,
	}
	h := handlers.NewHandler(classifier, set.Info(), opts, a.logger.Named("http"))
	srv := &http.Server{
		Addr:    ":" + a.cfg.Server.Port,
		Handler: h.Routes(),
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Infow("server starting", "port", a.cfg.Server.Port, "models", a.cfg.Models.Dir)
		a.logger.Info("endpoints: GET /health, GET /models, POST /classify, POST /classify/tensor")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		a.logger.Errorw("server failed", "port", a.cfg.Server.Port, "error", err)
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (a *app) classifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify IMAGE...",
		Short: "Classify image files and print one JSON result per line",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			classifier, set, err := a.loadClassifier()
			if err != nil {
				return err
			}
			defer set.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			var failed error
			for _, path := range args {
				res, err := classifier.ClassifyFile(ctx, path)
				if err != nil {
					a.logger.Errorw("classification failed", "file", path, "error", err)
					failed = multierr.Append(failed, fmt.Errorf("%s: %w", path, err))
					continue
				}
				out := struct {
					File string `json:"file"`
					pipeline.Result
				}{path, res}
				if err := enc.Encode(out); err != nil {
					return err
				}
			}
			return failed
		},
	}
}
