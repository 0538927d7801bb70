package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mcclellann/loansyncro/pkg/accounting"
	"github.com/mcclellann/loansyncro/pkg/auth"
	"github.com/mcclellann/loansyncro/pkg/config"
	"github.com/mcclellann/loansyncro/pkg/ledger"
	"github.com/mcclellann/loansyncro/pkg/logging"
	"github.com/mcclellann/loansyncro/pkg/models"
	"github.com/mcclellann/loansyncro/pkg/notify"
	"github.com/mcclellann/loansyncro/pkg/store"
	"github.com/mcclellann/loansyncro/pkg/tracing"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "loansyncro",
		Short:        "Personal loan tracking and repayment accounting",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newAmortizeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the REST API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file")
	return cmd
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	sqliteStore, err := store.NewSQLiteStore(cfg.Database.Driver, cfg.Database.Path, cfg.Database.BusyTimeoutDuration(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize SQLite store: %w", err)
	}
	defer sqliteStore.Close()

	sinks := notify.Multi{notify.NewLogNotifier(logger)}
	if cfg.Notify.TelegramToken != "" {
		tg, err := notify.NewTelegramNotifier(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID)
		if err != nil {
			return err
		}
		sinks = append(sinks, tg)
	}
	dispatcher := notify.NewDispatcher(sinks, cfg.Notify.QueueSize, logger)
	defer dispatcher.Close()

	identity, err := auth.New(cfg.Auth, sqliteStore, sqliteStore, dispatcher, logger)
	if err != nil {
		return err
	}

	server := NewServer(ledger.NewLedger(sqliteStore, dispatcher, logger), identity, logger, Options{
		AllowedOrigin: cfg.Server.AllowedOrigin,
		Metrics:       cfg.Metrics.Enabled,
	})
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutDuration())
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newAmortizeCmd() *cobra.Command {
	var (
		principal, rate, start string
		term                   int
		withSchedule           bool
	)
	cmd := &cobra.Command{
		Use:   "amortize",
		Short: "Print the monthly payment and total payable for a loan",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := decimal.NewFromString(principal)
			if err != nil {
				return fmt.Errorf("invalid --principal: %w", err)
			}
			r, err := decimal.NewFromString(rate)
			if err != nil {
				return fmt.Errorf("invalid --rate: %w", err)
			}
			startDate := models.DateOf(time.Now())
			if start != "" {
				if startDate, err = models.ParseDate(start); err != nil {
					return err
				}
			}
			return amortize(cmd.OutOrStdout(), p, r, term, startDate, withSchedule)
		},
	}
	cmd.Flags().StringVar(&principal, "principal", "", "amount borrowed")
	cmd.Flags().StringVar(&rate, "rate", "0", "annual interest rate in percent")
	cmd.Flags().IntVar(&term, "term", 0, "term in months")
	cmd.Flags().BoolVar(&withSchedule, "schedule", false, "print the per-month schedule")
	cmd.Flags().StringVar(&start, "start", "", "start date (YYYY-MM-DD), defaults to today")
	cmd.MarkFlagRequired("principal")
	cmd.MarkFlagRequired("term")
	return cmd
}

func amortize(out io.Writer, principal, rate decimal.Decimal, term int, start models.Date, withSchedule bool) error {
	figures, err := accounting.ComputeAmortization(principal, rate, term)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Monthly payment: %s\n", notify.FormatMoney(figures.MonthlyPayment))
	fmt.Fprintf(out, "Total payable:   %s\n", notify.FormatMoney(figures.TotalPayable))
	fmt.Fprintf(out, "Total interest:  %s\n", notify.FormatMoney(figures.TotalPayable.Sub(principal)))
	if !withSchedule {
		return nil
	}

	schedule, err := accounting.Schedule(principal, rate, term, start)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "Period\tDue\tPayment\tInterest\tPrincipal\tBalance\t")
	for _, inst := range schedule {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t\n", inst.Period, inst.DueDate,
			notify.FormatMoney(inst.Payment), notify.FormatMoney(inst.Interest),
			notify.FormatMoney(inst.Principal), notify.FormatMoney(inst.RemainingBalance))
	}
	return tw.Flush()
}
