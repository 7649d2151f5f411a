// Package main — консоль администратора сервиса репутации.
// Каждая команда, кроме hash-password, входит по паролю администратора
// и выполняет одну ручную операцию над тем же хранилищем, что и reputationd.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"serotonyl.ru/reputation/internal/app"
	"serotonyl.ru/reputation/internal/config"
	"serotonyl.ru/reputation/internal/features/admin"
)

// globalOpts — флаги, общие для всех команд.
type globalOpts struct {
	actor    string
	password string
	verbose  bool
}

func main() {
	opts := &globalOpts{}

	rootCmd := &cobra.Command{
		Use:           "reputationctl",
		Short:         "Ручное управление сервисом репутации",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(opts.verbose)
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.actor, "actor", os.Getenv("ADMIN_ACTOR_ID"), "UUID администратора")
	rootCmd.PersistentFlags().StringVar(&opts.password, "password", "", "Пароль администратора (по умолчанию из ADMIN_PASSWORD)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Подробный лог")

	rootCmd.AddCommand(
		newProfilesCmd(opts),
		newRecomputeCmd(opts),
		newReconcileCmd(opts),
		newRepairCmd(opts),
		newKarmaCmd(opts),
		newTrustCmd(opts),
		newEventCmd(opts),
		newHashPasswordCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// withSession собирает приложение, входит администратором и вызывает fn.
func withSession(ctx context.Context, opts *globalOpts, fn func(ctx context.Context, a *app.App, s *admin.Session) error) error {
	actor, err := uuid.Parse(opts.actor)
	if err != nil {
		return fmt.Errorf("--actor: нужен UUID администратора: %w", err)
	}
	password := opts.password
	if password == "" {
		password = os.Getenv("ADMIN_PASSWORD")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("конфигурация: %w", err)
	}
	// консоли не нужен свой HTTP-сервер метрик
	cfg.MetricsAddr = ""

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	session, err := a.Admin.Login(ctx, actor, password)
	if err != nil {
		return err
	}
	return fn(ctx, a, session)
}

// parseUser разбирает UUID пользователя из аргумента.
func parseUser(arg string) (uuid.UUID, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("некорректный UUID пользователя %q: %w", arg, err)
	}
	return id, nil
}

// setupLogging настраивает формат логов. Без --verbose видны только предупреждения.
func setupLogging(verbose bool) {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	log.SetOutput(os.Stderr)
	log.SetLevel(log.WarnLevel)
	if verbose {
		log.SetLevel(log.DebugLevel)
	}
}
