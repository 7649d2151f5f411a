package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"serotonyl.ru/reputation/internal/app"
	"serotonyl.ru/reputation/internal/features/admin"
)

func newRecomputeCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "recompute <scope>",
		Short: "Немедленный пересчёт: all, trust, engagement, feeds, leaderboards или user:<uuid>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), opts, func(ctx context.Context, _ *app.App, s *admin.Session) error {
				if err := s.TriggerRecompute(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Пересчёт %s выполнен\n", args[0])
				return nil
			})
		},
	}
}

func newReconcileCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <user> | post:<uuid>",
		Short: "Сверить журнал кармы пользователя или счётчики поста с журналом событий",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if raw, ok := strings.CutPrefix(args[0], "post:"); ok {
				post, err := uuid.Parse(raw)
				if err != nil {
					return fmt.Errorf("некорректный UUID поста %q: %w", raw, err)
				}
				return withSession(cmd.Context(), opts, func(ctx context.Context, _ *app.App, s *admin.Session) error {
					if err := s.VerifyPost(ctx, post); err != nil {
						return err
					}
					fmt.Println("Счётчики поста сходятся с журналом")
					return nil
				})
			}
			user, err := parseUser(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), opts, func(ctx context.Context, _ *app.App, s *admin.Session) error {
				if err := s.Reconcile(ctx, user); err != nil {
					return err
				}
				fmt.Println("Журнал кармы сходится")
				return nil
			})
		},
	}
}

func newRepairCmd(opts *globalOpts) *cobra.Command {
	var notes string

	cmd := &cobra.Command{
		Use:   "repair <user>",
		Short: "Дописать корректирующую запись в журнал кармы",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := parseUser(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), opts, func(ctx context.Context, _ *app.App, s *admin.Session) error {
				diff, err := s.RepairKarma(ctx, user, notes)
				if err != nil {
					return err
				}
				if diff == 0 {
					fmt.Println("Расхождений нет")
					return nil
				}
				fmt.Printf("Добавлена корректировка %+d\n", diff)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "Комментарий к корректировке")
	return cmd
}

func newKarmaCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "karma",
		Short: "Ручные операции с кармой",
	}

	var notes string
	adjust := &cobra.Command{
		Use:   "adjust <user> <delta>",
		Short: "Изменить карму на delta",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := parseUser(args[0])
			if err != nil {
				return err
			}
			delta, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("некорректная дельта %q: %w", args[1], err)
			}
			return withSession(cmd.Context(), opts, func(ctx context.Context, _ *app.App, s *admin.Session) error {
				karma, err := s.AdjustKarma(ctx, user, delta, notes)
				if err != nil {
					return err
				}
				fmt.Printf("Карма пользователя: %d\n", karma)
				return nil
			})
		},
	}
	adjust.Flags().StringVar(&notes, "notes", "", "Причина правки")
	cmd.AddCommand(adjust)
	return cmd
}

func newTrustCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Ручные операции с trust score",
	}

	var notes string
	set := &cobra.Command{
		Use:   "set <user> <score>",
		Short: "Установить trust score (0..100)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := parseUser(args[0])
			if err != nil {
				return err
			}
			score, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("некорректный trust score %q: %w", args[1], err)
			}
			return withSession(cmd.Context(), opts, func(ctx context.Context, _ *app.App, s *admin.Session) error {
				if err := s.SetTrustScore(ctx, user, score, notes); err != nil {
					return err
				}
				fmt.Printf("Trust score пользователя: %d\n", score)
				return nil
			})
		},
	}
	set.Flags().StringVar(&notes, "notes", "", "Причина правки")
	cmd.AddCommand(set)
	return cmd
}
