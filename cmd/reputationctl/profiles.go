package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"serotonyl.ru/reputation/internal/app"
	"serotonyl.ru/reputation/internal/features/admin"
	"serotonyl.ru/reputation/internal/models"
)

func newProfilesCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Профили весов engagement score",
	}
	cmd.AddCommand(newProfilesListCmd(opts), newProfilesSetCmd(opts), newProfilesUpsertCmd(opts))
	return cmd
}

func newProfilesListCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Показать все профили",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), opts, func(ctx context.Context, _ *app.App, s *admin.Session) error {
				profiles, err := s.ListWeightProfiles(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tACTIVE\tSYSTEM\tVOTE\tCOMMENT\tFAVORITE\tVIEW\tVERSION")
				for _, p := range profiles {
					active := ""
					if p.IsActive {
						active = "*"
					}
					fmt.Fprintf(w, "%s\t%s\t%t\t%g\t%g\t%g\t%g\t%d\n",
						p.Name, active, p.IsSystem, p.VoteWeight, p.CommentWeight, p.FavoriteWeight, p.ViewWeight, p.Version)
				}
				return w.Flush()
			})
		},
	}
}

func newProfilesSetCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "set <name>",
		Short: "Сделать профиль активным",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), opts, func(ctx context.Context, _ *app.App, s *admin.Session) error {
				if err := s.SetActiveWeightProfile(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Активный профиль: %s\n", args[0])
				return nil
			})
		},
	}
}

func newProfilesUpsertCmd(opts *globalOpts) *cobra.Command {
	var p models.WeightProfile

	cmd := &cobra.Command{
		Use:   "upsert <name>",
		Short: "Создать или обновить пользовательский профиль",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.Name = args[0]
			return withSession(cmd.Context(), opts, func(ctx context.Context, _ *app.App, s *admin.Session) error {
				saved, err := s.UpsertWeightProfile(ctx, p)
				if err != nil {
					return err
				}
				fmt.Printf("Профиль %s сохранён, версия %d\n", saved.Name, saved.Version)
				return nil
			})
		},
	}

	def := models.DefaultProfile()
	cmd.Flags().StringVar(&p.Description, "description", "", "Описание профиля")
	cmd.Flags().Float64Var(&p.VoteWeight, "vote", def.VoteWeight, "Вес голоса")
	cmd.Flags().Float64Var(&p.CommentWeight, "comment", def.CommentWeight, "Вес комментария")
	cmd.Flags().Float64Var(&p.FavoriteWeight, "favorite", def.FavoriteWeight, "Вес избранного")
	cmd.Flags().Float64Var(&p.ViewWeight, "view", def.ViewWeight, "Вес просмотра")
	return cmd
}
