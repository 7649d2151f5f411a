package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"serotonyl.ru/reputation/internal/app"
	"serotonyl.ru/reputation/internal/features/admin"
	"serotonyl.ru/reputation/internal/features/events"
)

func newEventCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Ручная отправка событий платформы",
	}

	var file string
	publish := &cobra.Command{
		Use:   "publish",
		Short: "Отправить событие (JSON) в стрим или обработать напрямую без Redis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := readEnvelope(file)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), opts, func(ctx context.Context, a *app.App, _ *admin.Session) error {
				if a.Stream != nil {
					id, err := a.Stream.Publish(ctx, env)
					if err != nil {
						return err
					}
					fmt.Printf("Событие отправлено в стрим: %s\n", id)
					return nil
				}
				if err := a.Service.Ingest(ctx, env); err != nil {
					return err
				}
				fmt.Println("Событие обработано")
				return nil
			})
		},
	}
	publish.Flags().StringVarP(&file, "file", "f", "-", "Файл с событием, - для stdin")
	cmd.AddCommand(publish)
	return cmd
}

func readEnvelope(file string) (events.Envelope, error) {
	var r io.Reader = os.Stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return events.Envelope{}, err
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return events.Envelope{}, fmt.Errorf("чтение события: %w", err)
	}
	return events.Decode(data)
}
