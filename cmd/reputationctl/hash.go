package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"serotonyl.ru/reputation/internal/features/admin"
)

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Сгенерировать Argon2id хеш для ADMIN_PASSWORD_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := admin.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Println("Хеш пароля (вставьте в .env как ADMIN_PASSWORD_HASH):")
			fmt.Println(hash)
			return nil
		},
	}
}
