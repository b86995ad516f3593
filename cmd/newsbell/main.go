// Command newsbell はWeb Push購読管理と配信を行うサーバー。
//
// サブコマンド: serve（デフォルト）, worker, migrate, healthcheck, vapid-keys
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/newsbell/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
