package app

import "strings"

// Command はnewsbellバイナリのサブコマンド。
type Command string

const (
	// CommandServe はHTTP APIを起動する（デフォルト）。
	CommandServe Command = "serve"
	// CommandWorker はスイープ・週次リセット・フィード監視のスケジューラを起動する。
	CommandWorker Command = "worker"
	// CommandMigrate はPostgreSQLのスキーマを最新化して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中のserveの/healthを叩いて終了する。
	// シェルのないdistrolessイメージのHEALTHCHECK用。
	CommandHealthcheck Command = "healthcheck"
	// CommandVAPIDKeys は新しいVAPID鍵ペアを.env形式で出力して終了する。
	CommandVAPIDKeys Command = "vapid-keys"
)

var commands = []Command{CommandServe, CommandWorker, CommandMigrate, CommandHealthcheck, CommandVAPIDKeys}

// ParseCommand はos.Args[1:]からサブコマンドを決める。
// 引数なし、または未知のサブコマンドはserveとして扱う。大文字小文字は区別しない。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	name := strings.ToLower(strings.TrimSpace(args[0]))
	for _, c := range commands {
		if string(c) == name {
			return c
		}
	}
	return CommandServe
}
