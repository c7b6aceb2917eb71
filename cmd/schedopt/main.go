package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 初始化並執行 CLI 命令
// 3. 處理頂層錯誤與 panic recovery
//
// 所有邏輯在 internal/cli，main 只負責組裝與結束碼。
//
// 編譯時注入版本：
//   go build -ldflags "-X main.version=1.2.0 -X main.commit=$(git rev-parse --short HEAD)" ./cmd/schedopt
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/sched-optimizer/internal/cli"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(2)
		}
	}()

	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s)", version, commit)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
