package main

import (
	"context"

	"quotashare-backend/cmd/ushare-cli/commands"
	"quotashare-backend/lib/telemetry"
)

func main() {
	telemetry.SetupFromEnv(context.Background(), "ushare-cli")
	telemetry.InitSlog(true)
	commands.ExecuteContext(context.Background())
}
