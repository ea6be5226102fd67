package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/airframesio/model-diff/cmd"
	"github.com/charmbracelet/lipgloss"
)

var (
	errorStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FF0000")).
		Bold(true)
)

func main() {
	// Register signals before Cobra starts so an interrupted run still drops its workspace
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cmd.Execute(ctx)
	stop()

	code := cmd.ExitCode(err)
	if code == cmd.ExitError {
		fmt.Fprintln(os.Stderr, errorStyle.Render("❌ Error: "+err.Error()))
	}
	os.Exit(code)
}
