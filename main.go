// arforward - forwards active-response directives to authenticated agents.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"arforward/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "arforward: %v\n", err)
		os.Exit(1)
	}
}
