package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/johnayoung/go-poloniex-sync/internal/syncer"
)

// confirmer returns the gate for full-history syncs. --yes approves without
// asking.
func (cli *CLI) confirmer(flags *Flags) syncer.Confirmer {
	if flags.Yes {
		return syncer.ConfirmFunc(func(context.Context, string) (bool, error) { return true, nil })
	}
	return syncer.ConfirmFunc(func(ctx context.Context, prompt string) (bool, error) {
		return promptYesNo(ctx, cli.stdin, cli.stdout, prompt)
	})
}

// promptYesNo asks a y/N question. Anything but y or yes declines, as does
// end of input.
func promptYesNo(ctx context.Context, in io.Reader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)

	answer := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(in).ReadString('\n')
		answer <- line
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(out)
		return false, ctx.Err()
	case line := <-answer:
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}
