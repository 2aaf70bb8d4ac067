package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/pnpforge/pnpjob/pkg/types"
)

// promptOperator answers controller questions from a line based reader. It gives up
// and pauses when the reader is exhausted or the context ends.
type promptOperator struct {
	mu    sync.Mutex
	out   io.Writer
	lines chan string
}

func newPromptOperator(in io.Reader, out io.Writer) *promptOperator {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
	}()
	return &promptOperator{out: out, lines: lines}
}

func (o *promptOperator) readLine(ctx context.Context) (string, bool) {
	select {
	case line, ok := <-o.lines:
		return line, ok
	case <-ctx.Done():
		return "", false
	}
}

// ConfirmResetPlaced asks whether to place an already completed job again
func (o *promptOperator) ConfirmResetPlaced(ctx context.Context) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	fmt.Fprintf(o.out, "%s Every placement is already placed. Reset and place again? [y/N] ",
		color.YellowString("?"))
	line, ok := o.readLine(ctx)
	if !ok {
		fmt.Fprintln(o.out)
		return false
	}
	switch strings.ToLower(line) {
	case "y", "yes":
		return true
	}
	return false
}

// ResolveStepError shows the error and the offered actions and reads a choice
func (o *promptOperator) ResolveStepError(ctx context.Context, err error, options []types.RecoveryAction) types.RecoveryAction {
	o.mu.Lock()
	defer o.mu.Unlock()

	fmt.Fprintf(o.out, "%s %v\n", color.RedString("Step failed:"), err)
	keys := make([]string, len(options))
	for i, opt := range options {
		keys[i] = fmt.Sprintf("[%s]%s", string(opt)[:1], string(opt)[1:])
	}
	prompt := strings.Join(keys, " ")

	for {
		fmt.Fprintf(o.out, "%s %s: ", color.YellowString("?"), prompt)
		line, ok := o.readLine(ctx)
		if !ok {
			fmt.Fprintln(o.out)
			return types.RecoveryPause
		}
		if action, found := matchAction(line, options); found {
			return action
		}
		fmt.Fprintf(o.out, "Unknown choice %q\n", line)
	}
}

// matchAction accepts a full action name or its first letter
func matchAction(answer string, options []types.RecoveryAction) (types.RecoveryAction, bool) {
	answer = strings.ToLower(strings.TrimSpace(answer))
	if answer == "" {
		return "", false
	}
	for _, opt := range options {
		if answer == string(opt) || answer == string(opt)[:1] {
			return opt, true
		}
	}
	if action, err := types.ParseRecoveryAction(answer); err == nil {
		for _, opt := range options {
			if opt == action {
				return action, true
			}
		}
	}
	return "", false
}

// pauseChoice is what to do with a paused run
type pauseChoice string

const (
	pauseResume pauseChoice = "resume"
	pauseStep   pauseChoice = "step"
	pauseStop   pauseChoice = "stop"
)

// ChoosePaused asks how to continue a paused run. An exhausted reader stops it.
func (o *promptOperator) ChoosePaused(ctx context.Context) pauseChoice {
	o.mu.Lock()
	defer o.mu.Unlock()

	for {
		fmt.Fprintf(o.out, "%s Paused. [r]esume [s]tep [q]uit: ", color.YellowString("?"))
		line, ok := o.readLine(ctx)
		if !ok {
			fmt.Fprintln(o.out)
			return pauseStop
		}
		switch strings.ToLower(line) {
		case "r", "resume":
			return pauseResume
		case "s", "step":
			return pauseStep
		case "q", "quit", "stop":
			return pauseStop
		}
		fmt.Fprintf(o.out, "Unknown choice %q\n", line)
	}
}
