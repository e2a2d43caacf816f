// Package prompt implements the external user-presence consent
// collaborator: a single blocking confirm(prompt_text) → approved |
// declined | timeout | cancelled operation, run on its own goroutine so the
// CTAPHID framer can keep emitting keepalives while it waits.
package prompt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ctapgo/vhid/internal/vherr"
)

// DefaultTimeout is the prompt timeout, at least the 30s CTAP2 user
// presence ceremonies are expected to tolerate.
const DefaultTimeout = 30 * time.Second

// CLI asks for presence confirmation over a plain text stream, the minimal
// collaborator for local testing and development.
type CLI struct {
	In      io.Reader
	Out     io.Writer
	Timeout time.Duration
}

func NewCLI() *CLI {
	return &CLI{In: os.Stdin, Out: os.Stdout, Timeout: DefaultTimeout}
}

type answer struct {
	approved bool
	err      error
}

// Confirm prints reason and waits for a "y"/"yes" line, timing out after
// Timeout or returning early if cancel is closed. The read runs on its own
// goroutine and reports back over a buffered, single-producer channel
// instead of a general task runtime. cancel is a CTAPHID CANCEL arriving on
// the command's channel; the stdin-read goroutine is left running (stdin
// has no way to interrupt a blocked read) but its result is discarded.
func (c *CLI) Confirm(reason string, cancel <-chan struct{}) (bool, error) {
	fmt.Fprintf(c.Out, "%s [y/N]: ", reason)

	ch := make(chan answer, 1)
	go func() {
		line, err := bufio.NewReader(c.In).ReadString('\n')
		if err != nil {
			ch <- answer{false, fmt.Errorf("%w: read prompt response: %v", vherr.ErrPrompt, err)}
			return
		}
		line = strings.ToLower(strings.TrimSpace(line))
		ch <- answer{approved: line == "y" || line == "yes"}
	}()

	select {
	case a := <-ch:
		return a.approved, a.err
	case <-cancel:
		return false, fmt.Errorf("%w: presence confirmation cancelled", vherr.ErrPrompt)
	case <-time.After(c.Timeout):
		return false, fmt.Errorf("%w: timed out waiting for presence confirmation", vherr.ErrPrompt)
	}
}

// AutoApprove always approves immediately — a test double for the
// "approved" path.
type AutoApprove struct{}

func (AutoApprove) Confirm(reason string, cancel <-chan struct{}) (bool, error) { return true, nil }

// AutoDecline always declines — a test double for the "declined" path.
type AutoDecline struct{}

func (AutoDecline) Confirm(reason string, cancel <-chan struct{}) (bool, error) { return false, nil }
