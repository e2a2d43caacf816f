package prompt

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCLIApproves(t *testing.T) {
	c := &CLI{In: strings.NewReader("y\n"), Out: &bytes.Buffer{}, Timeout: time.Second}
	approved, err := c.Confirm("register a new credential", nil)
	require.NoError(t, err)
	require.True(t, approved)
}

func TestCLIDeclines(t *testing.T) {
	c := &CLI{In: strings.NewReader("n\n"), Out: &bytes.Buffer{}, Timeout: time.Second}
	approved, err := c.Confirm("register a new credential", nil)
	require.NoError(t, err)
	require.False(t, approved)
}

func TestCLITimesOut(t *testing.T) {
	c := &CLI{In: timelessReader{}, Out: &bytes.Buffer{}, Timeout: 10 * time.Millisecond}
	_, err := c.Confirm("register a new credential", nil)
	require.Error(t, err)
}

func TestCLICancelled(t *testing.T) {
	c := &CLI{In: timelessReader{}, Out: &bytes.Buffer{}, Timeout: time.Minute}
	cancel := make(chan struct{})
	close(cancel)
	_, err := c.Confirm("register a new credential", cancel)
	require.Error(t, err)
}

func TestAutoApprove(t *testing.T) {
	approved, err := AutoApprove{}.Confirm("anything", nil)
	require.NoError(t, err)
	require.True(t, approved)
}

func TestAutoDecline(t *testing.T) {
	approved, err := AutoDecline{}.Confirm("anything", nil)
	require.NoError(t, err)
	require.False(t, approved)
}

// timelessReader never yields data, simulating a prompt nobody answers.
type timelessReader struct{}

func (timelessReader) Read(p []byte) (int, error) {
	select {}
}
