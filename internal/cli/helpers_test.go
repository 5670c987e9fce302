package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ddp/internal/testutil"
)

// commandTimeout bounds every command run by a test.
const commandTimeout = 5 * time.Second

// startServer runs a mock server for the duration of the test.
func startServer(t *testing.T) *testutil.MockServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv := testutil.NewMockServer()
	srv.Start(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Wait()
	})
	return srv
}

// serverOptions targets the mock server without a config file.
func serverOptions(srv *testutil.MockServer) *RootOptions {
	return &RootOptions{Format: "text", URL: "mem://ddp", Dialer: srv.Dialer()}
}

// writeConfig writes a YAML config file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ddp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// execute runs cmd with args and returns what it wrote to stdout.
func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(errBuf)
	cmd.SetArgs(args)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return buf.String(), err
}

// lockedBuffer is a bytes.Buffer safe to read while a command writes to it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
