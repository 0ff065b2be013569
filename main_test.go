package main

import (
	"bytes"
	"context"
	"log"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestServe_ReportsRunErrorOnce(t *testing.T) {
	t.Setenv("SESSIONS_BACKEND", "memory")
	t.Setenv("STORAGE_BACKEND", "memory")
	t.Setenv("EVENTS_BACKEND", "log")
	t.Setenv("SERVICE_HEALTH_GRPC_ADDR", "256.0.0.1:bad")

	var out bytes.Buffer
	log.SetOutput(&out)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"serve"})

	err := root.ExecuteContext(ctx)
	require.Error(t, err)
	require.Equal(t, 1, strings.Count(out.String(), err.Error()), out.String())
}
