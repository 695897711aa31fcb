package client

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wurt83ow/orgkeeper/pkg/backend"
	"github.com/wurt83ow/orgkeeper/pkg/backend/backendtest"
	"github.com/wurt83ow/orgkeeper/pkg/bdkeeper"
	"github.com/wurt83ow/orgkeeper/pkg/entity"
	"github.com/wurt83ow/orgkeeper/pkg/logger"
	"github.com/wurt83ow/orgkeeper/pkg/orchestrator"
	"github.com/wurt83ow/orgkeeper/pkg/services"
	"github.com/wurt83ow/orgkeeper/pkg/session"
	"github.com/wurt83ow/orgkeeper/pkg/syncer"
	"github.com/wurt83ow/orgkeeper/pkg/syncqueue"
)

func newConsole(t *testing.T) (*Console, *bytes.Buffer, *backendtest.Server) {
	t.Helper()
	k, err := bdkeeper.New(filepath.Join(t.TempDir(), "console.db"), logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { k.Close() })

	srv := backendtest.New(nil)
	url := srv.Start()
	t.Cleanup(srv.Close)
	b, err := backend.NewHTTP(url, backend.WithTimeout(5*time.Second))
	require.NoError(t, err)

	q := syncqueue.New(k, syncqueue.DefaultConfig(), logger.Discard())
	registry := entity.Default(logger.Discard())
	provider := session.NewStatic("u1", "tok")

	orch := orchestrator.New(orchestrator.Components{
		Keeper:   k,
		Queue:    q,
		Registry: registry,
		Pusher:   syncer.NewPusher(q, b, nil, 1),
		Puller:   syncer.NewPuller(k, registry, b, nil, syncer.PullerOptions{Workers: 1}),
		Session:  provider,
	}, orchestrator.Options{})
	svc := services.NewServices(k, registry, q, provider, nil, logger.Discard())

	out := &bytes.Buffer{}
	return NewConsole(svc, orch, q, out), out, srv
}

func TestConsoleWriteAndSync(t *testing.T) {
	ctx := context.Background()
	c, out, srv := newConsole(t)

	require.NoError(t, c.Exec(ctx, "add members first_name=Ann last_name=Lee"))
	assert.Contains(t, out.String(), "first_name=Ann")

	out.Reset()
	require.NoError(t, c.Exec(ctx, "status"))
	assert.Contains(t, out.String(), "1 pending")

	out.Reset()
	require.NoError(t, c.Exec(ctx, "sync"))
	assert.Contains(t, out.String(), "pushed=1")
	_, ok := srv.Row(entity.TableMembers, 1)
	assert.True(t, ok)

	out.Reset()
	require.NoError(t, c.Exec(ctx, "set members 1 first_name=Anna"))
	require.NoError(t, c.Exec(ctx, "get members 1"))
	assert.Contains(t, out.String(), "first_name=Anna")

	require.NoError(t, c.Exec(ctx, "del members 1"))
	out.Reset()
	require.NoError(t, c.Exec(ctx, "list members"))
	assert.Contains(t, out.String(), "0 rows")

	out.Reset()
	require.NoError(t, c.Exec(ctx, "failed"))
	assert.Contains(t, out.String(), "no entries")
}

func TestConsoleErrors(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newConsole(t)

	assert.ErrorIs(t, c.Exec(ctx, "quit"), errQuit)
	assert.Error(t, c.Exec(ctx, "frobnicate"))
	assert.Error(t, c.Exec(ctx, "get members x"))
	assert.Error(t, c.Exec(ctx, "add members nonsense"))
	assert.ErrorIs(t, c.Exec(ctx, "list passwords"), entity.ErrUnknownTable)
	assert.NoError(t, c.Exec(ctx, "   "))
}
