package main

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/blnkfinance/disburse/config"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		ReconcileQueue: "reconcile_batch",
		SweepQueue:     "reconcile_sweep",
		WebhookQueue:   "webhooks",
		SweepInterval:  "@every 5m",
		SweepBatchSize: 50,
	}
}

func TestInitializeQueues(t *testing.T) {
	queues := initializeQueues(testQueueConfig())
	assert.Equal(t, map[string]int{"reconcile_batch": 3, "webhooks": 2, "reconcile_sweep": 1}, queues)
}

func TestInitializeScheduler(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	opt := asynq.RedisClientOpt{Addr: mr.Addr()}

	scheduler, err := initializeScheduler(opt, testQueueConfig())
	require.NoError(t, err)
	assert.NotNil(t, scheduler)

	bad := testQueueConfig()
	bad.SweepInterval = "every so often"
	_, err = initializeScheduler(opt, bad)
	assert.ErrorContains(t, err, "register reconciliation sweep")
}

func TestMigrationSource(t *testing.T) {
	migrations, err := migrationSource().FindMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	assert.Equal(t, "1_payouts.sql", migrations[0].Id)
}
