package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/printfleet/internal/db"
)

func TestQueueTimeBalancesAcrossCompatibleDevices(t *testing.T) {
	store := newMemStore()
	busy := seedDevice(t, store, "1", pla)
	seedDevice(t, store, "2", pla)

	d := store.device(busy.ID)
	d.PrinterStatus.TimeRemaining = 30
	require.NoError(t, store.repo().Devices.Save(context.Background(), d))

	long := seedProject(store, "long", 3600, pla)
	short := seedProject(store, "short", 600, pla)
	medium := seedProject(store, "medium", 1200, pla)
	orphan := seedProject(store, "orphan", 100000, petg)

	seedJob(store, long.ID, 0, testNow)   // idle device: 0 -> 60
	seedJob(store, short.ID, 0, testNow)  // busy device: 30 -> 40
	seedJob(store, medium.ID, 0, testNow) // busy device: 40 -> 60
	seedJob(store, orphan.ID, 0, testNow) // no device can print it

	minutes, err := QueueTime(context.Background(), store.repo())
	require.NoError(t, err)
	assert.Equal(t, 60, minutes)
}

func TestQueueTimeRoundsUpPartialMinutes(t *testing.T) {
	store := newMemStore()
	seedDevice(t, store, "1", pla)
	project := seedProject(store, "tiny", 61, pla)
	seedJob(store, project.ID, 0, testNow)

	minutes, err := QueueTime(context.Background(), store.repo())
	require.NoError(t, err)
	assert.Equal(t, 2, minutes)
}

func TestQueueTimeIgnoresJobsNotQueued(t *testing.T) {
	store := newMemStore()
	seedDevice(t, store, "1", pla)
	project := seedProject(store, "benchy", 3600, pla)
	job := seedJob(store, project.ID, 0, testNow)

	j := store.job(job.ID)
	j.State = db.JobPrinting
	require.NoError(t, store.repo().Jobs.Save(context.Background(), j))

	minutes, err := QueueTime(context.Background(), store.repo())
	require.NoError(t, err)
	assert.Zero(t, minutes)
}

func TestQueueTimeEmptyFleet(t *testing.T) {
	minutes, err := QueueTime(context.Background(), newMemStore().repo())
	require.NoError(t, err)
	assert.Zero(t, minutes)
}
