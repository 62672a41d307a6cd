package residency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koljaschoepe/arasul-jet-sub010/internal/common"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/interfaces"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/models"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *Manager, *stubRuntime, interfaces.StorageManager, *common.Config) {
	t.Helper()
	mgr, fake, st, cfg := newTestManager(t)
	sup := NewSupervisor(fake, st, mgr, cfg, common.NewSilentLogger())
	return sup, mgr, fake, st, cfg
}

func TestWaitForRuntimeReady(t *testing.T) {
	sup, _, _, _, _ := newTestSupervisor(t)
	require.NoError(t, sup.WaitForRuntime(context.Background()))
}

func TestWaitForRuntimeBudgetExceeded(t *testing.T) {
	sup, _, fake, _, cfg := newTestSupervisor(t)
	cfg.Runtime.ReadinessBudget = "30ms"
	cfg.Runtime.ReadinessRetry = "5ms"
	fake.tagsErr = errors.New("connection refused")

	err := sup.WaitForRuntime(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not become ready")
}

func TestSyncInstalledDiscoversRuntimeModel(t *testing.T) {
	sup, _, fake, st, _ := newTestSupervisor(t)
	seedCatalog(t, st, "model-a", "a:ext")
	fake.tags = []interfaces.RuntimeModel{{Name: "a:ext"}}
	ctx := context.Background()

	sup.syncInstalled(ctx)

	installed, err := st.ModelStore().GetInstalled(ctx, "model-a")
	require.NoError(t, err)
	require.NotNil(t, installed)
	assert.Equal(t, models.ModelStatusAvailable, installed.Status)
	assert.Equal(t, 100, installed.DownloadProgress)
}

func TestSyncInstalledFlipsOrphanedDownload(t *testing.T) {
	sup, _, _, st, _ := newTestSupervisor(t)
	seedCatalog(t, st, "model-a", "a:ext")
	ctx := context.Background()

	require.NoError(t, st.ModelStore().UpsertInstalled(ctx, &models.InstalledModel{
		ID:               "model-a",
		Status:           models.ModelStatusDownloading,
		DownloadProgress: 40,
	}))

	sup.syncInstalled(ctx)

	installed, err := st.ModelStore().GetInstalled(ctx, "model-a")
	require.NoError(t, err)
	assert.Equal(t, models.ModelStatusError, installed.Status)
	assert.Equal(t, DownloadAbortedMessage, installed.ErrorMessage)
}

func TestSyncInstalledSkipsLiveDownload(t *testing.T) {
	sup, _, _, st, _ := newTestSupervisor(t)
	seedCatalog(t, st, "model-a", "a:ext")
	sup.SetDownloadProbe(func(modelID string) bool { return modelID == "model-a" })
	ctx := context.Background()

	require.NoError(t, st.ModelStore().UpsertInstalled(ctx, &models.InstalledModel{
		ID:     "model-a",
		Status: models.ModelStatusDownloading,
	}))

	sup.syncInstalled(ctx)

	installed, err := st.ModelStore().GetInstalled(ctx, "model-a")
	require.NoError(t, err)
	assert.Equal(t, models.ModelStatusDownloading, installed.Status)
}

func TestSyncInstalledFlagsMissingModel(t *testing.T) {
	sup, _, _, st, _ := newTestSupervisor(t)
	seedCatalog(t, st, "model-a", "a:ext")
	ctx := context.Background()

	require.NoError(t, st.ModelStore().UpsertInstalled(ctx, &models.InstalledModel{
		ID:     "model-a",
		Status: models.ModelStatusAvailable,
	}))

	sup.syncInstalled(ctx)

	installed, err := st.ModelStore().GetInstalled(ctx, "model-a")
	require.NoError(t, err)
	assert.Equal(t, models.ModelStatusError, installed.Status)
}

func TestSyncInstalledRegistersUncataloguedModel(t *testing.T) {
	sup, _, fake, st, _ := newTestSupervisor(t)
	fake.tags = []interfaces.RuntimeModel{{Name: "mystery:7b", ModifiedAt: time.Now()}}
	ctx := context.Background()

	sup.syncInstalled(ctx)

	installed, err := st.ModelStore().GetInstalled(ctx, "mystery:7b")
	require.NoError(t, err)
	require.NotNil(t, installed)
	assert.Equal(t, models.ModelStatusAvailable, installed.Status)
}

func TestCheckUnloadEvictsIdleModel(t *testing.T) {
	sup, mgr, fake, _, cfg := newTestSupervisor(t)
	cfg.Residency.InactivityThreshold = "1ms"
	fake.loaded = "a:ext"

	// Mark activity, then let it go stale.
	mgr.TrackRequestStart("req1", "model-a")
	mgr.TrackRequestEnd("req1")
	time.Sleep(5 * time.Millisecond)

	sup.checkUnload(context.Background())
	assert.Empty(t, fake.loadedModel())
}

func TestCheckUnloadSkipsActiveRequests(t *testing.T) {
	sup, mgr, fake, _, cfg := newTestSupervisor(t)
	cfg.Residency.InactivityThreshold = "1ms"
	fake.loaded = "a:ext"

	mgr.TrackRequestStart("req1", "model-a")
	time.Sleep(5 * time.Millisecond)

	sup.checkUnload(context.Background())
	assert.Equal(t, "a:ext", fake.loadedModel())
}

func TestCheckUnloadNoOpWithinThreshold(t *testing.T) {
	sup, mgr, fake, _, _ := newTestSupervisor(t)
	fake.loaded = "a:ext"

	mgr.TrackRequestStart("req1", "model-a")
	mgr.TrackRequestEnd("req1")

	sup.checkUnload(context.Background())
	assert.Equal(t, "a:ext", fake.loadedModel())
}
