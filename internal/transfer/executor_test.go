package transfer

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapmigrate/transfer-cli/internal/model"
	"github.com/mapmigrate/transfer-cli/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "transfer.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedSession(t *testing.T, st store.Store, status model.SessionStatus) string {
	t.Helper()

	ctx := context.Background()
	sess, err := st.CreateSession(ctx, "pack-1", "alice", model.TierFree, 5)
	require.NoError(t, err)
	if status != model.SessionPending {
		require.NoError(t, st.UpdateSessionStatus(ctx, sess.ID, status))
	}
	return sess.ID
}

func seedRecord(t *testing.T, st store.Store, sessionID, placeID string, status model.VerificationStatus, target *model.NormalizedCandidate) string {
	t.Helper()

	rec, err := st.CreateMatchRecord(context.Background(), &model.PlaceMatchRecord{
		SessionID:          sessionID,
		OriginalPlaceID:    placeID,
		TargetPlace:        target,
		ConfidenceScore:    85,
		ConfidenceLevel:    model.ConfidenceMedium,
		VerificationStatus: model.VerificationPending,
	})
	require.NoError(t, err)
	if status != model.VerificationPending {
		require.NoError(t, st.UpdateVerification(context.Background(), rec.ID, status, "tester", ""))
	}
	return rec.ID
}

func bakeryCandidate() *model.NormalizedCandidate {
	return &model.NormalizedCandidate{
		ID:        "gmp-123",
		Name:      "Tartine Bakery",
		Address:   "600 Guerrero St",
		Latitude:  model.Float64Ptr(37.75),
		Longitude: model.Float64Ptr(-122.4),
	}
}

func TestExecute_GenerateOnly(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sessID := seedSession(t, st, model.SessionVerifying)

	seedRecord(t, st, sessID, "place-1", model.VerificationAccepted, bakeryCandidate())
	seedRecord(t, st, sessID, "place-2", model.VerificationRejected, bakeryCandidate())
	seedRecord(t, st, sessID, "place-3", model.VerificationPending, bakeryCandidate())
	seedRecord(t, st, sessID, "place-4", model.VerificationAccepted, nil)

	manualID := seedRecord(t, st, sessID, "place-5", model.VerificationPending, nil)
	require.NoError(t, st.SetManualSearch(ctx, manualID, "dolores park", &model.NormalizedCandidate{
		Name:    "Dolores Park",
		Address: "Dolores St & 19th St",
	}, "tester"))

	exec := NewExecutor(st, WithOpener(func(context.Context, string) error {
		t.Error("opener must not run in generate-only mode")
		return nil
	}))

	result, err := exec.Execute(ctx, sessID, ExecuteOptions{
		GenerateOnly:  true,
		OpenInBrowser: true,
	})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 2, result.SuccessfulTransfers)
	assert.Equal(t, 1, result.FailedTransfers)

	require.Len(t, result.Errors, 1)
	assert.Equal(t, "place-4", result.Errors[0].PlaceID)
	assert.Equal(t, "Insufficient place data", result.Errors[0].Error)

	require.Len(t, result.GeneratedURLs, 2)
	for _, gen := range result.GeneratedURLs {
		assert.False(t, gen.Opened)
		assert.Equal(t, model.TargetGoogleMaps, gen.TargetService)
		assert.Contains(t, gen.URL, "https://www.google.com/maps/search/?")
	}
	assert.Contains(t, result.GeneratedURLs[1].URL, "Dolores+Park")

	sess, err := st.GetSession(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionVerifying, sess.Status)
	assert.Zero(t, sess.CompletedPlaces)
}

func TestExecute_CompletesSession(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sessID := seedSession(t, st, model.SessionVerifying)

	seedRecord(t, st, sessID, "place-1", model.VerificationAccepted, bakeryCandidate())
	seedRecord(t, st, sessID, "place-2", model.VerificationAccepted, &model.NormalizedCandidate{Name: "Zuni Cafe"})

	exec := NewExecutor(st)
	result, err := exec.Execute(ctx, sessID, ExecuteOptions{GenerateOnly: true})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.SuccessfulTransfers)

	sess, err := st.GetSession(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, sess.Status)
	assert.Equal(t, 2, sess.CompletedPlaces)

	// A pass over an already completed session regenerates links without
	// touching the counters again.
	result, err = exec.Execute(ctx, sessID, ExecuteOptions{GenerateOnly: true})
	require.NoError(t, err)
	assert.True(t, result.Success)

	sess, err = st.GetSession(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, sess.Status)
	assert.Equal(t, 2, sess.CompletedPlaces)
}

func TestExecute_OpensInBrowser(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sessID := seedSession(t, st, model.SessionVerifying)
	seedRecord(t, st, sessID, "place-1", model.VerificationAccepted, bakeryCandidate())

	var opened []string
	exec := NewExecutor(st, WithOpener(func(_ context.Context, u string) error {
		opened = append(opened, u)
		return nil
	}))

	result, err := exec.Execute(ctx, sessID, ExecuteOptions{OpenInBrowser: true})
	require.NoError(t, err)

	assert.True(t, result.Success)
	require.Len(t, result.GeneratedURLs, 1)
	assert.True(t, result.GeneratedURLs[0].Opened)
	require.Len(t, opened, 1)
	assert.Equal(t, result.GeneratedURLs[0].URL, opened[0])
}

func TestExecute_OpenerFailure(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sessID := seedSession(t, st, model.SessionVerifying)

	seedRecord(t, st, sessID, "place-1", model.VerificationAccepted, bakeryCandidate())
	seedRecord(t, st, sessID, "place-2", model.VerificationAccepted, &model.NormalizedCandidate{Name: "Zuni Cafe"})

	exec := NewExecutor(st, WithOpener(func(_ context.Context, u string) error {
		if strings.Contains(u, "Zuni") {
			return eris.New("no display available")
		}
		return nil
	}))

	result, err := exec.Execute(ctx, sessID, ExecuteOptions{OpenInBrowser: true})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 1, result.SuccessfulTransfers)
	assert.Equal(t, 1, result.FailedTransfers)

	require.Len(t, result.Errors, 1)
	assert.Equal(t, "place-2", result.Errors[0].PlaceID)
	assert.Contains(t, result.Errors[0].Error, "no display available")

	// The link is still reported so the user can open it by hand.
	require.Len(t, result.GeneratedURLs, 2)
	assert.True(t, result.GeneratedURLs[0].Opened)
	assert.False(t, result.GeneratedURLs[1].Opened)

	sess, err := st.GetSession(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionVerifying, sess.Status)
	assert.Zero(t, sess.CompletedPlaces)
}

func TestExecute_NoEligibleRecords(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sessID := seedSession(t, st, model.SessionVerifying)

	seedRecord(t, st, sessID, "place-1", model.VerificationPending, bakeryCandidate())
	seedRecord(t, st, sessID, "place-2", model.VerificationRejected, bakeryCandidate())

	exec := NewExecutor(st)
	result, err := exec.Execute(ctx, sessID, ExecuteOptions{GenerateOnly: true})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Empty(t, result.GeneratedURLs)
	assert.Zero(t, result.SuccessfulTransfers)

	// An empty pass never completes the session.
	sess, err := st.GetSession(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionVerifying, sess.Status)
}

func TestExecute_WrongStatus(t *testing.T) {
	st := newTestStore(t)
	sessID := seedSession(t, st, model.SessionProcessing)

	exec := NewExecutor(st)
	_, err := exec.Execute(context.Background(), sessID, ExecuteOptions{GenerateOnly: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution needs verifying")
}

func TestExecute_UnsupportedTarget(t *testing.T) {
	st := newTestStore(t)
	sessID := seedSession(t, st, model.SessionVerifying)

	exec := NewExecutor(st)
	_, err := exec.Execute(context.Background(), sessID, ExecuteOptions{TargetService: "bing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported target service")
}

func TestExecute_SessionNotFound(t *testing.T) {
	st := newTestStore(t)

	exec := NewExecutor(st)
	_, err := exec.Execute(context.Background(), "ghost", ExecuteOptions{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExecute_AppleTarget(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sessID := seedSession(t, st, model.SessionVerifying)
	seedRecord(t, st, sessID, "place-1", model.VerificationAccepted, bakeryCandidate())

	exec := NewExecutor(st)
	result, err := exec.Execute(ctx, sessID, ExecuteOptions{
		TargetService: model.TargetAppleMaps,
		GenerateOnly:  true,
	})
	require.NoError(t, err)

	require.Len(t, result.GeneratedURLs, 1)
	assert.Equal(t, model.TargetAppleMaps, result.GeneratedURLs[0].TargetService)
	assert.Contains(t, result.GeneratedURLs[0].URL, "https://maps.apple.com/?")
}

func TestBuildGoogleMapsURL(t *testing.T) {
	tests := []struct {
		name      string
		candidate *model.NormalizedCandidate
		want      string
	}{
		{
			name:      "name address and place id",
			candidate: bakeryCandidate(),
			want:      "https://www.google.com/maps/search/?api=1&query=Tartine+Bakery+600+Guerrero+St&query_place_id=gmp-123",
		},
		{
			name:      "name only",
			candidate: &model.NormalizedCandidate{Name: "Zuni Cafe"},
			want:      "https://www.google.com/maps/search/?api=1&query=Zuni+Cafe",
		},
		{
			name: "coordinates fallback",
			candidate: &model.NormalizedCandidate{
				Latitude:  model.Float64Ptr(37.75),
				Longitude: model.Float64Ptr(-122.4),
			},
			want: "https://www.google.com/maps/search/?api=1&query=37.75%2C-122.4",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, buildGoogleMapsURL(tt.candidate))
		})
	}
}

func TestBuildAppleMapsURL(t *testing.T) {
	tests := []struct {
		name      string
		candidate *model.NormalizedCandidate
		want      string
	}{
		{
			name:      "all parts",
			candidate: bakeryCandidate(),
			want:      "https://maps.apple.com/?address=600+Guerrero+St&ll=37.75%2C-122.4&q=Tartine+Bakery",
		},
		{
			name:      "name only",
			candidate: &model.NormalizedCandidate{Name: "Zuni Cafe"},
			want:      "https://maps.apple.com/?q=Zuni+Cafe",
		},
		{
			name: "coordinates only",
			candidate: &model.NormalizedCandidate{
				Latitude:  model.Float64Ptr(37.75),
				Longitude: model.Float64Ptr(-122.4),
			},
			want: "https://maps.apple.com/?ll=37.75%2C-122.4",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, buildAppleMapsURL(tt.candidate))
		})
	}
}

func TestHasUsableData(t *testing.T) {
	assert.False(t, hasUsableData(nil))
	assert.False(t, hasUsableData(&model.NormalizedCandidate{Rating: 4.5}))
	assert.False(t, hasUsableData(&model.NormalizedCandidate{Name: "   "}))
	assert.True(t, hasUsableData(&model.NormalizedCandidate{Name: "Zuni Cafe"}))
	assert.True(t, hasUsableData(&model.NormalizedCandidate{Address: "1658 Market St"}))
	assert.True(t, hasUsableData(&model.NormalizedCandidate{
		Latitude:  model.Float64Ptr(37.77),
		Longitude: model.Float64Ptr(-122.42),
	}))
}
