package db_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/MarkusPolo/consoled/internal/db"
	"github.com/MarkusPolo/consoled/internal/model"
	"github.com/MarkusPolo/consoled/internal/testutil"
)

func TestSettingsRoundTrip(t *testing.T) {
	store, ctx := testutil.NewStore(t)

	_, err := store.GetSetting(ctx, "missing")
	require.ErrorIs(t, err, db.ErrNotFound)

	require.NoError(t, store.PutSetting(ctx, "theme", "dark"))
	st, err := store.GetSetting(ctx, "theme")
	require.NoError(t, err)
	require.JSONEq(t, `"dark"`, string(st.Value))
	require.False(t, st.UpdatedAt.IsZero())

	// upsert overwrites
	require.NoError(t, store.PutSetting(ctx, "theme", "light"))
	st, err = store.GetSetting(ctx, "theme")
	require.NoError(t, err)
	require.JSONEq(t, `"light"`, string(st.Value))

	all, err := store.ListSettings(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestPortBaudRates(t *testing.T) {
	store, ctx := testutil.NewStore(t)

	// absent setting yields an empty map
	bauds, err := store.PortBaudRates(ctx)
	require.NoError(t, err)
	require.Empty(t, bauds)

	require.NoError(t, store.PutSetting(ctx, model.SettingPortBaudRates, map[string]int{
		"1": 115200,
		"7": 19200,
	}))
	bauds, err = store.PortBaudRates(ctx)
	require.NoError(t, err)
	require.Equal(t, map[int]int{1: 115200, 7: 19200}, bauds)
}

func TestTemplateCRUD(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	tpl := testutil.SeedTemplate(t, store, ctx, "baseline-switch")

	got, err := store.GetTemplate(ctx, tpl.ID)
	require.NoError(t, err)
	require.Equal(t, "baseline-switch", got.Name)
	require.Len(t, got.Steps, 4)
	require.Equal(t, model.StepCommand, got.Steps[2].Type)
	require.Equal(t, []string{"hostname"}, got.ConfigSchema.Required)

	// duplicate name is rejected
	_, err = store.CreateTemplate(ctx, model.Template{Name: "baseline-switch"})
	require.ErrorIs(t, err, db.ErrDuplicate)

	got.Name = "baseline-switch-v2"
	got.IsBaseline = true
	require.NoError(t, store.UpdateTemplate(ctx, got))
	updated, err := store.GetTemplate(ctx, tpl.ID)
	require.NoError(t, err)
	require.Equal(t, "baseline-switch-v2", updated.Name)
	require.True(t, updated.IsBaseline)

	list, err := store.ListTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, store.DeleteTemplate(ctx, tpl.ID))
	_, err = store.GetTemplate(ctx, tpl.ID)
	require.ErrorIs(t, err, db.ErrNotFound)
	require.ErrorIs(t, store.DeleteTemplate(ctx, tpl.ID), db.ErrNotFound)
}

func TestMacroCRUD(t *testing.T) {
	store, ctx := testutil.NewStore(t)

	id, err := store.CreateMacro(ctx, model.Macro{
		Name:        "check-vlans",
		Description: "recorded from port 3",
		Steps: []model.MacroStep{
			{Type: "send", Content: "show vlan brief"},
			{Type: "verify", Name: "vlan 42", Command: "show vlan brief", CheckType: model.CheckContains, Pattern: "42"},
		},
	})
	require.NoError(t, err)

	mac, err := store.GetMacro(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "check-vlans", mac.Name)
	require.Len(t, mac.Steps, 2)
	require.Equal(t, "send", mac.Steps[0].Type)

	mac.Description = "edited"
	require.NoError(t, store.UpdateMacro(ctx, mac))

	require.NoError(t, store.DeleteMacro(ctx, id))
	_, err = store.GetMacro(ctx, id)
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestProfileCRUD(t *testing.T) {
	store, ctx := testutil.NewStore(t)

	id, err := store.CreateProfile(ctx, model.DeviceProfile{
		Name:   "Cisco IOS",
		Vendor: "cisco",
		PromptPatterns: map[string]string{
			"priv": `#\s*$`,
		},
		Commands: map[string]string{
			"priv_mode": "enable",
		},
		ErrorMarkers:     []string{"% Invalid input"},
		DetectionCommand: "show version",
	})
	require.NoError(t, err)

	_, err = store.CreateProfile(ctx, model.DeviceProfile{Name: "Cisco IOS", Vendor: "cisco"})
	require.ErrorIs(t, err, db.ErrDuplicate)

	p, err := store.GetProfile(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "enable", p.Commands["priv_mode"])
	require.Equal(t, []string{"% Invalid input"}, p.ErrorMarkers)

	require.NoError(t, store.DeleteProfile(ctx, id))
	_, err = store.GetProfile(ctx, id)
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestJobLifecycle(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	tpl := testutil.SeedTemplate(t, store, ctx, "baseline")

	now := time.Now()
	job := model.Job{
		ID:         uuid.NewString(),
		TemplateID: &tpl.ID,
		Status:     model.StatusQueued,
		CreatedAt:  now,
		Targets: []model.JobTarget{
			{
				ID:        uuid.NewString(),
				Port:      "1",
				Variables: map[string]string{"hostname": "sw1"},
				Status:    model.StatusQueued,
				CreatedAt: now,
				UpdatedAt: now,
			},
			{
				ID:        uuid.NewString(),
				Port:      "2",
				Variables: map[string]string{"hostname": "sw2"},
				Status:    model.StatusQueued,
				CreatedAt: now.Add(time.Millisecond),
				UpdatedAt: now.Add(time.Millisecond),
			},
		},
	}
	require.NoError(t, store.CreateJob(ctx, job))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusQueued, got.Status)
	require.Len(t, got.Targets, 2)
	require.Equal(t, "1", got.Targets[0].Port)
	require.Equal(t, map[string]string{"hostname": "sw2"}, got.Targets[1].Variables)

	// progress one target to a failed terminal state
	tgt := got.Targets[0]
	tgt.Status = model.StatusFailed
	tgt.Log = "[12:00:00] Error: port busy"
	tgt.FailureCategory = model.FailurePortBusy
	tgt.Remediation = model.FailurePortBusy.Remediation()
	tgt.VerificationResults = []model.VerificationCheck{
		{CheckName: "hostname applied", Status: model.CheckFail, Message: "Pattern not found"},
	}
	require.NoError(t, store.UpdateTarget(ctx, tgt))
	require.NoError(t, store.UpdateJobStatus(ctx, job.ID, model.StatusFailed))

	got, err = store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, got.Status)
	require.Equal(t, model.FailurePortBusy, got.Targets[0].FailureCategory)
	require.NotEmpty(t, got.Targets[0].Remediation)
	require.Len(t, got.Targets[0].VerificationResults, 1)

	_, err = store.GetJob(ctx, "no-such-job")
	require.ErrorIs(t, err, db.ErrNotFound)

	jobs, err := store.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Len(t, jobs[0].Targets, 2)
}
