package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitepatrol/internal/core"
	"sitepatrol/internal/store"
)

const patrolsYAML = `
patrols:
  - name: shop
    description: storefront
    targets:
      - url: https://shop.example
        name: home
        monitoring_level: standard
      - url: https://shop.example/cart
    config:
      required_selectors: ["#cart"]
      expected_status: 200
    notification_emails: [ops@shop.example]
    schedules:
      - cron: "0 9 * * *"
        time_zone: Asia/Shanghai
      - cron: "*/30 * * * *"
        enabled: false
  - name: blog
    enabled: false
    targets:
      - url: https://blog.example
`

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), t.TempDir(), 10)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestLoadAndApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patrols.yaml")
	require.NoError(t, os.WriteFile(path, []byte(patrolsYAML), 0o600))

	f, err := Load(path)
	require.NoError(t, err)
	require.Len(t, f.Patrols, 2)

	st := openStore(t)
	ctx := context.Background()
	res, err := Apply(ctx, st, f, nil)
	require.NoError(t, err)
	assert.Equal(t, Result{TasksCreated: 2, SchedulesCreated: 2}, res)

	shop, err := st.FindTaskByName(ctx, "shop")
	require.NoError(t, err)
	assert.True(t, shop.Enabled)
	require.Len(t, shop.Targets, 2)
	assert.Equal(t, "shop.example", shop.Targets[1].Name)
	assert.Equal(t, core.MonitoringBasic, shop.Targets[1].MonitoringLevel)
	assert.Equal(t, []string{"ops@shop.example"}, shop.NotificationEmails)
	assert.Equal(t, []any{"#cart"}, shop.Config["required_selectors"])

	blog, err := st.FindTaskByName(ctx, "blog")
	require.NoError(t, err)
	assert.False(t, blog.Enabled)

	scheds, err := st.ListSchedules(ctx, shop.ID)
	require.NoError(t, err)
	require.Len(t, scheds, 2)

	active, err := st.ListActiveSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "Asia/Shanghai", active[0].TimeZone)
}

func TestApplyIsIdempotent(t *testing.T) {
	f, err := Parse([]byte(patrolsYAML))
	require.NoError(t, err)
	st := openStore(t)
	ctx := context.Background()

	_, err = Apply(ctx, st, f, nil)
	require.NoError(t, err)
	before, err := st.FindTaskByName(ctx, "shop")
	require.NoError(t, err)

	f.Patrols[0].Schedules[1].Enabled = nil
	res, err := Apply(ctx, st, f, nil)
	require.NoError(t, err)
	assert.Equal(t, Result{TasksUpdated: 2, SchedulesUpdated: 1}, res)

	after, err := st.FindTaskByName(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, before.ID, after.ID)

	active, err := st.ListActiveSchedules(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestParseRejectsInvalidPatrols(t *testing.T) {
	cases := map[string]string{
		"bad url":    "patrols:\n  - name: a\n    targets: [{url: 'shop.example'}]\n",
		"bad cron":   "patrols:\n  - name: a\n    targets: [{url: 'https://a.example'}]\n    schedules: [{cron: 'daily'}]\n",
		"bad zone":   "patrols:\n  - name: a\n    targets: [{url: 'https://a.example'}]\n    schedules: [{cron: '0 9 * * *', time_zone: 'Nowhere/Land'}]\n",
		"duplicate":  "patrols:\n  - name: a\n    targets: [{url: 'https://a.example'}]\n  - name: a\n    targets: [{url: 'https://b.example'}]\n",
		"not yaml":   "patrols: [",
		"no targets": "patrols:\n  - name: a\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}
