package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/autoreg/api/schemas"
)

func TestDecodeCommand(t *testing.T) {
	t.Run("startRun with settings", func(t *testing.T) {
		cmd, err := DecodeCommand(NameStartRun, []byte(`{
			"events": [{"title": "Meetup", "url": "https://x/meetup"}],
			"settings": {"profileFields": {"email": "sam@example.com"}, "delayBetweenMs": 2500, "autoAcceptTerms": true}
		}`))
		require.NoError(t, err)
		start, ok := cmd.(StartRun)
		require.True(t, ok)
		assert.Equal(t, []schemas.Event{{Title: "Meetup", URL: "https://x/meetup"}}, start.Events)
		require.NotNil(t, start.Settings)
		assert.Equal(t, 2500, start.Settings.DelayBetweenMs)
		assert.True(t, start.Settings.AutoAcceptTerms)
		assert.Equal(t, "sam@example.com", start.Settings.ProfileFields["email"])
	})

	t.Run("startRun without settings", func(t *testing.T) {
		cmd, err := DecodeCommand(NameStartRun, []byte(`{"events": [{"url": "https://x/1"}]}`))
		require.NoError(t, err)
		assert.Nil(t, cmd.(StartRun).Settings)
	})

	t.Run("startRun needs params", func(t *testing.T) {
		_, err := DecodeCommand(NameStartRun, nil)
		assert.Error(t, err)
		_, err = DecodeCommand(NameStartRun, []byte(`{"events": 3}`))
		assert.ErrorContains(t, err, "invalid startRun params")
	})

	t.Run("parameterless commands ignore params", func(t *testing.T) {
		for name, want := range map[string]Command{NamePause: Pause{}, NameResume: Resume{}, NameStop: Stop{}} {
			cmd, err := DecodeCommand(name, []byte(`{"ignored": true}`))
			require.NoError(t, err, name)
			assert.Equal(t, want, cmd)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := DecodeCommand("reboot", nil)
		assert.ErrorIs(t, err, ErrUnknownCommand)
	})
}

func TestCommandName(t *testing.T) {
	assert.Equal(t, NameStartRun, CommandName(StartRun{}))
	assert.Equal(t, NameStartRun, CommandName(&StartRun{}))
	assert.Equal(t, NamePause, CommandName(Pause{}))
	assert.Equal(t, NameResume, CommandName(&Resume{}))
	assert.Equal(t, NameStop, CommandName(Stop{}))
}
