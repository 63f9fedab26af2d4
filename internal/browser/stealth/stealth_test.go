package stealth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestPersona_AcceptLanguage(t *testing.T) {
	tests := []struct {
		name  string
		langs []string
		want  string
	}{
		{"default persona", DefaultPersona.Languages, "en-US,en;q=0.9"},
		{"single language", []string{"de-DE"}, "de-DE"},
		{"three languages", []string{"fr-FR", "fr", "en"}, "fr-FR,fr;q=0.9,en;q=0.8"},
		{"no languages", nil, "en-US,en;q=0.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Persona{Languages: tt.langs}.AcceptLanguage())
		})
	}
}

func TestPersona_ScriptBindsValues(t *testing.T) {
	p := Persona{Platform: "MacIntel", Languages: []string{"en-GB", "en"}}
	script := p.Script()

	assert.Contains(t, script, `platform:"MacIntel"`)
	assert.Contains(t, script, `languages:["en-GB","en"]`)
	assert.Contains(t, script, "webdriver")
	assert.NotEmpty(t, evasionsScript)
}

func TestApply(t *testing.T) {
	t.Run("builds the full action list and logs the persona", func(t *testing.T) {
		core, observedLogs := observer.New(zap.DebugLevel)
		tasks := Apply(DefaultPersona, zap.New(core))

		assert.Len(t, tasks, 5)
		logs := observedLogs.All()
		if assert.Len(t, logs, 1) {
			assert.Equal(t, "Applying browser stealth persona", logs[0].Message)
		}
	})

	t.Run("nil logger", func(t *testing.T) {
		assert.NotPanics(t, func() {
			Apply(DefaultPersona, nil)
		})
	})
}
