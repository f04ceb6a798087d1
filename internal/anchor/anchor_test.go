package anchor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/thebtf/storyprompt/pkg/models"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "case and spaces", input: "  Grandma   ROSE ", expected: "grandma rose"},
		{name: "punctuation", input: "St. Mary's Church", expected: "st marys church"},
		{name: "curly apostrophe", input: "Rose’s", expected: "roses"},
		{name: "leading possessive", input: "my father's watch", expected: "fathers watch"},
		{name: "determiner alone is kept", input: "The", expected: "the"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Normalize(tt.input))
		})
	}
}

func TestHash_CollidesAcrossSpellings(t *testing.T) {
	a := Hash("Grandma Rose", models.MemoryPerson, 1965)
	b := Hash("grandma  rose.", models.MemoryPerson, 1965)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestHash_DistinguishesTypeAndYear(t *testing.T) {
	base := Hash("Lake Erie", models.MemoryPlace, 1970)
	assert.NotEqual(t, base, Hash("Lake Erie", models.MemoryPlace, 1971))
	assert.NotEqual(t, base, Hash("Lake Erie", models.MemoryPerson, 1970))
	assert.NotEqual(t, base, Hash("Lake Huron", models.MemoryPlace, 1970))
}
