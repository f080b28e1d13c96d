package datapath

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookup(t *testing.T) {
	data := map[string]any{
		"status": 200,
		"data": map[string]any{
			"id":    42,
			"items": []any{map[string]any{"sku": "a-1"}, map[string]any{"sku": "b-2"}},
			"tags":  map[string]string{"env": "prod"},
		},
	}

	tests := []struct {
		name   string
		path   string
		want   any
		wantOK bool
	}{
		{name: "top level", path: "status", want: 200, wantOK: true},
		{name: "nested", path: "data.id", want: 42, wantOK: true},
		{name: "array index", path: "data.items.1.sku", want: "b-2", wantOK: true},
		{name: "typed map is normalized", path: "data.tags.env", want: "prod", wantOK: true},
		{name: "missing key", path: "data.name", wantOK: false},
		{name: "index into scalar", path: "status.code", wantOK: false},
		{name: "index out of range", path: "data.items.9.sku", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Lookup(data, tt.path)
			assert.Equal(t, tt.wantOK, ok)

			if tt.wantOK {
				assert.EqualValues(t, tt.want, got)
			}
		})
	}
}

func TestSplit(t *testing.T) {
	assert.Equal(t, []any{"data", 0, "id"}, Split("data.0.id"))
	assert.Equal(t, []any{}, Split(""))
}
