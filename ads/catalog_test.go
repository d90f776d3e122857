package ads

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	data := `
resources:
  - id: weather-pro
    title: Hourly forecast
    publisher_id: pub-1
    price: "1000"
    ad_rate: "25"
    content: '{"forecast":"sunny"}'
  - id: gallery
    title: Photo gallery
    mime_type: text/html
    price: "500"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	catalog, err := LoadCatalog(path)
	require.NoError(t, err)

	list := catalog.List()
	require.Len(t, list, 2)
	assert.Equal(t, "weather-pro", list[0].ID)
	assert.Equal(t, "gallery", list[1].ID)

	weather, ok := catalog.Get("weather-pro")
	require.True(t, ok)
	assert.Equal(t, "application/json", weather.MimeType)
	assert.Equal(t, "25", weather.AdRate)
	assert.Equal(t, `{"forecast":"sunny"}`, weather.Content)

	gallery, _ := catalog.Get("gallery")
	assert.Equal(t, "0", gallery.AdRate)
	assert.Equal(t, "text/html", gallery.MimeType)

	_, ok = catalog.Get("missing")
	assert.False(t, ok)
}

func TestNewCatalogRejectsInvalidResources(t *testing.T) {
	tests := []struct {
		name      string
		resources []Resource
	}{
		{"missing id", []Resource{{Price: "1"}}},
		{"duplicate id", []Resource{{ID: "a", Price: "1"}, {ID: "a", Price: "2"}}},
		{"decimal price", []Resource{{ID: "a", Price: "1.5"}}},
		{"negative price", []Resource{{ID: "a", Price: "-1"}}},
		{"empty price", []Resource{{ID: "a"}}},
		{"bad ad rate", []Resource{{ID: "a", Price: "1", AdRate: "free"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCatalog(tt.resources)
			assert.Error(t, err)
		})
	}
}

func TestLoadCatalogMissingFile(t *testing.T) {
	_, err := LoadCatalog(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
