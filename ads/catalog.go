package ads

import (
	"fmt"
	"math/big"
	"os"

	"gopkg.in/yaml.v3"
)

// Resource is a premium resource sold either for an ad view or for a
// direct payment. Amounts are integers in the payment asset's smallest unit.
type Resource struct {
	ID          string `yaml:"id" json:"id"`
	Title       string `yaml:"title" json:"title"`
	Description string `yaml:"description" json:"description,omitempty"`
	MimeType    string `yaml:"mime_type" json:"mimeType"`
	PublisherID string `yaml:"publisher_id" json:"publisherId"`
	Price       string `yaml:"price" json:"price"`
	AdRate      string `yaml:"ad_rate" json:"adRate"`
	Content     string `yaml:"content" json:"-"`
}

// Catalog is a read-only lookup table of premium resources.
type Catalog struct {
	resources map[string]Resource
	order     []string
}

type catalogFile struct {
	Resources []Resource `yaml:"resources"`
}

// LoadCatalog reads a YAML file with a top-level resources list.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	return NewCatalog(file.Resources)
}

func NewCatalog(resources []Resource) (*Catalog, error) {
	c := &Catalog{resources: make(map[string]Resource, len(resources))}
	for i, r := range resources {
		if r.ID == "" {
			return nil, fmt.Errorf("resource %d: id is required", i)
		}
		if _, dup := c.resources[r.ID]; dup {
			return nil, fmt.Errorf("resource %s: duplicate id", r.ID)
		}
		if !isAmount(r.Price) {
			return nil, fmt.Errorf("resource %s: invalid price %q", r.ID, r.Price)
		}
		if r.AdRate == "" {
			r.AdRate = "0"
		}
		if !isAmount(r.AdRate) {
			return nil, fmt.Errorf("resource %s: invalid ad_rate %q", r.ID, r.AdRate)
		}
		if r.MimeType == "" {
			r.MimeType = "application/json"
		}
		c.resources[r.ID] = r
		c.order = append(c.order, r.ID)
	}
	return c, nil
}

func (c *Catalog) Get(id string) (Resource, bool) {
	r, ok := c.resources[id]
	return r, ok
}

// List returns resources in file order.
func (c *Catalog) List() []Resource {
	out := make([]Resource, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.resources[id])
	}
	return out
}

func isAmount(s string) bool {
	n, ok := new(big.Int).SetString(s, 10)
	return ok && n.Sign() >= 0
}
