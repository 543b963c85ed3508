package catalog

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/agrodist/salesops/internal/shared"
)

// Catalog is a read-only product lookup plus the client directory.
type Catalog struct {
	products map[string]Product
	clients  map[int64]Client
}

// New indexes products and clients. Codes and ids must be unique.
func New(products []Product, clients []Client) (*Catalog, error) {
	c := &Catalog{
		products: make(map[string]Product, len(products)),
		clients:  make(map[int64]Client, len(clients)),
	}
	for _, p := range products {
		code := strings.TrimSpace(p.Code)
		if code == "" {
			return nil, fmt.Errorf("catalog: product code required")
		}
		if _, exists := c.products[code]; exists {
			return nil, shared.Wrapf(ErrDuplicateEntry, "product %s", code)
		}
		if p.UnitPrice.IsNegative() {
			return nil, fmt.Errorf("catalog: product %s has negative price", code)
		}
		p.Code = code
		c.products[code] = p
	}
	for _, cl := range clients {
		if cl.ID <= 0 {
			return nil, fmt.Errorf("catalog: client id must be positive")
		}
		if _, exists := c.clients[cl.ID]; exists {
			return nil, shared.Wrapf(ErrDuplicateEntry, "client %d", cl.ID)
		}
		if cl.Channel == "" {
			cl.Channel = ChannelOwn
		}
		c.clients[cl.ID] = cl
	}
	return c, nil
}

// Product looks up a product by code.
func (c *Catalog) Product(_ context.Context, code string) (Product, error) {
	p, ok := c.products[strings.TrimSpace(code)]
	if !ok {
		return Product{}, shared.Wrapf(ErrUnknownProduct, "%s", code)
	}
	return p, nil
}

// Products lists the catalog ordered by code.
func (c *Catalog) Products(_ context.Context) []Product {
	out := make([]Product, 0, len(c.products))
	for _, p := range c.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Client looks up a client by id.
func (c *Catalog) Client(_ context.Context, id int64) (Client, error) {
	cl, ok := c.clients[id]
	if !ok {
		return Client{}, shared.Wrapf(ErrUnknownClient, "%d", id)
	}
	return cl, nil
}

// Clients lists the directory ordered by id.
func (c *Catalog) Clients(_ context.Context) []Client {
	out := make([]Client, 0, len(c.clients))
	for _, cl := range c.clients {
		out = append(out, cl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type seedFile struct {
	Products []struct {
		Code      string `yaml:"code"`
		Name      string `yaml:"name"`
		Category  string `yaml:"category"`
		Unit      string `yaml:"unit"`
		UnitPrice string `yaml:"unit_price"`
		TaxRate   string `yaml:"tax_rate"`
	} `yaml:"products"`
	Clients []Client `yaml:"clients"`
}

// Load decodes YAML seed documents. Later documents may add products and
// clients; repeated codes or ids are rejected.
func Load(readers ...io.Reader) (*Catalog, error) {
	var (
		products []Product
		clients  []Client
	)
	for _, r := range readers {
		var seed seedFile
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&seed); err != nil && err != io.EOF {
			return nil, fmt.Errorf("catalog: decode seed: %w", err)
		}
		for _, raw := range seed.Products {
			price, err := decimal.NewFromString(raw.UnitPrice)
			if err != nil {
				return nil, fmt.Errorf("catalog: product %s price: %w", raw.Code, err)
			}
			p := Product{Code: raw.Code, Name: raw.Name, Category: raw.Category, Unit: raw.Unit, UnitPrice: price}
			if raw.TaxRate != "" {
				rate, err := decimal.NewFromString(raw.TaxRate)
				if err != nil {
					return nil, fmt.Errorf("catalog: product %s tax rate: %w", raw.Code, err)
				}
				p.TaxRate = &rate
			}
			products = append(products, p)
		}
		clients = append(clients, seed.Clients...)
	}
	return New(products, clients)
}

// LoadFile reads YAML seed files from disk. Empty paths are skipped.
func LoadFile(paths ...string) (*Catalog, error) {
	readers := make([]io.Reader, 0, len(paths))
	for _, path := range paths {
		if path == "" {
			continue
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("catalog: open %s: %w", path, err)
		}
		defer f.Close()
		readers = append(readers, f)
	}
	return Load(readers...)
}
