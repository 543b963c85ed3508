package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/shopspring/decimal"

	"github.com/agrodist/salesops/internal/app"
	"github.com/agrodist/salesops/internal/catalog"
	"github.com/agrodist/salesops/internal/platform/db"
	"github.com/agrodist/salesops/internal/platform/eventlog"
	"github.com/agrodist/salesops/internal/stock"
)

// Seeds an opening stock line for every catalog product into the event
// journal. Lines that already exist are left alone, so reruns are safe.
func main() {
	ctx := context.Background()
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.PGDSN == "" {
		log.Fatal("PG_DSN is required to seed the journal")
	}
	qty, err := decimal.NewFromString(getenv("SEED_STOCK_QTY", "100"))
	if err != nil || qty.IsNegative() {
		log.Fatalf("invalid SEED_STOCK_QTY: %v", err)
	}

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: 2})
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	journal := eventlog.New(pool)
	if err := journal.Migrate(ctx); err != nil {
		log.Fatalf("migrate journal: %v", err)
	}
	cat, err := catalog.LoadFile(cfg.CatalogFile, cfg.ClientsFile)
	if err != nil {
		log.Fatalf("load catalog: %v", err)
	}
	a, err := app.New(ctx, app.Options{Config: cfg, Catalog: cat, Journal: journal})
	if err != nil {
		log.Fatalf("build app: %v", err)
	}

	fmt.Printf("→ Seeding stock into %s (%d events already journaled)...\n", cfg.DefaultWarehouse, a.Restored)
	created := 0
	for _, p := range cat.Products(ctx) {
		_, err := a.Stock.AddProduct(ctx, stock.ProductInput{
			Code:            p.Code,
			Name:            p.Name,
			Category:        p.Category,
			Ownership:       stock.OwnershipOwn,
			InitialQuantity: qty,
		})
		switch {
		case errors.Is(err, stock.ErrDuplicateProductCode):
			continue
		case err != nil:
			log.Fatalf("seed %s: %v", p.Code, err)
		}
		created++
	}
	fmt.Printf("✓ %d stock lines created\n", created)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
