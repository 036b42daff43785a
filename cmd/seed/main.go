// Command seed loads a catalog file into the database. Products and batches
// are otherwise read-only to the service.
//
//	go run ./cmd/seed catalog.json
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/safar/storefront-fulfilment/internal/config"
	"github.com/safar/storefront-fulfilment/internal/database"
	"github.com/safar/storefront-fulfilment/internal/store"
	"github.com/shopspring/decimal"
)

type catalogFile struct {
	Products []struct {
		Name    string `json:"name"`
		Batches []struct {
			Code           string          `json:"code"`
			ProductionDate string          `json:"production_date"`
			Quality        string          `json:"quality"`
			UnitPrice      decimal.Decimal `json:"unit_price"`
			Discount       decimal.Decimal `json:"discount"`
			Stock          int             `json:"stock"`
		} `json:"batches"`
	} `json:"products"`
}

func main() {
	if len(os.Args) < 2 {
		log.Fatal("Usage: go run ./cmd/seed <catalog.json>")
	}

	raw, err := os.ReadFile(os.Args[1])
	if err != nil {
		log.Fatalf("Read catalog: %v", err)
	}
	var catalog catalogFile
	if err := json.Unmarshal(raw, &catalog); err != nil {
		log.Fatalf("Parse catalog: %v", err)
	}

	ctx := context.Background()
	dbCfg := config.LoadDatabase()
	db, err := database.NewConnection(ctx, &dbCfg)
	if err != nil {
		log.Fatalf("Connect to database: %v", err)
	}
	defer db.Close()

	s := store.NewPostgres(db)
	for _, p := range catalog.Products {
		product, err := s.CreateProduct(ctx, p.Name)
		if err != nil {
			log.Fatalf("Create product %q: %v", p.Name, err)
		}
		for i, b := range p.Batches {
			produced, err := time.Parse(time.DateOnly, b.ProductionDate)
			if err != nil {
				log.Fatalf("Batch %s: production_date must be YYYY-MM-DD", b.Code)
			}
			if _, err := s.CreateBatch(ctx, product.ID, store.NewBatch{
				Code:           b.Code,
				ProductionDate: produced,
				Quality:        b.Quality,
				UnitPrice:      b.UnitPrice,
				Discount:       b.Discount,
				Stock:          b.Stock,
				Position:       i,
			}); err != nil {
				log.Fatalf("Create batch %s: %v", b.Code, err)
			}
		}
		log.Printf("Seeded %s with %d batches", p.Name, len(p.Batches))
	}
}
