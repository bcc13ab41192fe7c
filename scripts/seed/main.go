package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/civil"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/odyssey-erp/billpay/internal/app"
	"github.com/odyssey-erp/billpay/internal/extraction"
	"github.com/odyssey-erp/billpay/internal/invoice"
)

type sample struct {
	vendor    string
	reference string
	dueIn     int
	amount    string
	currency  string
	success   bool
}

// Due dates are relative to the seed day so each run exercises both passes.
var samples = []sample{
	{vendor: "Acme GmbH", reference: "INV-2024-001", dueIn: 0, amount: "453.53", currency: "EUR", success: true},
	{vendor: "Globex Corp", reference: "GX-88812", dueIn: 3, amount: "1200.00", currency: "USD", success: true},
	{vendor: "Initech", reference: "IT-5521", dueIn: 7, amount: "89.90", currency: "GBP", success: true},
	{vendor: "Umbrella KK", reference: "UK-0042", dueIn: 2, amount: "15000", currency: "JPY", success: true},
	{vendor: "Hooli", reference: "HL-771", dueIn: 12, amount: "640.00", currency: "USD", success: true},
	{vendor: "Vandelay Industries", reference: "VI-3", dueIn: 1, amount: "", currency: "USD", success: true},
	{vendor: "", reference: "", dueIn: 0, amount: "", currency: "", success: false},
}

func main() {
	run := flag.String("run", "", "request id suffix; reuse it to make seeding idempotent")
	flag.Parse()

	_ = godotenv.Load()
	var cfg app.Config
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("read environment: %v", err)
	}
	logger := app.NewLogger(&cfg)

	ctx := context.Background()
	repo, closeRepo, err := app.OpenRepository(ctx, &cfg, logger)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer closeRepo()

	consumer := extraction.NewConsumer(invoice.NewService(repo, nil, logger), logger)
	today := civil.DateOf(time.Now().In(cfg.Location()))
	if *run == "" {
		*run = today.String()
	}

	created := 0
	for i, s := range samples {
		res := extraction.Result{
			Success:         s.success,
			SourceReference: fmt.Sprintf("s3://billpay-seed/invoice-%02d.eml", i+1),
			RequestID:       "seed-" + *run,
		}
		if s.success {
			due := today.AddDays(s.dueIn).String()
			res.VendorName = &s.vendor
			res.ReferenceID = &s.reference
			res.DueDate = &due
			res.Currency = &s.currency
			if s.amount != "" {
				res.Amount = &s.amount
			}
		}
		rec, ok, err := consumer.Consume(ctx, res)
		if err != nil {
			log.Fatalf("seed %s: %v", res.SourceReference, err)
		}
		if ok {
			created++
		}
		fmt.Printf("→ %s %s %s\n", rec.ID, rec.Status, res.SourceReference)
	}
	fmt.Printf("✓ Seeded %d of %d invoices for %s\n", created, len(samples), today)
}
