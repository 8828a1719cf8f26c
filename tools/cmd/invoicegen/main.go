// tools/cmd/invoicegen/main.go
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"

	"github.com/example/coursefee-portal/internal/ledgermock"
)

var courses = []string{
	"Data Analytics with Python", "Cloud Fundamentals", "UX Design Basics",
	"Digital Marketing", "Project Management Essentials", "Go for Backend Engineers",
}

func main() {
	n := flag.Int("n", 100, "number of invoices (excluding header)")
	out := flag.String("out", "testdata/invoices.csv", "output CSV path")
	seed := flag.Int64("seed", 1, "random seed")
	flag.Parse()

	rnd := rand.New(rand.NewSource(*seed))

	if err := os.MkdirAll(filepath.Dir(*out), 0o755); err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(*out)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write(ledgermock.CSVHeader); err != nil {
		log.Fatal(err)
	}
	for i := 0; i < *n; i++ {
		amount := decimal.NewFromInt(int64(200 + rnd.Intn(1800))).Add(decimal.New(int64(rnd.Intn(100)), -2))
		// A third of accounts have no balance, a third partial, a third full cover.
		var balance decimal.Decimal
		switch rnd.Intn(3) {
		case 1:
			balance = amount.Mul(decimal.NewFromFloat(rnd.Float64())).Round(2)
		case 2:
			balance = amount.Add(decimal.NewFromInt(int64(rnd.Intn(500))))
		}
		row := []string{
			fmt.Sprintf("INV-%06d", i+1),
			courses[rnd.Intn(len(courses))],
			amount.StringFixed(2),
			balance.StringFixed(2),
		}
		if err := w.Write(row); err != nil {
			log.Fatal(err)
		}
	}
	log.Printf("generated %s (%d rows + header)", *out, *n)
}
