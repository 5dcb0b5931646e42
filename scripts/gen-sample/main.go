package main

import (
	"bufio"
	"compress/gzip"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"criteo-ctr/internal/dataset"
)

func main() {
	var (
		outPath = flag.String("out", "data/synthetic.txt", "Output file (.gz compresses)")
		rows    = flag.Int("rows", 100000, "Number of rows to generate")
		seed    = flag.Uint64("seed", 42, "Generator seed")
	)
	flag.Parse()

	fmt.Printf("Generating synthetic Criteo data...\n")
	fmt.Printf("  Rows: %d\n", *rows)
	fmt.Printf("  Seed: %d\n", *seed)
	fmt.Printf("  Output: %s\n", *outPath)

	if err := generate(*outPath, *rows, *seed); err != nil {
		log.Fatalf("Failed to generate data: %v", err)
	}

	fmt.Printf("✓ Wrote %d rows to %s\n", *rows, *outPath)
}

func generate(path string, n int, seed uint64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var gz *gzip.Writer
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz = gzip.NewWriter(bw)
		w = gz
	}

	if err := dataset.WriteTSV(w, dataset.Synthetic(n, seed)); err != nil {
		return err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return f.Close()
}
