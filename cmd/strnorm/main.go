// strnorm normalizes strings line by line, e.g. to compare author name
// lists from different sources.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/miku/scholcache"
	"github.com/miku/scholcache/normal"
	"github.com/miku/scholcache/pproc"
)

var (
	algo        = flag.String("a", "person", "normalization algorithm, one of: "+names())
	keepInput   = flag.Bool("k", false, "keep input, emit tab separated input and normalized value")
	numWorkers  = flag.Int("w", runtime.NumCPU(), "number of workers")
	showVersion = flag.Bool("version", false, "show version")
)

func names() string {
	var result []string
	for k := range normal.Named {
		result = append(result, k)
	}
	sort.Strings(result)
	return strings.Join(result, ", ")
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(scholcache.Version)
		os.Exit(0)
	}
	normalizer, ok := normal.Named[*algo]
	if !ok {
		log.Fatalf("invalid normalizer name: %s", *algo)
	}
	pp := pproc.NewProcessor(func(_ context.Context, b []byte) ([]byte, error) {
		s := normalizer.Normalize(string(b))
		if *keepInput {
			return []byte(string(b) + "\t" + s + "\n"), nil
		}
		return []byte(s + "\n"), nil
	}, pproc.WithWorkers(*numWorkers), pproc.WithOrdered())
	if err := pp.Process(context.Background(), os.Stdin, os.Stdout); err != nil {
		log.Fatal(err)
	}
}
